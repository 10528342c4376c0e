package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/kapixcr/Kapchat-sub000/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineNames(t *testing.T) {
	cel, err := NewCELEngine()
	require.NoError(t, err)
	for name, e := range map[string]Engine{"cel": cel, "expr": NewExprEngine(), "jq": NewGoJQEngine()} {
		assert.Equal(t, name, e.Name())
	}
}

func TestCEL_TriggerGuard(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{
		"message": map[string]any{"text": "quiero precio vip", "phone": "+5491100"},
	}
	ok, err := e.EvaluateBool(context.Background(), `message.text.contains("vip") && message.phone.startsWith("+54")`, data)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.EvaluateBool(context.Background(), `message.text.contains("gold")`, data)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCEL_MissingVariablesDefaultToEmpty(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	ok, err := e.EvaluateBool(context.Background(), `size(flow) == 0`, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCEL_Errors(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	assert.Error(t, e.Compile("message.text ==="))
	assert.Error(t, e.Compile("unknown_var == 1"))
	assert.NoError(t, e.Compile(`message.text == "hi"`))

	_, err = e.EvaluateBool(context.Background(), `message.missing == "x"`, map[string]any{"message": map[string]any{}})
	assert.True(t, schema.HasCode(err, schema.ErrCodeTriggerEvaluation))

	_, err = e.EvaluateBool(context.Background(), `"not a bool"`, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeTriggerEvaluation))
}

func TestCEL_ProgramCaching(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := e.Evaluate(context.Background(), "1 + 1 == 2", nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, e.programs.len())
}

func TestExpr_Evaluate(t *testing.T) {
	e := NewExprEngine()
	out, err := e.Evaluate(context.Background(), "a + b", map[string]any{"a": 10, "b": 3})
	require.NoError(t, err)
	assert.Equal(t, 13, out)

	out, err = e.Evaluate(context.Background(), "missing == nil", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, out)

	_, err = e.Evaluate(context.Background(), "a +", map[string]any{"a": 1})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestExpr_Concurrent(t *testing.T) {
	e := NewExprEngine()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), "n * 2", map[string]any{"n": n})
			assert.NoError(t, err)
			assert.Equal(t, n*2, out)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, e.programs.len())
}

func TestGoJQ_Query(t *testing.T) {
	e := NewGoJQEngine()
	body := map[string]any{
		"order": map[string]any{"status": "shipped", "items": []any{map[string]any{"sku": "a"}, map[string]any{"sku": "b"}}},
	}

	out, err := e.Query(context.Background(), ".order.status", body)
	require.NoError(t, err)
	assert.Equal(t, "shipped", out)

	out, err = e.Query(context.Background(), ".order.items[].sku", body)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)

	out, err = e.Query(context.Background(), ".[0]", []any{float64(1), float64(2)})
	require.NoError(t, err)
	assert.Equal(t, float64(1), out)

	out, err = e.Query(context.Background(), "empty", body)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_Errors(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Query(context.Background(), ".[", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = e.Query(context.Background(), `error("boom")`, map[string]any{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeNodeExecution))

	out, err := e.Query(context.Background(), "$ENV | length", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 0, out)
}

func TestGoJQ_NormalizesIntegers(t *testing.T) {
	out, err := NewGoJQEngine().Evaluate(context.Background(), ".n + 1", map[string]any{"n": 41})
	require.NoError(t, err)
	assert.Equal(t, float64(42), out)
}
