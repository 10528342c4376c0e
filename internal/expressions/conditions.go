package expressions

import (
	"context"
	"strconv"
	"strings"

	"github.com/kapixcr/Kapchat-sub000/pkg/schema"
)

// Condition operators understood by condition nodes.
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpContains    = "contains"
	OpNotContains = "not_contains"
	OpStartsWith  = "starts_with"
	OpEndsWith    = "ends_with"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
	OpIsEmpty     = "is_empty"
	OpIsNotEmpty  = "is_not_empty"
	OpExpression  = "expression"
)

// Operators lists every supported operator, used by flow validation.
var Operators = []string{
	OpEquals, OpNotEquals, OpContains, OpNotContains, OpStartsWith, OpEndsWith,
	OpGreaterThan, OpLessThan, OpIsEmpty, OpIsNotEmpty, OpExpression,
}

// ConditionEvaluator evaluates a condition node's test against execution variables.
type ConditionEvaluator struct {
	expr *ExprEngine
}

// NewConditionEvaluator creates an evaluator. The expr engine backs the
// "expression" operator.
func NewConditionEvaluator(expr *ExprEngine) *ConditionEvaluator {
	if expr == nil {
		expr = NewExprEngine()
	}
	return &ConditionEvaluator{expr: expr}
}

// Evaluate applies spec.Operator to variables[spec.Variable] and spec.Value.
// String comparisons are case-insensitive; numeric comparisons that cannot
// parse either side are false. Unknown operators are a node execution error.
func (c *ConditionEvaluator) Evaluate(ctx context.Context, spec *schema.ConditionSpec, variables map[string]any) (bool, error) {
	if spec == nil {
		return false, schema.NewError(schema.ErrCodeNodeExecution, "condition node has no condition")
	}

	var actual any
	if variables != nil {
		actual = variables[spec.Variable]
	}
	left := strings.ToLower(Stringify(actual))
	right := strings.ToLower(Stringify(spec.Value))

	switch spec.Operator {
	case OpEquals:
		return left == right, nil
	case OpNotEquals:
		return left != right, nil
	case OpContains:
		return strings.Contains(left, right), nil
	case OpNotContains:
		return !strings.Contains(left, right), nil
	case OpStartsWith:
		return strings.HasPrefix(left, right), nil
	case OpEndsWith:
		return strings.HasSuffix(left, right), nil
	case OpGreaterThan, OpLessThan:
		a, okA := toNumber(actual)
		b, okB := toNumber(spec.Value)
		if !okA || !okB {
			return false, nil
		}
		if spec.Operator == OpGreaterThan {
			return a > b, nil
		}
		return a < b, nil
	case OpIsEmpty:
		return strings.TrimSpace(left) == "", nil
	case OpIsNotEmpty:
		return strings.TrimSpace(left) != "", nil
	case OpExpression:
		expression, _ := spec.Value.(string)
		return c.expr.EvaluateBool(ctx, expression, variables)
	default:
		return false, schema.NewErrorf(schema.ErrCodeNodeExecution, "unknown condition operator %q", spec.Operator).
			WithDetails(map[string]any{"operator": spec.Operator, "supported": Operators})
	}
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
