package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kapixcr/Kapchat-sub000/internal/expressions"
	"github.com/kapixcr/Kapchat-sub000/internal/logging"
	"github.com/kapixcr/Kapchat-sub000/pkg/schema"
)

type fakeLookup struct {
	running *schema.Execution
	err     error
}

func (f *fakeLookup) GetRunningExecution(context.Context, string) (*schema.Execution, error) {
	return f.running, f.err
}

type fakeHistory struct {
	counts map[string]int
	err    error
}

func (f *fakeHistory) CountMessages(_ context.Context, conv string) (int, error) {
	return f.counts[conv], f.err
}

func newTestTriggers(t *testing.T, lookup RunningLookup, history MessageHistory) *TriggerEvaluator {
	t.Helper()
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	return NewTriggerEvaluator(lookup, history, cel, logging.Discard())
}

func flowOf(id string, tt schema.TriggerType, value string) *schema.Flow {
	return &schema.Flow{ID: id, TriggerType: tt, TriggerValue: value, IsActive: true, EntryNodeID: "n1"}
}

func TestCheckTriggers_Keyword(t *testing.T) {
	ev := newTestTriggers(t, &fakeLookup{}, &fakeHistory{})
	flows := []*schema.Flow{flowOf("sales", schema.TriggerKeyword, " Precio, , COTIZAR ")}

	tests := []struct {
		text string
		want bool
	}{
		{"Hola, quiero cotizar algo", true},
		{"  PRECIO por favor", true},
		{"¿cuál es el precio?", true},
		{"gracias", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, err := ev.CheckTriggers(context.Background(), inbound("c1", tt.text), flows)
			require.NoError(t, err)
			if tt.want {
				require.NotNil(t, got)
				assert.Equal(t, "sales", got.ID)
			} else {
				assert.Nil(t, got)
			}
		})
	}
}

func TestCheckTriggers_EmptyKeywordListNeverMatches(t *testing.T) {
	ev := newTestTriggers(t, &fakeLookup{}, &fakeHistory{})
	got, err := ev.CheckTriggers(context.Background(), inbound("c1", "anything"),
		[]*schema.Flow{flowOf("f", schema.TriggerKeyword, " , ,")})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCheckTriggers_RunningExecutionSuppresses(t *testing.T) {
	lookup := &fakeLookup{running: &schema.Execution{ID: "e1", Status: schema.ExecutionRunning}}
	ev := newTestTriggers(t, lookup, &fakeHistory{})
	got, err := ev.CheckTriggers(context.Background(), inbound("c1", "precio"),
		[]*schema.Flow{flowOf("sales", schema.TriggerKeyword, "precio")})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCheckTriggers_LookupErrorPropagates(t *testing.T) {
	boom := schema.NewError(schema.ErrCodeStore, "db down")
	ev := newTestTriggers(t, &fakeLookup{err: boom}, &fakeHistory{})
	_, err := ev.CheckTriggers(context.Background(), inbound("c1", "precio"),
		[]*schema.Flow{flowOf("sales", schema.TriggerKeyword, "precio")})
	assert.ErrorIs(t, err, boom)
}

func TestCheckTriggers_InactiveSkipped(t *testing.T) {
	ev := newTestTriggers(t, &fakeLookup{}, &fakeHistory{})
	inactive := flowOf("a", schema.TriggerKeyword, "precio")
	inactive.IsActive = false
	active := flowOf("b", schema.TriggerKeyword, "precio")

	got, err := ev.CheckTriggers(context.Background(), inbound("c1", "precio"), []*schema.Flow{inactive, active})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "b", got.ID)
}

func TestCheckTriggers_FirstMatchWins(t *testing.T) {
	ev := newTestTriggers(t, &fakeLookup{}, &fakeHistory{})
	flows := []*schema.Flow{
		flowOf("first", schema.TriggerKeyword, "hola"),
		flowOf("second", schema.TriggerKeyword, "hola"),
	}
	got, err := ev.CheckTriggers(context.Background(), inbound("c1", "hola"), flows)
	require.NoError(t, err)
	assert.Equal(t, "first", got.ID)
}

func TestCheckTriggers_FirstMessage(t *testing.T) {
	history := &fakeHistory{counts: map[string]int{"first": 1, "second": 2, "third": 3, "old": 9}}
	ev := newTestTriggers(t, &fakeLookup{}, history)
	flows := []*schema.Flow{flowOf("welcome", schema.TriggerFirstMessage, "")}

	for _, conv := range []string{"unrecorded", "first", "second"} {
		got, err := ev.CheckTriggers(context.Background(), inbound(conv, "hi"), flows)
		require.NoError(t, err)
		require.NotNil(t, got, conv)
		assert.Equal(t, "welcome", got.ID)
	}

	for _, conv := range []string{"third", "old"} {
		got, err := ev.CheckTriggers(context.Background(), inbound(conv, "hi"), flows)
		require.NoError(t, err)
		assert.Nil(t, got, conv)
	}
}

func TestCheckTriggers_HistoryErrorSkipsCandidate(t *testing.T) {
	ev := newTestTriggers(t, &fakeLookup{}, &fakeHistory{err: errors.New("history down")})
	flows := []*schema.Flow{
		flowOf("welcome", schema.TriggerFirstMessage, ""),
		flowOf("fallback", schema.TriggerKeyword, "hola"),
	}
	got, err := ev.CheckTriggers(context.Background(), inbound("c1", "hola"), flows)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "fallback", got.ID)
}

func TestCheckTriggers_ScheduleAndWebhookNeverMatch(t *testing.T) {
	ev := newTestTriggers(t, &fakeLookup{}, &fakeHistory{})
	flows := []*schema.Flow{
		flowOf("s", schema.TriggerSchedule, "0 9 * * *"),
		flowOf("w", schema.TriggerWebhook, "hola"),
	}
	got, err := ev.CheckTriggers(context.Background(), inbound("c1", "hola"), flows)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCheckTriggers_ConditionGuard(t *testing.T) {
	ev := newTestTriggers(t, &fakeLookup{}, &fakeHistory{})
	guarded := flowOf("vip", schema.TriggerKeyword, "hola")
	guarded.TriggerCondition = `message.phone.startsWith("+506")`
	open := flowOf("general", schema.TriggerKeyword, "hola")
	flows := []*schema.Flow{guarded, open}

	msg := inbound("c1", "hola")
	msg.Phone = "+50688887777"
	got, err := ev.CheckTriggers(context.Background(), msg, flows)
	require.NoError(t, err)
	assert.Equal(t, "vip", got.ID)

	msg.Phone = "+1555"
	got, err = ev.CheckTriggers(context.Background(), msg, flows)
	require.NoError(t, err)
	assert.Equal(t, "general", got.ID)
}

func TestCheckTriggers_BrokenConditionSkipped(t *testing.T) {
	ev := newTestTriggers(t, &fakeLookup{}, &fakeHistory{})
	broken := flowOf("broken", schema.TriggerKeyword, "hola")
	broken.TriggerCondition = `message.text +`
	got, err := ev.CheckTriggers(context.Background(), inbound("c1", "hola"), []*schema.Flow{broken})
	require.NoError(t, err)
	assert.Nil(t, got)
}
