package engine

import (
	"context"
	"sync"
	"time"

	"github.com/kapixcr/Kapchat-sub000/pkg/schema"
)

// TransitionHook runs after an execution transition has been persisted.
type TransitionHook func(ctx context.Context, exec *schema.Execution, from schema.ExecutionStatus)

// ValidExecutionTransitions defines the allowed status changes for executions.
// running -> running is a node step; paused, completed and failed are final
// as far as the engine is concerned.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionRunning:   {schema.ExecutionRunning, schema.ExecutionCompleted, schema.ExecutionFailed, schema.ExecutionPaused},
	schema.ExecutionCompleted: {},
	schema.ExecutionFailed:    {},
	schema.ExecutionPaused:    {},
}

// ExecutionFSM applies status transitions to executions.
type ExecutionFSM struct {
	mu    sync.RWMutex
	after map[schema.ExecutionStatus][]TransitionHook
	now   func() time.Time
}

// NewExecutionFSM creates an FSM with no hooks.
func NewExecutionFSM() *ExecutionFSM {
	return &ExecutionFSM{
		after: make(map[schema.ExecutionStatus][]TransitionHook),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// OnAfter registers a hook called after a transition into status to.
func (f *ExecutionFSM) OnAfter(to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.after[to] = append(f.after[to], hook)
}

// Transition validates from -> to, applies the status fields to exec, persists
// it through persist and then runs the after hooks. If persist fails exec is
// restored to its previous field values.
func (f *ExecutionFSM) Transition(ctx context.Context, exec *schema.Execution, to schema.ExecutionStatus, message string, persist func(*schema.Execution) error) error {
	from := exec.Status
	if !isValidExecutionTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": exec.ID, "from": string(from), "to": string(to)})
	}

	prev := *exec
	exec.Status = to
	if to.Terminal() {
		exec.ResumeAt = nil
		if message != "" {
			exec.ErrorMessage = message
		}
		if to != schema.ExecutionPaused {
			now := f.now()
			exec.CompletedAt = &now
		}
	}

	if err := persist(exec); err != nil {
		restore(exec, &prev)
		return err
	}

	f.mu.RLock()
	hooks := f.after[to]
	f.mu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, exec, from)
	}
	return nil
}

// restore puts back the fields Transition may change, keeping exec's identity.
func restore(exec, prev *schema.Execution) {
	exec.Status = prev.Status
	exec.ResumeAt = prev.ResumeAt
	exec.ErrorMessage = prev.ErrorMessage
	exec.CompletedAt = prev.CompletedAt
}

func isValidExecutionTransition(from, to schema.ExecutionStatus) bool {
	for _, a := range ValidExecutionTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}
