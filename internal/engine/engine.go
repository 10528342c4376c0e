package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/kapixcr/Kapchat-sub000/internal/actions"
	"github.com/kapixcr/Kapchat-sub000/internal/cache"
	"github.com/kapixcr/Kapchat-sub000/internal/expressions"
	"github.com/kapixcr/Kapchat-sub000/internal/logging"
	"github.com/kapixcr/Kapchat-sub000/internal/store"
	"github.com/kapixcr/Kapchat-sub000/pkg/schema"
)

// DefaultWorkers is the default number of conversations processed in parallel.
const DefaultWorkers = 10

// OutcomeAction says what an inbound message did.
type OutcomeAction string

const (
	OutcomeStarted   OutcomeAction = "started"
	OutcomeContinued OutcomeAction = "continued"
	OutcomeIgnored   OutcomeAction = "ignored"
)

// Outcome describes how the engine handled one inbound message.
type Outcome struct {
	Action      OutcomeAction          `json:"action"`
	ExecutionID string                 `json:"execution_id,omitempty"`
	FlowID      string                 `json:"flow_id,omitempty"`
	Status      schema.ExecutionStatus `json:"status,omitempty"`
}

// Config holds engine tunables.
type Config struct {
	Workers          int
	MaxStepsPerEvent int
	Retry            *RetryPolicy // nil = DefaultRetryPolicy
}

// Deps are the collaborators the engine is built from. Store and Actions are
// required; everything else may be left nil.
type Deps struct {
	Store   store.Store
	Actions actions.ActionRegistry
	State   actions.ConversationState
	Sender  MessageSender
	History MessageHistory // defaults to Store
	Cache   cache.ExecutionCache
	CEL     *expressions.CELEngine
	Logger  *slog.Logger
}

// Engine is the entry point for inbound events. Events for one conversation
// are processed one at a time in arrival order.
type Engine struct {
	store      store.Store
	controller *Controller
	triggers   *TriggerEvaluator
	reaper     *Reaper
	dispatcher *Dispatcher
	retry      RetryPolicy
	logger     *slog.Logger
	now        func() time.Time
}

// New builds an engine from deps.
func New(deps Deps, cfg Config) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	retry := DefaultRetryPolicy()
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}
	history := deps.History
	if history == nil {
		history = deps.Store
	}

	nodes := NewNodeExecutor(deps.Actions, nil, deps.State)
	ctl := NewController(deps.Store, nodes, deps.Sender, deps.Cache, logger, ControllerConfig{
		MaxStepsPerEvent: cfg.MaxStepsPerEvent,
	})

	return &Engine{
		store:      deps.Store,
		controller: ctl,
		triggers:   NewTriggerEvaluator(ctl, history, deps.CEL, logger),
		reaper:     NewReaper(deps.Store, ctl, logger),
		dispatcher: NewDispatcher(cfg.Workers),
		retry:      retry,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Controller returns the engine's flow controller.
func (e *Engine) Controller() *Controller { return e.controller }

// HandleMessage processes one inbound message: it continues the
// conversation's running execution, or starts the first flow whose trigger
// matches, or does nothing. Persistence errors are returned to the caller.
func (e *Engine) HandleMessage(ctx context.Context, msg schema.MessageContext) (*Outcome, error) {
	if msg.ConversationID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "conversation_id is required")
	}
	ctx = logging.WithConversationID(ctx, msg.ConversationID)

	var out *Outcome
	err := withRetry(ctx, e.retry, func() error {
		return e.dispatcher.Do(ctx, msg.ConversationID, func(ctx context.Context) error {
			var err error
			out, err = e.handle(ctx, msg)
			return err
		})
	})
	if err != nil {
		logging.LogWith(ctx, e.logger).Error("inbound message not processed", "error", err)
		return nil, err
	}
	return out, nil
}

func (e *Engine) handle(ctx context.Context, msg schema.MessageContext) (*Outcome, error) {
	exec, err := e.controller.ContinueFlow(ctx, msg)
	if err != nil {
		return nil, err
	}
	if exec != nil {
		return outcomeOf(OutcomeContinued, exec), nil
	}

	flows, err := e.store.ListFlows(ctx, store.FlowFilter{ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	flow, err := e.triggers.CheckTriggers(ctx, msg, flows)
	if err != nil {
		return nil, err
	}
	if flow == nil {
		return &Outcome{Action: OutcomeIgnored}, nil
	}

	exec, err = e.controller.StartFlow(ctx, flow, msg, nil)
	if exec == nil {
		return nil, err
	}
	return outcomeOf(OutcomeStarted, exec), err
}

// StartFlow starts flowID for msg's conversation regardless of its trigger.
// Used by webhook and schedule triggers and by operators.
func (e *Engine) StartFlow(ctx context.Context, flowID string, msg schema.MessageContext, vars map[string]any) (*schema.Execution, error) {
	if msg.ConversationID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "conversation_id is required")
	}
	ctx = logging.WithConversationID(ctx, msg.ConversationID)

	flow, err := e.store.GetFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if !flow.IsActive {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "flow %q is not active", flowID)
	}

	var exec *schema.Execution
	err = e.dispatcher.Do(ctx, msg.ConversationID, func(ctx context.Context) error {
		var err error
		exec, err = e.controller.StartFlow(ctx, flow, msg, vars)
		return err
	})
	return exec, err
}

// ResumeDue wakes every execution whose delay has elapsed and returns how
// many were resumed. Failures are logged per execution.
func (e *Engine) ResumeDue(ctx context.Context) (int, error) {
	now := e.now()
	due, err := e.store.ListExecutions(ctx, store.ExecutionFilter{
		Status:       schema.ExecutionRunning,
		ResumeBefore: &now,
	})
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, exec := range due {
		id := exec.ID
		ectx := logging.WithConversationID(ctx, exec.ConversationID)
		err := e.dispatcher.Do(ectx, exec.ConversationID, func(ctx context.Context) error {
			_, err := e.controller.ResumeDelayed(ctx, id)
			return err
		})
		if err != nil {
			logging.LogWith(logging.WithExecutionID(ectx, id), e.logger).Warn("resume delayed execution failed", "error", err)
			continue
		}
		resumed++
	}
	return resumed, nil
}

// CleanupTimedOutExecutions pauses running executions idle for longer than
// timeoutMinutes.
func (e *Engine) CleanupTimedOutExecutions(ctx context.Context, timeoutMinutes int) (int, error) {
	return e.reaper.CleanupTimedOutExecutions(ctx, timeoutMinutes)
}

// Shutdown waits for in-flight events and rejects new ones.
func (e *Engine) Shutdown() {
	e.dispatcher.Shutdown()
}

func outcomeOf(action OutcomeAction, exec *schema.Execution) *Outcome {
	return &Outcome{
		Action:      action,
		ExecutionID: exec.ID,
		FlowID:      exec.FlowID,
		Status:      exec.Status,
	}
}
