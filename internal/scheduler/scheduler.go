package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kapixcr/Kapchat-sub000/internal/logging"
	"github.com/kapixcr/Kapchat-sub000/internal/store"
	"github.com/kapixcr/Kapchat-sub000/pkg/schema"
)

// Defaults for Config.
const (
	DefaultInterval       = 10 * time.Second
	DefaultReapSchedule   = "*/5 * * * *"
	DefaultTimeoutMinutes = 30
)

const (
	jobResume = "resume"
	jobReap   = "reap"
)

// Runner is the part of the engine the scheduler drives.
// Satisfied by *engine.Engine.
type Runner interface {
	ResumeDue(ctx context.Context) (int, error)
	CleanupTimedOutExecutions(ctx context.Context, timeoutMinutes int) (int, error)
	StartFlow(ctx context.Context, flowID string, msg schema.MessageContext, vars map[string]any) (*schema.Execution, error)
}

// ScheduleAudience returns the conversations a scheduled flow is started for.
type ScheduleAudience interface {
	Recipients(ctx context.Context, flow *schema.Flow) ([]schema.MessageContext, error)
}

// Config tunes the scheduler.
type Config struct {
	Interval       time.Duration
	ReapSchedule   string
	TimeoutMinutes int
}

// Scheduler wakes delayed executions, reaps idle ones on a cron schedule and
// starts schedule-triggered flows.
type Scheduler struct {
	store    store.Store
	runner   Runner
	audience ScheduleAudience
	parser   cron.Parser
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job keys currently executing (dedup)
	runs       sync.WaitGroup      // scheduled flow runs still in flight

	nextMu  sync.Mutex
	nextRun map[string]plannedRun // job key -> next fire time
}

type plannedRun struct {
	expr string
	at   time.Time
}

// NewScheduler creates a new Scheduler. audience may be nil, which disables
// schedule-triggered flows.
func NewScheduler(s store.Store, runner Runner, audience ScheduleAudience, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ReapSchedule == "" {
		cfg.ReapSchedule = DefaultReapSchedule
	}
	if cfg.TimeoutMinutes <= 0 {
		cfg.TimeoutMinutes = DefaultTimeoutMinutes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		audience: audience,
		parser:   NewParser(),
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
		nextRun:  make(map[string]plannedRun),
	}
}

// NewParser returns the five-field cron parser used for reap schedules and
// schedule trigger values.
func NewParser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// ValidateCron reports whether expr is a valid schedule trigger value.
func ValidateCron(expr string) error {
	if _, err := NewParser().Parse(expr); err != nil {
		return fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return nil
}

// Start launches the background loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.parser.Parse(s.cfg.ReapSchedule); err != nil {
		return fmt.Errorf("invalid reap schedule %q: %w", s.cfg.ReapSchedule, err)
	}

	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", "interval", s.cfg.Interval.String(), "reap_schedule", s.cfg.ReapSchedule)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduling pass. Resume and reap jobs run inline; each due
// scheduled flow runs in its own goroutine, and a flow whose previous run is
// still going is skipped.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()

	s.runOnce(jobResume, func() {
		n, err := s.runner.ResumeDue(ctx)
		if err != nil {
			s.logger.Error("resume delayed executions failed", slog.String("error", err.Error()))
			return
		}
		if n > 0 {
			s.logger.Info("resumed delayed executions", slog.Int("count", n))
		}
	})

	if due, err := s.due(jobReap, s.cfg.ReapSchedule, now); err != nil {
		s.logger.Error("invalid reap schedule", slog.String("error", err.Error()))
	} else if due {
		s.runOnce(jobReap, func() {
			if _, err := s.runner.CleanupTimedOutExecutions(ctx, s.cfg.TimeoutMinutes); err != nil {
				s.logger.Error("reap timed-out executions failed", slog.String("error", err.Error()))
			}
		})
	}

	if s.audience != nil {
		s.startScheduledFlows(ctx, now)
	}
}

// startScheduledFlows launches a run for every active schedule flow that is due.
func (s *Scheduler) startScheduledFlows(ctx context.Context, now time.Time) {
	flows, err := s.store.ListFlows(ctx, store.FlowFilter{TriggerType: schema.TriggerSchedule, ActiveOnly: true})
	if err != nil {
		s.logger.Error("failed to list scheduled flows", slog.String("error", err.Error()))
		return
	}

	for _, flow := range flows {
		due, err := s.due("flow:"+flow.ID, flow.TriggerValue, now)
		if err != nil {
			s.logger.Warn("scheduled flow has an invalid cron expression",
				slog.String("flow_id", flow.ID), slog.String("error", err.Error()))
			continue
		}
		if !due {
			continue
		}
		key := "flow:" + flow.ID
		if !s.tryAcquire(key) {
			s.logger.Warn("previous run of scheduled flow still in progress, skipped",
				slog.String("flow_id", flow.ID))
			continue
		}
		s.runs.Go(func() {
			defer s.releaseJob(key)
			s.runFlow(ctx, flow)
		})
	}
}

// waitRuns blocks until every scheduled flow run launched so far returns.
func (s *Scheduler) waitRuns() {
	s.runs.Wait()
}

// runFlow starts flow for each recipient. A recipient that already has a
// running execution is skipped.
func (s *Scheduler) runFlow(ctx context.Context, flow *schema.Flow) {
	recipients, err := s.audience.Recipients(ctx, flow)
	if err != nil {
		s.logger.Error("failed to load schedule audience",
			slog.String("flow_id", flow.ID), slog.String("error", err.Error()))
		return
	}

	started := 0
	for _, msg := range recipients {
		rctx := logging.WithConversationID(ctx, msg.ConversationID)
		_, err := s.runner.StartFlow(rctx, flow.ID, msg, map[string]any{"trigger": string(schema.TriggerSchedule)})
		switch {
		case err == nil:
			started++
		case schema.HasCode(err, schema.ErrCodeAlreadyRunning):
			logging.LogWith(rctx, s.logger).Debug("conversation busy, scheduled flow skipped", "flow_id", flow.ID)
		default:
			logging.LogWith(rctx, s.logger).Error("scheduled flow start failed", "flow_id", flow.ID, "error", err)
		}
	}
	s.logger.Info("scheduled flow ran",
		slog.String("flow_id", flow.ID), slog.Int("recipients", len(recipients)), slog.Int("started", started))
}

// due reports whether the job keyed by key should fire at now. The first
// sighting of a job only plans its next run; missed runs are not caught up.
func (s *Scheduler) due(key, expr string, now time.Time) (bool, error) {
	s.nextMu.Lock()
	defer s.nextMu.Unlock()

	planned, ok := s.nextRun[key]
	if ok && planned.expr == expr {
		if now.Before(planned.at) {
			return false, nil
		}
		next, err := s.CalculateNextRun(expr, now)
		if err != nil {
			return false, err
		}
		s.nextRun[key] = plannedRun{expr: expr, at: next}
		return true, nil
	}

	next, err := s.CalculateNextRun(expr, now)
	if err != nil {
		return false, err
	}
	s.nextRun[key] = plannedRun{expr: expr, at: next}
	return false, nil
}

// runOnce runs fn unless the same job is still running from a previous tick.
func (s *Scheduler) runOnce(key string, fn func()) {
	if !s.tryAcquire(key) {
		return
	}
	defer s.releaseJob(key)
	fn()
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(key string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[key]; ok {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

// releaseJob removes the job from the in-flight set.
func (s *Scheduler) releaseJob(key string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, key)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.waitRuns()
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
