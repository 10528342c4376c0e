package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kapixcr/Kapchat-sub000/internal/logging"
	"github.com/kapixcr/Kapchat-sub000/internal/store"
	"github.com/kapixcr/Kapchat-sub000/pkg/schema"
)

// DefaultExecutionTimeoutMinutes is how long a running execution may sit idle
// before the reaper pauses it.
const DefaultExecutionTimeoutMinutes = 30

// Reaper pauses running executions that have been idle too long.
type Reaper struct {
	store  store.Store
	ctl    *Controller
	logger *slog.Logger
	now    func() time.Time
}

// NewReaper creates a reaper that ends executions through ctl.
func NewReaper(s store.Store, ctl *Controller, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{store: s, ctl: ctl, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// CleanupTimedOutExecutions pauses every running execution whose last
// activity is older than timeoutMinutes and returns how many it paused.
// Executions parked on a delay are idle only once their resume time is
// also past the cutoff. Executions updated concurrently are skipped.
func (r *Reaper) CleanupTimedOutExecutions(ctx context.Context, timeoutMinutes int) (int, error) {
	if timeoutMinutes <= 0 {
		timeoutMinutes = DefaultExecutionTimeoutMinutes
	}
	cutoff := r.now().Add(-time.Duration(timeoutMinutes) * time.Minute)

	stale, err := r.store.ListExecutions(ctx, store.ExecutionFilter{
		Status:             schema.ExecutionRunning,
		LastActivityBefore: &cutoff,
	})
	if err != nil {
		return 0, err
	}

	paused := 0
	for _, exec := range stale {
		if exec.Waiting() && exec.ResumeAt.After(cutoff) {
			continue
		}
		ectx := logging.WithExecutionID(logging.WithConversationID(ctx, exec.ConversationID), exec.ID)
		msg := fmt.Sprintf("timed out after %d minutes of inactivity", timeoutMinutes)
		err := r.ctl.EndExecution(ectx, exec, schema.ExecutionPaused, msg)
		switch {
		case err == nil:
			paused++
		case schema.HasCode(err, schema.ErrCodeConflict), schema.HasCode(err, schema.ErrCodeNotFound):
			logging.LogWith(ectx, r.logger).Debug("execution changed while reaping, skipped")
		default:
			return paused, err
		}
	}
	if paused > 0 {
		r.logger.InfoContext(ctx, "paused timed-out executions", "count", paused, "timeout_minutes", timeoutMinutes)
	}
	return paused, nil
}
