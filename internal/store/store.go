package store

import (
	"context"

	"github.com/kapixcr/Kapchat-sub000/pkg/schema"
)

// Store is the execution repository: durable flows, executions, logs and
// message counters. Implementations must be safe for concurrent use.
type Store interface {
	// Flows
	SaveFlow(ctx context.Context, flow *schema.Flow) error
	GetFlow(ctx context.Context, id string) (*schema.Flow, error)
	ListFlows(ctx context.Context, filter FlowFilter) ([]*schema.Flow, error)
	DeleteFlow(ctx context.Context, id string) error

	// Executions. CreateExecution fails with ALREADY_RUNNING when the
	// conversation already has a running execution. UpdateExecution is a
	// compare-and-swap on Version and fails with CONFLICT on a stale version.
	CreateExecution(ctx context.Context, exec *schema.Execution) error
	GetExecution(ctx context.Context, id string) (*schema.Execution, error)
	GetRunningExecution(ctx context.Context, conversationID string) (*schema.Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, error)
	UpdateExecution(ctx context.Context, exec *schema.Execution) error

	// Execution logs (append-only)
	AppendLog(ctx context.Context, entry *schema.LogEntry) error
	ListLogs(ctx context.Context, executionID string) ([]*schema.LogEntry, error)

	// Message history
	RecordMessage(ctx context.Context, conversationID string) (int, error)
	CountMessages(ctx context.Context, conversationID string) (int, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Close() error
}
