package diagram

import (
	"context"

	"github.com/kapixcr/Kapchat-sub000/pkg/schema"
)

// Source is the subset of the store needed to draw flows and executions.
type Source interface {
	GetFlow(ctx context.Context, id string) (*schema.Flow, error)
	GetExecution(ctx context.Context, id string) (*schema.Execution, error)
	ListLogs(ctx context.Context, executionID string) ([]*schema.LogEntry, error)
}

// Load builds the model of flowID, overlaid with executionID when it is set.
// An empty flowID takes the execution's flow.
func Load(ctx context.Context, src Source, flowID, executionID string) (*DiagramModel, error) {
	var (
		exec *schema.Execution
		logs []*schema.LogEntry
		err  error
	)
	if executionID != "" {
		exec, err = src.GetExecution(ctx, executionID)
		if err != nil {
			return nil, err
		}
		if flowID == "" {
			flowID = exec.FlowID
		}
		if exec.FlowID != flowID {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"execution %s belongs to flow %s, not %s", exec.ID, exec.FlowID, flowID)
		}
		logs, err = src.ListLogs(ctx, executionID)
		if err != nil {
			return nil, err
		}
	}

	flow, err := src.GetFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	return Build(flow, exec, logs)
}
