package store

import (
	"time"

	"github.com/kapixcr/Kapchat-sub000/pkg/schema"
)

// FlowFilter selects flows in ListFlows. Zero values match everything.
type FlowFilter struct {
	TriggerType schema.TriggerType
	ActiveOnly  bool
	Limit       int
}

// ExecutionFilter selects executions in ListExecutions. Zero values match everything.
type ExecutionFilter struct {
	FlowID             string
	ConversationID     string
	Status             schema.ExecutionStatus
	LastActivityBefore *time.Time // strictly before
	ResumeBefore       *time.Time // resume_at set and at or before
	Limit              int
	Offset             int
}
