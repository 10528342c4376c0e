package engine

import (
	"context"

	"github.com/kapixcr/Kapchat-sub000/pkg/schema"
)

// MessageSender delivers outbound text to a contact. Delivery is best effort:
// the engine logs failures and keeps going.
type MessageSender interface {
	SendMessage(ctx context.Context, phone, text string) error
}

// MessageHistory reports how many messages a conversation has received,
// including the one being handled.
type MessageHistory interface {
	CountMessages(ctx context.Context, conversationID string) (int, error)
}

// RunningLookup finds the running execution of a conversation, or nil.
type RunningLookup interface {
	GetRunningExecution(ctx context.Context, conversationID string) (*schema.Execution, error)
}
