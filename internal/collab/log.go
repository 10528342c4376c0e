package collab

import (
	"context"
	"log/slog"
	"strings"

	"github.com/kapixcr/Kapchat-sub000/internal/logging"
)

// LogSender writes outbound messages to the log instead of delivering them.
// It stands in when no outbound_url is configured.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) SendMessage(ctx context.Context, phone, text string) error {
	logging.LogWith(ctx, s.logger).Info("outbound message", "phone", phone, "text", text)
	return nil
}

// LogState logs conversation-state changes. It stands in when no state_url
// is configured.
type LogState struct {
	logger *slog.Logger
}

func NewLogState(logger *slog.Logger) *LogState {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogState{logger: logger}
}

func (s *LogState) AssignAgent(ctx context.Context, conversationID, agentID, departmentID string) error {
	logging.LogWith(ctx, s.logger).Info("assign agent",
		"conversation_id", conversationID, "agent_id", agentID, "department_id", departmentID)
	return nil
}

func (s *LogState) TagConversation(ctx context.Context, conversationID string, tags []string) error {
	logging.LogWith(ctx, s.logger).Info("tag conversation",
		"conversation_id", conversationID, "tags", strings.Join(tags, ","))
	return nil
}

func (s *LogState) RequestHandoff(ctx context.Context, conversationID, departmentID, agentID string) error {
	logging.LogWith(ctx, s.logger).Info("handoff requested",
		"conversation_id", conversationID, "department_id", departmentID, "agent_id", agentID)
	return nil
}
