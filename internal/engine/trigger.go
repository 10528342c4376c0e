package engine

import (
	"context"
	"log/slog"
	"strings"

	"github.com/kapixcr/Kapchat-sub000/internal/expressions"
	"github.com/kapixcr/Kapchat-sub000/internal/logging"
	"github.com/kapixcr/Kapchat-sub000/pkg/schema"
)

// TriggerEvaluator picks which flow, if any, an inbound message starts.
type TriggerEvaluator struct {
	running RunningLookup
	history MessageHistory
	cel     *expressions.CELEngine
	logger  *slog.Logger
}

// NewTriggerEvaluator creates an evaluator. cel may be nil, in which case
// trigger_condition guards are ignored.
func NewTriggerEvaluator(running RunningLookup, history MessageHistory, cel *expressions.CELEngine, logger *slog.Logger) *TriggerEvaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &TriggerEvaluator{running: running, history: history, cel: cel, logger: logger}
}

// CheckTriggers returns the first flow in flows whose trigger matches msg.
// Nothing matches while the conversation has a running execution. Flows are
// tried in the order given, so callers pass them in creation order.
func (t *TriggerEvaluator) CheckTriggers(ctx context.Context, msg schema.MessageContext, flows []*schema.Flow) (*schema.Flow, error) {
	running, err := t.running.GetRunningExecution(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}
	if running != nil {
		return nil, nil
	}

	logger := logging.LogWith(ctx, t.logger)
	text := strings.ToLower(strings.TrimSpace(msg.MessageText))

	for _, flow := range flows {
		if flow == nil || !flow.IsActive {
			continue
		}
		matched, err := t.matchType(ctx, flow, msg, text)
		if err != nil {
			logger.Warn("trigger check failed, skipping flow", "flow_id", flow.ID, "error", err)
			continue
		}
		if !matched {
			continue
		}
		if flow.TriggerCondition != "" && t.cel != nil {
			ok, err := t.cel.EvaluateBool(ctx, flow.TriggerCondition, conditionData(flow, msg))
			if err != nil {
				logger.Warn("trigger condition failed, skipping flow", "flow_id", flow.ID, "error", err)
				continue
			}
			if !ok {
				continue
			}
		}
		return flow, nil
	}
	return nil, nil
}

// firstMessageWindow is the highest stored message count, current message
// included, at which a first_message flow still matches.
const firstMessageWindow = 2

func (t *TriggerEvaluator) matchType(ctx context.Context, flow *schema.Flow, msg schema.MessageContext, text string) (bool, error) {
	switch flow.TriggerType {
	case schema.TriggerKeyword:
		return matchKeywords(flow.TriggerValue, text), nil
	case schema.TriggerFirstMessage:
		if t.history == nil {
			return false, nil
		}
		// The count already includes the message being evaluated, so one
		// prior message leaves it at firstMessageWindow.
		n, err := t.history.CountMessages(ctx, msg.ConversationID)
		if err != nil {
			return false, err
		}
		return n <= firstMessageWindow, nil
	default:
		// schedule and webhook flows are started by their own sources.
		return false, nil
	}
}

// matchKeywords reports whether any comma-separated keyword in value occurs
// in text. text must already be lowercased and trimmed.
func matchKeywords(value, text string) bool {
	for _, kw := range strings.Split(value, ",") {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func conditionData(flow *schema.Flow, msg schema.MessageContext) map[string]any {
	return map[string]any{
		"message": map[string]any{
			"conversation_id": msg.ConversationID,
			"phone":           msg.Phone,
			"contact_name":    msg.ContactName,
			"text":            msg.MessageText,
			"type":            msg.MessageType,
		},
		"flow": map[string]any{
			"id":            flow.ID,
			"name":          flow.Name,
			"trigger_type":  string(flow.TriggerType),
			"trigger_value": flow.TriggerValue,
		},
	}
}
