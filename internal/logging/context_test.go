package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func fullContext() context.Context {
	ctx := WithConversationID(context.Background(), "conv-1")
	ctx = WithExecutionID(ctx, "exec-2")
	return WithNodeID(ctx, "node-3")
}

func TestContextKeys(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", ConversationID(ctx))
	assert.Equal(t, "", ExecutionID(ctx))
	assert.Equal(t, "", NodeID(ctx))

	ctx = fullContext()
	assert.Equal(t, "conv-1", ConversationID(ctx))
	assert.Equal(t, "exec-2", ExecutionID(ctx))
	assert.Equal(t, "node-3", NodeID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	LogWith(fullContext(), logger).Info("test message")

	output := buf.String()
	assert.Contains(t, output, "conversation_id=conv-1")
	assert.Contains(t, output, "execution_id=exec-2")
	assert.Contains(t, output, "node_id=node-3")
	assert.Contains(t, output, "test message")
}

func TestLogWithMissingKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithConversationID(context.Background(), "conv-only")
	LogWith(ctx, logger).Info("partial context")

	output := buf.String()
	assert.Contains(t, output, "conversation_id=conv-only")
	assert.NotContains(t, output, "execution_id")
	assert.NotContains(t, output, "node_id")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	logger.InfoContext(fullContext(), "auto inject")

	output := buf.String()
	assert.Contains(t, output, `"conversation_id":"conv-1"`)
	assert.Contains(t, output, `"execution_id":"exec-2"`)
	assert.Contains(t, output, `"node_id":"node-3"`)
}

func TestCorrelationHandlerEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	logger.InfoContext(context.Background(), "bare log")

	output := buf.String()
	assert.NotContains(t, output, "conversation_id")
	assert.Contains(t, output, "bare log")
}

func TestCorrelationHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	handler := NewCorrelationHandler(inner)
	logger := slog.New(handler.WithAttrs([]slog.Attr{slog.String("component", "controller")}))

	ctx := WithExecutionID(context.Background(), "exec-attr")
	logger.InfoContext(ctx, "with attrs")

	output := buf.String()
	assert.Contains(t, output, `"execution_id":"exec-attr"`)
	assert.Contains(t, output, `"component":"controller"`)
}

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn", "json")

	logger.InfoContext(fullContext(), "dropped")
	logger.WarnContext(fullContext(), "kept")

	output := buf.String()
	assert.NotContains(t, output, "dropped")
	assert.Contains(t, output, `"msg":"kept"`)
	assert.Contains(t, output, `"conversation_id":"conv-1"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}
