package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kapixcr/Kapchat-sub000/pkg/schema"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"already running", schema.NewError(schema.ErrCodeAlreadyRunning, "busy"), true},
		{"wrapped already running", fmt.Errorf("start: %w", schema.NewError(schema.ErrCodeAlreadyRunning, "busy")), true},
		{"conflict", schema.NewError(schema.ErrCodeConflict, "lost race"), false},
		{"store", schema.NewError(schema.ErrCodeStore, "db down"), false},
		{"cancelled", context.Canceled, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}

func TestWithRetry_SucceedsAfterRace(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), fastPolicy(), func() error {
		calls++
		if calls < 3 {
			return schema.NewError(schema.ErrCodeAlreadyRunning, "busy")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_GivesUp(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), fastPolicy(), func() error {
		calls++
		return schema.NewError(schema.ErrCodeAlreadyRunning, "busy")
	})
	assert.True(t, schema.HasCode(err, schema.ErrCodeAlreadyRunning))
	assert.Equal(t, 4, calls, "first attempt plus three retries")
}

func TestWithRetry_PermanentError(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), fastPolicy(), func() error {
		calls++
		return schema.NewError(schema.ErrCodeConflict, "lost race")
	})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
	assert.Equal(t, 1, calls)
}
