// Package cache keeps a hint of which execution is running for a conversation.
// The store stays authoritative: every hit is verified against it before use.
package cache

import (
	"context"
	"fmt"
	"time"
)

// Backends accepted by New.
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// ExecutionCache maps conversation ids to the id of their running execution.
type ExecutionCache interface {
	Get(ctx context.Context, conversationID string) (string, bool)
	Put(ctx context.Context, conversationID, executionID string)
	// Invalidate drops the entry only if it still points at executionID.
	// An empty executionID drops it unconditionally.
	Invalidate(ctx context.Context, conversationID, executionID string)
}

// Config selects and tunes a cache backend.
type Config struct {
	Backend   string
	TTL       time.Duration
	RedisAddr string
	Namespace string
}

// New builds the cache for cfg.Backend. An empty backend means none.
func New(cfg Config) (ExecutionCache, error) {
	switch cfg.Backend {
	case "", BackendNone:
		return Nop{}, nil
	case BackendMemory:
		return NewMemory(cfg.TTL), nil
	case BackendRedis:
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("cache: redis backend requires redis_addr")
		}
		return NewRedis(cfg.RedisAddr, cfg.Namespace, cfg.TTL), nil
	default:
		return nil, fmt.Errorf("cache: unknown backend %q", cfg.Backend)
	}
}

// Nop never caches anything.
type Nop struct{}

func (Nop) Get(context.Context, string) (string, bool) { return "", false }
func (Nop) Put(context.Context, string, string)        {}
func (Nop) Invalidate(context.Context, string, string) {}
