package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kapixcr/Kapchat-sub000/internal/actions"
	"github.com/kapixcr/Kapchat-sub000/internal/cache"
	"github.com/kapixcr/Kapchat-sub000/internal/collab"
	"github.com/kapixcr/Kapchat-sub000/internal/engine"
	"github.com/kapixcr/Kapchat-sub000/internal/expressions"
	"github.com/kapixcr/Kapchat-sub000/internal/logging"
	"github.com/kapixcr/Kapchat-sub000/internal/scheduler"
	"github.com/kapixcr/Kapchat-sub000/internal/store"
	"github.com/kapixcr/Kapchat-sub000/internal/validation"
)

// app is the wired process: store, engine and their collaborators.
type app struct {
	cfg       Config
	logger    *slog.Logger
	store     *store.LibSQLStore
	registry  *actions.Registry
	cel       *expressions.CELEngine
	validator *validation.FlowValidator
	engine    *engine.Engine
	audience  scheduler.ScheduleAudience
	closers   []io.Closer
}

// openStore opens and migrates the database.
func openStore(ctx context.Context, cfg Config) (*store.LibSQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	s, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func defaultHTTPConfig(cfg Config) actions.HTTPConfig {
	return actions.HTTPConfig{DefaultTimeout: cfg.HTTPActionTimeout.Std()}
}

// newValidator builds a flow validator backed by the builtin actions.
func newValidator(state actions.ConversationState, httpCfg actions.HTTPConfig) (*validation.FlowValidator, *actions.Registry, *expressions.CELEngine, error) {
	reg := actions.NewRegistry()
	if err := actions.RegisterBuiltins(reg, state, httpCfg); err != nil {
		return nil, nil, nil, err
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, nil, nil, err
	}
	v, err := validation.NewFlowValidator(reg, cel)
	if err != nil {
		return nil, nil, nil, err
	}
	return v, reg, cel, nil
}

// newApp wires every component from cfg. logOut receives the process log.
func newApp(ctx context.Context, cfg Config, logOut io.Writer) (*app, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger := logging.New(logOut, cfg.LogLevel, cfg.LogFormat)
	a := &app{cfg: cfg, logger: logger}

	s, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.store = s
	a.closers = append(a.closers, s)

	sender, state, audience, err := newCollaborators(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.audience = audience

	a.validator, a.registry, a.cel, err = newValidator(state, defaultHTTPConfig(cfg))
	if err != nil {
		a.Close()
		return nil, err
	}

	execCache, err := cache.New(cache.Config{
		Backend:   cfg.CacheBackend,
		TTL:       cfg.CacheTTL.Std(),
		RedisAddr: cfg.RedisAddr,
		Namespace: "kapchat",
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	if c, ok := execCache.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}

	a.engine = engine.New(engine.Deps{
		Store:   s,
		Actions: a.registry,
		State:   state,
		Sender:  sender,
		Cache:   execCache,
		CEL:     a.cel,
		Logger:  logger,
	}, engine.Config{
		Workers:          cfg.Workers,
		MaxStepsPerEvent: cfg.MaxStepsPerEvent,
	})
	return a, nil
}

// newCollaborators picks HTTP callback adapters when URLs are configured and
// log-only adapters otherwise. The audience is nil without audience_url,
// which disables schedule-triggered flows.
func newCollaborators(cfg Config, logger *slog.Logger) (engine.MessageSender, actions.ConversationState, scheduler.ScheduleAudience, error) {
	var sender engine.MessageSender = collab.NewLogSender(logger)
	var state actions.ConversationState = collab.NewLogState(logger)
	var audience scheduler.ScheduleAudience
	if cfg.OutboundURL != "" {
		s, err := collab.NewHTTPSender(collab.HTTPConfig{BaseURL: cfg.OutboundURL}, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("outbound_url: %w", err)
		}
		sender = s
	}
	if cfg.StateURL != "" {
		s, err := collab.NewHTTPState(collab.HTTPConfig{BaseURL: cfg.StateURL}, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("state_url: %w", err)
		}
		state = s
	}
	if cfg.AudienceURL != "" {
		a, err := collab.NewHTTPAudience(collab.HTTPConfig{BaseURL: cfg.AudienceURL}, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("audience_url: %w", err)
		}
		audience = a
	}
	return sender, state, audience, nil
}

// Close shuts the engine down and releases resources in reverse order.
func (a *app) Close() {
	if a.engine != nil {
		a.engine.Shutdown()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}
