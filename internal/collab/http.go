// Package collab holds adapters for the collaborators the engine talks to:
// the outbound message channel, the conversation-state service and the
// audience of scheduled flows.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kapixcr/Kapchat-sub000/internal/logging"
	"github.com/kapixcr/Kapchat-sub000/pkg/schema"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultMaxRetries = 2
	maxErrorBody      = 512
)

// HTTPConfig configures a callback client.
type HTTPConfig struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries uint64
	// RetryInterval is the first backoff wait; zero keeps the backoff default.
	RetryInterval time.Duration
	Headers       map[string]string
	Client        *http.Client
}

// client posts JSON to a callback service. 5xx responses and transport
// errors are retried with exponential backoff; 4xx responses are not.
type client struct {
	base    *url.URL
	headers map[string]string
	http    *http.Client
	retries uint64
	initial time.Duration
	logger  *slog.Logger
}

func newClient(cfg HTTPConfig, logger *slog.Logger) (*client, error) {
	base, err := url.ParseRequestURI(cfg.BaseURL)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, fmt.Errorf("invalid callback url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &client{
		base:    base,
		headers: cfg.Headers,
		http:    hc,
		retries: cfg.MaxRetries,
		initial: cfg.RetryInterval,
		logger:  logger,
	}, nil
}

func (c *client) endpoint(path string) string {
	return strings.TrimRight(c.base.String(), "/") + "/" + strings.TrimLeft(path, "/")
}

// do sends one JSON request and decodes a JSON response into out when non-nil.
func (c *client) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = b
	}
	target := c.endpoint(path)

	op := func() error {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, body)
		if err != nil {
			return backoff.Permanent(err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		for k, v := range c.headers {
			req.Header.Set(k, v)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			statusErr := fmt.Errorf("%s %s: status %d: %s", method, target, resp.StatusCode, strings.TrimSpace(string(snippet)))
			if resp.StatusCode >= 500 {
				return statusErr
			}
			return backoff.Permanent(statusErr)
		}
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	}

	exp := backoff.NewExponentialBackOff()
	if c.initial > 0 {
		exp.InitialInterval = c.initial
	}
	b := backoff.WithContext(backoff.WithMaxRetries(exp, c.retries), ctx)
	notify := func(err error, wait time.Duration) {
		logging.LogWith(ctx, c.logger).Warn("callback failed, retrying",
			"url", target, "error", err, "wait", wait)
	}
	return backoff.RetryNotify(op, b, notify)
}

// HTTPSender delivers outbound chat messages to a callback URL as
// POST {base}/messages {"phone", "text"}.
type HTTPSender struct {
	c *client
}

// NewHTTPSender creates an HTTPSender.
func NewHTTPSender(cfg HTTPConfig, logger *slog.Logger) (*HTTPSender, error) {
	c, err := newClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &HTTPSender{c: c}, nil
}

// SendMessage implements engine.MessageSender.
func (s *HTTPSender) SendMessage(ctx context.Context, phone, text string) error {
	return s.c.do(ctx, http.MethodPost, "messages", map[string]string{"phone": phone, "text": text}, nil)
}

// HTTPState forwards conversation-state changes to a callback service:
//
//	POST {base}/conversations/{id}/assign   {"agent_id", "department_id"}
//	POST {base}/conversations/{id}/tags     {"tags"}
//	POST {base}/conversations/{id}/handoff  {"department_id", "agent_id"}
type HTTPState struct {
	c *client
}

// NewHTTPState creates an HTTPState.
func NewHTTPState(cfg HTTPConfig, logger *slog.Logger) (*HTTPState, error) {
	c, err := newClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &HTTPState{c: c}, nil
}

func conversationPath(id, action string) string {
	return "conversations/" + url.PathEscape(id) + "/" + action
}

func (s *HTTPState) AssignAgent(ctx context.Context, conversationID, agentID, departmentID string) error {
	return s.c.do(ctx, http.MethodPost, conversationPath(conversationID, "assign"),
		map[string]string{"agent_id": agentID, "department_id": departmentID}, nil)
}

func (s *HTTPState) TagConversation(ctx context.Context, conversationID string, tags []string) error {
	return s.c.do(ctx, http.MethodPost, conversationPath(conversationID, "tags"),
		map[string]any{"tags": tags}, nil)
}

func (s *HTTPState) RequestHandoff(ctx context.Context, conversationID, departmentID, agentID string) error {
	return s.c.do(ctx, http.MethodPost, conversationPath(conversationID, "handoff"),
		map[string]string{"department_id": departmentID, "agent_id": agentID}, nil)
}

// HTTPAudience asks a callback service which conversations a scheduled flow
// should start in: GET {base}/audiences/{flow_id} returning a JSON array of
// message contexts.
type HTTPAudience struct {
	c *client
}

// NewHTTPAudience creates an HTTPAudience.
func NewHTTPAudience(cfg HTTPConfig, logger *slog.Logger) (*HTTPAudience, error) {
	c, err := newClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &HTTPAudience{c: c}, nil
}

// Recipients implements scheduler.ScheduleAudience.
func (a *HTTPAudience) Recipients(ctx context.Context, flow *schema.Flow) ([]schema.MessageContext, error) {
	var out []schema.MessageContext
	if err := a.c.do(ctx, http.MethodGet, "audiences/"+url.PathEscape(flow.ID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
