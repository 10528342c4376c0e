package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kapixcr/Kapchat-sub000/internal/expressions"
	"github.com/kapixcr/Kapchat-sub000/pkg/schema"
)

// HTTPConfig configures the http_request action.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	MaxTimeout      time.Duration
	Client          *http.Client
}

const (
	defaultMaxResponseBody = 1 * 1024 * 1024 // 1MB
	defaultHTTPTimeout     = 10 * time.Second
	maxHTTPTimeout         = 30 * time.Second
)

// Variables written by http_request.
const (
	VarHTTPResponse = "http_response"
	VarHTTPStatus   = "http_status"
	VarHTTPError    = "http_error"
)

const httpRequestConfigSchema = `{
  "type": "object",
  "properties": {
    "url": {"type": "string", "minLength": 1},
    "method": {"type": "string", "enum": ["GET","POST","PUT","PATCH","DELETE","HEAD","get","post","put","patch","delete","head"]},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "timeout_seconds": {"type": "number", "exclusiveMinimum": 0},
    "response_path": {"type": "string"},
    "save_as": {"type": "string"}
  },
  "required": ["url"]
}`

// HTTPRequestAction calls an external HTTP endpoint. Failures never fail the
// node: they are reported through ActionOutput.SoftError and http_error.
type HTTPRequestAction struct {
	config HTTPConfig
	jq     *expressions.GoJQEngine
}

// NewHTTPRequestAction creates the http_request action.
func NewHTTPRequestAction(cfg HTTPConfig) *HTTPRequestAction {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.MaxTimeout <= 0 || cfg.MaxTimeout > maxHTTPTimeout {
		cfg.MaxTimeout = maxHTTPTimeout
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	if cfg.DefaultTimeout > cfg.MaxTimeout {
		cfg.DefaultTimeout = cfg.MaxTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	return &HTTPRequestAction{config: cfg, jq: expressions.NewGoJQEngine()}
}

func (a *HTTPRequestAction) Name() string { return schema.ActionHTTPRequest }

func (a *HTTPRequestAction) Schema() ActionSchema {
	return ActionSchema{
		Description:  "Call an HTTP endpoint and store the parsed response in http_response.",
		ConfigSchema: json.RawMessage(httpRequestConfigSchema),
	}
}

func (a *HTTPRequestAction) Validate(config map[string]any) error {
	rawURL := stringParam(config, "url", "")
	if rawURL == "" {
		return schema.NewError(schema.ErrCodeValidation, "http_request: missing url")
	}
	// Templated URLs can only be checked after interpolation.
	if strings.Contains(rawURL, "{{") {
		return nil
	}
	return checkURL(rawURL)
}

func checkURL(rawURL string) error {
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "http_request: invalid url %q", rawURL)
	}
	return nil
}

// timeout returns the per-call timeout, never above MaxTimeout.
func (a *HTTPRequestAction) timeout(config map[string]any) time.Duration {
	d := a.config.DefaultTimeout
	if secs := intParam(config, "timeout_seconds", 0); secs > 0 {
		d = time.Duration(secs) * time.Second
	}
	if d > a.config.MaxTimeout {
		d = a.config.MaxTimeout
	}
	return d
}

func (a *HTTPRequestAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	cfg := input.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	method := strings.ToUpper(stringParam(cfg, "method", http.MethodGet))
	rawURL := expressions.Interpolate(stringParam(cfg, "url", ""), input.Scope)
	timeout := a.timeout(cfg)

	out := &ActionOutput{
		Set:  map[string]any{},
		Data: map[string]any{"method": method, "url": rawURL, "timeout_ms": timeout.Milliseconds()},
	}
	fail := func(err *schema.KapchatError) (*ActionOutput, error) {
		out.Set[VarHTTPError] = err.Message
		out.Data["error"] = err.Message
		out.SoftError = err
		return out, nil
	}

	if err := checkURL(rawURL); err != nil {
		return fail(schema.NewErrorf(schema.ErrCodeHTTPAction, "invalid url %q", rawURL).WithCause(err))
	}

	var body io.Reader
	contentType := ""
	if rawBody, ok := cfg["body"]; ok && rawBody != nil {
		switch b := expressions.InterpolateValue(rawBody, input.Scope).(type) {
		case string:
			body = strings.NewReader(b)
			contentType = "text/plain; charset=utf-8"
		default:
			encoded, err := json.Marshal(b)
			if err != nil {
				return fail(schema.NewError(schema.ErrCodeHTTPAction, "cannot encode body as JSON").WithCause(err))
			}
			body = bytes.NewReader(encoded)
			contentType = "application/json"
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, body)
	if err != nil {
		return fail(schema.NewErrorf(schema.ErrCodeHTTPAction, "build request: %s", err.Error()).WithCause(err))
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range mapParam(cfg, "headers") {
		req.Header.Set(k, expressions.Interpolate(expressions.Stringify(v), input.Scope))
	}

	start := time.Now()
	resp, err := a.config.Client.Do(req)
	out.Data["duration_ms"] = time.Since(start).Milliseconds()
	if err != nil {
		return fail(schema.NewErrorf(schema.ErrCodeHTTPAction, "request failed: %s", err.Error()).WithCause(err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, a.config.MaxResponseBody))
	if err != nil {
		return fail(schema.NewErrorf(schema.ErrCodeHTTPAction, "read response: %s", err.Error()).WithCause(err))
	}

	parsed := parseBody(raw, resp.Header.Get("Content-Type"))
	out.Set[VarHTTPResponse] = parsed
	out.Set[VarHTTPStatus] = resp.StatusCode
	out.Data["status_code"] = resp.StatusCode

	if resp.StatusCode >= 400 {
		return fail(schema.NewErrorf(schema.ErrCodeHTTPAction, "server returned %d", resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode}))
	}

	if path := stringParam(cfg, "response_path", ""); path != "" {
		extracted, err := a.jq.Query(ctx, path, parsed)
		if err != nil {
			return fail(schema.NewErrorf(schema.ErrCodeHTTPAction, "response_path %q: %s", path, err.Error()).WithCause(err))
		}
		saveAs := stringParam(cfg, "save_as", "http_result")
		out.Set[saveAs] = extracted
		out.Data["save_as"] = saveAs
	}
	return out, nil
}

// parseBody decodes JSON bodies and falls back to the raw text.
func parseBody(raw []byte, contentType string) any {
	if len(raw) == 0 {
		return nil
	}
	trimmed := bytes.TrimSpace(raw)
	if strings.Contains(contentType, "json") || (len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')) {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}
