package actions

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kapixcr/Kapchat-sub000/internal/expressions"
	"github.com/kapixcr/Kapchat-sub000/pkg/schema"
)

type mockState struct {
	mu        sync.Mutex
	assigned  [][3]string
	tags      map[string][]string
	handoffs  []string
	assignErr error
}

func (m *mockState) AssignAgent(_ context.Context, conv, agent, dept string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.assignErr != nil {
		return m.assignErr
	}
	m.assigned = append(m.assigned, [3]string{conv, agent, dept})
	return nil
}

func (m *mockState) TagConversation(_ context.Context, conv string, tags []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tags == nil {
		m.tags = map[string][]string{}
	}
	m.tags[conv] = append(m.tags[conv], tags...)
	return nil
}

func (m *mockState) RequestHandoff(_ context.Context, conv, _, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handoffs = append(m.handoffs, conv)
	return nil
}

func scope(vars map[string]any) expressions.Scope {
	return expressions.Scope{ContactName: "Ana", Phone: "555", Variables: vars}
}

// --- Registry ---

func TestRegistry_Builtins(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, &mockState{}, HTTPConfig{}))

	infos := reg.List()
	require.Len(t, infos, 4)
	assert.Equal(t, "assign_agent", infos[0].Name)
	assert.Equal(t, "http_request", infos[1].Name)
	assert.Equal(t, "set_variable", infos[2].Name)
	assert.Equal(t, "tag_conversation", infos[3].Name)
	assert.True(t, reg.Has("set_variable"))

	err := reg.Register(NewSetVariableAction())
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

	_, err = reg.Get("send_email")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNodeExecution))

	assert.Error(t, reg.Register(nil))
}

// --- set_variable ---

func TestSetVariable(t *testing.T) {
	a := NewSetVariableAction()
	out, err := a.Execute(context.Background(), ActionInput{
		Config: map[string]any{"variable_name": "greeting", "value": "hola {{contact_name}} #{{order}}"},
		Scope:  scope(map[string]any{"order": float64(12)}),
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"greeting": "hola Ana #12"}, out.Set)

	out, err = a.Execute(context.Background(), ActionInput{
		Config: map[string]any{"variable_name": "n", "value": float64(5)},
	})
	require.NoError(t, err)
	assert.Equal(t, float64(5), out.Set["n"])

	_, err = a.Execute(context.Background(), ActionInput{Config: map[string]any{"value": "x"}})
	assert.True(t, schema.HasCode(err, schema.ErrCodeNodeExecution))
}

// --- assign_agent / tag_conversation ---

func TestAssignAgent(t *testing.T) {
	st := &mockState{}
	a := NewAssignAgentAction(st)

	_, err := a.Execute(context.Background(), ActionInput{
		ConversationID: "conv-1",
		Node:           NodeRef{DepartmentID: "sales"},
		Config:         map[string]any{"agent_id": "agent-7"},
	})
	require.NoError(t, err)
	assert.Equal(t, [][3]string{{"conv-1", "agent-7", "sales"}}, st.assigned)

	_, err = a.Execute(context.Background(), ActionInput{ConversationID: "conv-1"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeNodeExecution))

	st.assignErr = errors.New("crm down")
	_, err = a.Execute(context.Background(), ActionInput{ConversationID: "c", Config: map[string]any{"agent_id": "x"}})
	assert.True(t, schema.HasCode(err, schema.ErrCodeNodeExecution))
}

func TestTagConversation(t *testing.T) {
	st := &mockState{}
	a := NewTagConversationAction(st)

	_, err := a.Execute(context.Background(), ActionInput{
		ConversationID: "conv-1",
		Config:         map[string]any{"tags": "vip, {{plan}} ,"},
		Scope:          scope(map[string]any{"plan": "gold"}),
	})
	require.NoError(t, err)
	_, err = a.Execute(context.Background(), ActionInput{
		ConversationID: "conv-1",
		Config:         map[string]any{"tags": []any{"lead"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"vip", "gold", "lead"}, st.tags["conv-1"])

	assert.Error(t, a.Validate(map[string]any{"tags": " , "}))
	_, err = a.Execute(context.Background(), ActionInput{Config: map[string]any{}})
	assert.Error(t, err)
}

// --- http_request ---

func TestHTTPRequest_JSONResponse(t *testing.T) {
	var gotHeader, gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Phone")
		gotPath = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"order":{"status":"shipped"}}`))
	}))
	defer srv.Close()

	out, err := NewHTTPRequestAction(HTTPConfig{}).Execute(context.Background(), ActionInput{
		Config: map[string]any{
			"method":        "post",
			"url":           srv.URL + "/orders/{{order_id}}",
			"headers":       map[string]any{"X-Phone": "{{phone}}"},
			"body":          map[string]any{"name": "{{contact_name}}"},
			"response_path": ".order.status",
			"save_as":       "order_status",
		},
		Scope: scope(map[string]any{"order_id": "A1"}),
	})
	require.NoError(t, err)
	require.NoError(t, out.SoftError)

	assert.Equal(t, "/orders/A1", gotPath)
	assert.Equal(t, "555", gotHeader)
	assert.Equal(t, "Ana", gotBody["name"])
	assert.Equal(t, 200, out.Set[VarHTTPStatus])
	assert.Equal(t, map[string]any{"order": map[string]any{"status": "shipped"}}, out.Set[VarHTTPResponse])
	assert.Equal(t, "shipped", out.Set["order_status"])
	assert.NotContains(t, out.Set, VarHTTPError)
}

func TestHTTPRequest_TextResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("pong"))
	}))
	defer srv.Close()

	out, err := NewHTTPRequestAction(HTTPConfig{}).Execute(context.Background(), ActionInput{
		Config: map[string]any{"url": srv.URL},
	})
	require.NoError(t, err)
	assert.Equal(t, "pong", out.Set[VarHTTPResponse])
}

func TestHTTPRequest_ErrorStatusIsSoft(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	out, err := NewHTTPRequestAction(HTTPConfig{}).Execute(context.Background(), ActionInput{
		Config: map[string]any{"url": srv.URL},
	})
	require.NoError(t, err, "http failures never fail the node")
	require.Error(t, out.SoftError)
	assert.True(t, schema.HasCode(out.SoftError, schema.ErrCodeHTTPAction))
	assert.Equal(t, http.StatusBadGateway, out.Set[VarHTTPStatus])
	assert.Contains(t, out.Set[VarHTTPError], "502")
}

func TestHTTPRequest_TimeoutIsSoft(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	a := NewHTTPRequestAction(HTTPConfig{DefaultTimeout: 50 * time.Millisecond})
	start := time.Now()
	out, err := a.Execute(context.Background(), ActionInput{Config: map[string]any{"url": srv.URL}})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, schema.HasCode(out.SoftError, schema.ErrCodeHTTPAction))
	assert.Contains(t, out.Set, VarHTTPError)
}

func TestHTTPRequest_InvalidURLIsSoft(t *testing.T) {
	out, err := NewHTTPRequestAction(HTTPConfig{}).Execute(context.Background(), ActionInput{
		Config: map[string]any{"url": "ftp://{{host}}"},
		Scope:  scope(map[string]any{"host": "example.com"}),
	})
	require.NoError(t, err)
	assert.Error(t, out.SoftError)
}

func TestHTTPRequest_TimeoutCapped(t *testing.T) {
	a := NewHTTPRequestAction(HTTPConfig{DefaultTimeout: time.Minute, MaxTimeout: time.Hour})
	assert.Equal(t, maxHTTPTimeout, a.timeout(map[string]any{}))
	assert.Equal(t, maxHTTPTimeout, a.timeout(map[string]any{"timeout_seconds": float64(120)}))
	assert.Equal(t, 5*time.Second, a.timeout(map[string]any{"timeout_seconds": float64(5)}))

	def := NewHTTPRequestAction(HTTPConfig{})
	assert.Equal(t, defaultHTTPTimeout, def.timeout(nil))
}

func TestHTTPRequest_Validate(t *testing.T) {
	a := NewHTTPRequestAction(HTTPConfig{})
	assert.Error(t, a.Validate(map[string]any{}))
	assert.Error(t, a.Validate(map[string]any{"url": "not a url"}))
	assert.NoError(t, a.Validate(map[string]any{"url": "https://api.example.com/x"}))
	assert.NoError(t, a.Validate(map[string]any{"url": "{{base_url}}/x"}))
}
