package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kapixcr/Kapchat-sub000/internal/actions"
	"github.com/kapixcr/Kapchat-sub000/internal/cache"
	"github.com/kapixcr/Kapchat-sub000/internal/logging"
	"github.com/kapixcr/Kapchat-sub000/internal/store"
	"github.com/kapixcr/Kapchat-sub000/pkg/schema"
)

type sentMessage struct {
	Phone string
	Text  string
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (r *recordingSender) SendMessage(_ context.Context, phone, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentMessage{Phone: phone, Text: text})
	return r.err
}

func (r *recordingSender) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.sent))
	for i, m := range r.sent {
		out[i] = m.Text
	}
	return out
}

type mockState struct {
	mu         sync.Mutex
	assigned   []string
	tags       []string
	handoffs   []string
	handoffErr error
}

func (m *mockState) AssignAgent(_ context.Context, conv, agent, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assigned = append(m.assigned, conv+":"+agent)
	return nil
}

func (m *mockState) TagConversation(_ context.Context, _ string, tags []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tags = append(m.tags, tags...)
	return nil
}

func (m *mockState) RequestHandoff(_ context.Context, conv, dept, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handoffErr != nil {
		return m.handoffErr
	}
	m.handoffs = append(m.handoffs, conv+":"+dept)
	return nil
}

func newTestStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestRegistry(t *testing.T, state actions.ConversationState) *actions.Registry {
	t.Helper()
	reg := actions.NewRegistry()
	require.NoError(t, actions.RegisterBuiltins(reg, state, actions.HTTPConfig{DefaultTimeout: 2 * time.Second}))
	return reg
}

type testEnv struct {
	store  *store.LibSQLStore
	sender *recordingSender
	state  *mockState
	engine *Engine
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	env := &testEnv{
		store:  newTestStore(t),
		sender: &recordingSender{},
		state:  &mockState{},
	}
	env.engine = New(Deps{
		Store:   env.store,
		Actions: newTestRegistry(t, env.state),
		State:   env.state,
		Sender:  env.sender,
		Cache:   cache.NewMemory(time.Minute),
		Logger:  logging.Discard(),
	}, cfg)
	t.Cleanup(env.engine.Shutdown)
	return env
}

func (env *testEnv) saveFlow(t *testing.T, flow *schema.Flow) *schema.Flow {
	t.Helper()
	require.NoError(t, env.store.SaveFlow(context.Background(), flow))
	return flow
}

// reload reads an execution back from the store.
func (env *testEnv) reload(t *testing.T, id string) *schema.Execution {
	t.Helper()
	exec, err := env.store.GetExecution(context.Background(), id)
	require.NoError(t, err)
	return exec
}

func inbound(conv, text string) schema.MessageContext {
	return schema.MessageContext{
		ConversationID: conv,
		Phone:          "555",
		ContactName:    "Ana",
		MessageText:    text,
		MessageType:    "text",
	}
}

func conn(target string) schema.Connection {
	return schema.Connection{ID: "to-" + target, TargetNodeID: target}
}

func labelled(label, target string) schema.Connection {
	return schema.Connection{ID: label + "-" + target, TargetNodeID: target, Label: label}
}

func answer(condition, target string) schema.Connection {
	return schema.Connection{ID: "ans-" + target, TargetNodeID: target, Condition: condition}
}

func keywordFlow(id, keywords string, nodes ...schema.Node) *schema.Flow {
	return &schema.Flow{
		ID:           id,
		Name:         id,
		TriggerType:  schema.TriggerKeyword,
		TriggerValue: keywords,
		IsActive:     true,
		EntryNodeID:  nodes[0].ID,
		Nodes:        nodes,
	}
}

func storeFilterAll() store.ExecutionFilter {
	return store.ExecutionFilter{}
}
