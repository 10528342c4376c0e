package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kapixcr/Kapchat-sub000/internal/engine"
	"github.com/kapixcr/Kapchat-sub000/internal/store"
	"github.com/kapixcr/Kapchat-sub000/pkg/schema"
)

// Engine is the part of engine.Engine exposed as tools.
type Engine interface {
	StartFlow(ctx context.Context, flowID string, msg schema.MessageContext, vars map[string]any) (*schema.Execution, error)
	CleanupTimedOutExecutions(ctx context.Context, timeoutMinutes int) (int, error)
}

// KapchatServerDeps holds the dependencies for creating a KapchatServer.
type KapchatServerDeps struct {
	Engine Engine
	Store  store.Store
	Logger *slog.Logger
	// TimeoutMinutes is the reap threshold used when kapchat.reap gets none.
	TimeoutMinutes int
}

// KapchatServer wraps an MCP server with kapchat tool handlers.
type KapchatServer struct {
	engine         Engine
	store          store.Store
	logger         *slog.Logger
	timeoutMinutes int
	mcpServer      *server.MCPServer
}

// NewKapchatServer creates a new KapchatServer with all 4 tools registered.
func NewKapchatServer(deps KapchatServerDeps) *KapchatServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	timeout := deps.TimeoutMinutes
	if timeout <= 0 {
		timeout = engine.DefaultExecutionTimeoutMinutes
	}

	s := &KapchatServer{
		engine:         deps.Engine,
		store:          deps.Store,
		logger:         logger,
		timeoutMinutes: timeout,
	}

	mcpSrv := server.NewMCPServer(
		"kapchat",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Kapchat runs chat automation flows. Use kapchat.start_flow to start a flow in a conversation, kapchat.execution_status to inspect one run and its node log, kapchat.list_executions to search runs, and kapchat.reap to pause runs idle past a timeout."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *KapchatServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *KapchatServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *KapchatServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startFlowTool(), Handler: s.handleStartFlow},
		{Tool: executionStatusTool(), Handler: s.handleExecutionStatus},
		{Tool: listExecutionsTool(), Handler: s.handleListExecutions},
		{Tool: reapTool(), Handler: s.handleReap},
	}
}

// --- Tool definitions ---

func startFlowTool() mcp.Tool {
	return mcp.NewTool("kapchat.start_flow",
		mcp.WithDescription("Start an active flow in a conversation"),
		mcp.WithString("flow_id", mcp.Required(), mcp.Description("ID of the flow to start")),
		mcp.WithString("conversation_id", mcp.Required(), mcp.Description("Conversation to run the flow in")),
		mcp.WithString("phone", mcp.Description("Contact phone number messages are sent to")),
		mcp.WithString("contact_name", mcp.Description("Contact display name")),
		mcp.WithObject("variables", mcp.Description("Initial execution variables")),
	)
}

func executionStatusTool() mcp.Tool {
	return mcp.NewTool("kapchat.execution_status",
		mcp.WithDescription("Get an execution and its node log"),
		mcp.WithString("execution_id", mcp.Description("ID of the execution")),
		mcp.WithString("conversation_id", mcp.Description("Look up the running execution of this conversation instead")),
	)
}

func listExecutionsTool() mcp.Tool {
	return mcp.NewTool("kapchat.list_executions",
		mcp.WithDescription("List executions matching a filter"),
		mcp.WithString("flow_id", mcp.Description("Only executions of this flow")),
		mcp.WithString("conversation_id", mcp.Description("Only executions in this conversation")),
		mcp.WithString("status",
			mcp.Enum("running", "completed", "paused", "failed"),
			mcp.Description("Only executions in this status"),
		),
		mcp.WithNumber("limit", mcp.Description("Maximum results (default 50)")),
		mcp.WithNumber("offset", mcp.Description("Results to skip")),
	)
}

func reapTool() mcp.Tool {
	return mcp.NewTool("kapchat.reap",
		mcp.WithDescription("Pause running executions idle longer than a timeout"),
		mcp.WithNumber("timeout_minutes", mcp.Description("Idle minutes before a run is paused (default from config)")),
	)
}
