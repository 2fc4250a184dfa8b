package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/runbookd/runbook/internal/engine"
	"github.com/runbookd/runbook/internal/store"
	"github.com/runbookd/runbook/internal/streaming"
	"github.com/runbookd/runbook/internal/tools"
	"github.com/runbookd/runbook/internal/validation"
)

// RunbookServerDeps holds the dependencies for creating a RunbookServer.
type RunbookServerDeps struct {
	Controller *engine.Controller
	Store      store.Store
	Validator  *validation.WorkflowValidator
	Registry   *tools.Registry
	Hub        streaming.EventHub
	Logger     *slog.Logger
}

// RunbookServer wraps an MCP server with runbook-specific tool handlers.
type RunbookServer struct {
	controller *engine.Controller
	store      store.Store
	validator  *validation.WorkflowValidator
	registry   *tools.Registry
	hub        streaming.EventHub
	logger     *slog.Logger
	sessions   *SessionRegistry
	mcpServer  *server.MCPServer
}

// NewRunbookServer creates a new RunbookServer with all tools registered.
func NewRunbookServer(deps RunbookServerDeps) *RunbookServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &RunbookServer{
		controller: deps.Controller,
		store:      deps.Store,
		validator:  deps.Validator,
		registry:   deps.Registry,
		hub:        deps.Hub,
		logger:     logger,
		sessions:   NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"runbook",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Runbook is a declarative automation workflow engine. Use runbook.submit to start an execution, runbook.status and runbook.wait to follow it, runbook.cancel to stop it, runbook.define to register reusable workflows, runbook.schedule to run them on a cron, and runbook.query to inspect workflows, executions, runs, events, tools and stats."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *RunbookServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *RunbookServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the session registry used for push notifications.
func (s *RunbookServer) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *RunbookServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: submitTool(), Handler: s.handleSubmit},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: waitTool(), Handler: s.handleWait},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: clearHistoryTool(), Handler: s.handleClearHistory},
	}
}

// --- Tool definitions ---

func submitTool() mcp.Tool {
	return mcp.NewTool("runbook.submit",
		mcp.WithDescription("Submit a workflow for asynchronous execution. Provide either an inline workflow object or the ID of a stored workflow."),
		mcp.WithObject("workflow", mcp.Description("Inline workflow definition (name + steps)")),
		mcp.WithString("workflow_id", mcp.Description("ID of a stored workflow to run")),
		mcp.WithObject("variables", mcp.Description("Initial variables, override workflow defaults")),
		mcp.WithString("timeout", mcp.Description("Execution timeout as a Go duration, e.g. \"5m\" (default: controller setting)")),
		mcp.WithString("user_id", mcp.Description("ID of the submitting user")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("runbook.status",
		mcp.WithDescription("Get the current state of an execution, active or historical"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to inspect")),
	)
}

func waitTool() mcp.Tool {
	return mcp.NewTool("runbook.wait",
		mcp.WithDescription("Block until an execution reaches a terminal status and return it"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to wait for")),
		mcp.WithString("timeout", mcp.Description("How long to wait, as a Go duration (default: 30s)")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("runbook.cancel",
		mcp.WithDescription("Cancel a running execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to cancel")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("runbook.define",
		mcp.WithDescription("Validate and store a reusable workflow definition"),
		mcp.WithObject("workflow", mcp.Required(), mcp.Description("Workflow definition object (name + steps)")),
		mcp.WithString("id", mcp.Description("Workflow ID (default: generated)")),
		mcp.WithString("description", mcp.Description("Human-readable description")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("runbook.schedule",
		mcp.WithDescription("Attach a cron schedule to a stored workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the stored workflow")),
		mcp.WithString("cron", mcp.Required(), mcp.Description("Cron expression, standard 5-field syntax")),
		mcp.WithObject("variables", mcp.Description("Variables to pass on every scheduled run")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("runbook.query",
		mcp.WithDescription("Query workflows, executions, runs, events, schedules, tools or stats"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "active", "history", "runs", "events", "schedules", "tools", "stats"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (workflow_id, execution_id, status, limit)")),
	)
}

func clearHistoryTool() mcp.Tool {
	return mcp.NewTool("runbook.clear_history",
		mcp.WithDescription("Clear the in-memory execution history (the persistent run archive is kept)"),
	)
}
