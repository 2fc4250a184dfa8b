package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/robfig/cron/v3"

	"github.com/runbookd/runbook/internal/engine"
	"github.com/runbookd/runbook/internal/store"
	"github.com/runbookd/runbook/pkg/schema"
)

// handleSubmit validates a workflow and hands it to the controller.
func (s *RunbookServer) handleSubmit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	wf, errResult := s.resolveWorkflow(ctx, req)
	if errResult != nil {
		return errResult, nil
	}

	if valErr := s.validator.ValidateWorkflow(wf); valErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow validation failed: %v", valErr)), nil
	}

	opts := engine.SubmitOptions{
		Variables: mcp.ParseStringMap(req, "variables", nil),
		Trigger:   "mcp",
		UserID:    req.GetString("user_id", ""),
	}
	if timeoutStr := req.GetString("timeout", ""); timeoutStr != "" {
		d, err := time.ParseDuration(timeoutStr)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid timeout %q: %v", timeoutStr, err)), nil
		}
		opts.Timeout = d
	}

	// Capture session mapping so manual step notifications can reach the caller.
	if opts.UserID != "" {
		s.captureSession(ctx, opts.UserID)
	}

	exec, err := s.controller.Submit(ctx, wf, opts)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("submit failed: %v", err)), nil
	}

	return marshalResult(map[string]any{
		"execution_id":  exec.ID,
		"workflow_name": exec.WorkflowName,
		"status":        exec.Status,
		"total_steps":   exec.TotalSteps,
	})
}

// handleStatus returns a snapshot of an active or historical execution.
func (s *RunbookServer) handleStatus(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	exec, ok := s.controller.Get(executionID)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("execution %q not found", executionID)), nil
	}
	return marshalResult(exec)
}

// handleWait blocks until the execution retires or the wait times out.
func (s *RunbookServer) handleWait(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	timeout := 30 * time.Second
	if timeoutStr := req.GetString("timeout", ""); timeoutStr != "" {
		d, parseErr := time.ParseDuration(timeoutStr)
		if parseErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid timeout %q: %v", timeoutStr, parseErr)), nil
		}
		timeout = d
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	exec, waitErr := s.controller.Wait(waitCtx, executionID)
	if waitErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("wait failed: %v", waitErr)), nil
	}
	return marshalResult(exec)
}

// handleCancel requests cancellation of a running execution.
func (s *RunbookServer) handleCancel(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	cancelled := s.controller.Cancel(executionID)
	if !cancelled {
		return mcp.NewToolResultError(fmt.Sprintf("execution %q is not running", executionID)), nil
	}
	return marshalResult(map[string]any{
		"execution_id": executionID,
		"cancelled":    true,
	})
}

// handleDefine validates and stores a workflow definition for later runs.
func (s *RunbookServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := mcp.ParseStringMap(req, "workflow", nil)
	if raw == nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}

	wf, decodeErr := decodeWorkflow(raw)
	if decodeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid workflow: %v", decodeErr)), nil
	}

	if valErr := s.validator.ValidateWorkflow(wf); valErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow validation failed: %v", valErr)), nil
	}

	id := req.GetString("id", "")
	if id == "" {
		id = uuid.New().String()
	}
	source, _ := json.Marshal(wf)

	record := &store.WorkflowRecord{
		ID:          id,
		Name:        wf.Name,
		Description: req.GetString("description", wf.Description),
		Source:      source,
		Enabled:     true,
	}
	if err := s.store.PutWorkflow(ctx, record); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store workflow: %v", err)), nil
	}

	return marshalResult(map[string]any{
		"id":   id,
		"name": wf.Name,
	})
}

// handleSchedule attaches a cron schedule to a stored workflow.
func (s *RunbookServer) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	cronExpr, err := req.RequireString("cron")
	if err != nil {
		return mcp.NewToolResultError("cron is required"), nil
	}
	if _, parseErr := cron.ParseStandard(cronExpr); parseErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression %q: %v", cronExpr, parseErr)), nil
	}

	// The workflow must exist before a schedule can point at it.
	if _, getErr := s.store.GetWorkflow(ctx, workflowID); getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow lookup failed: %v", getErr)), nil
	}

	sched := &store.Schedule{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		CronExpr:   cronExpr,
		Enabled:    true,
	}
	if variables := mcp.ParseStringMap(req, "variables", nil); variables != nil {
		if raw, marshalErr := json.Marshal(variables); marshalErr == nil {
			sched.Variables = raw
		}
	}

	if createErr := s.store.CreateSchedule(ctx, sched); createErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create schedule: %v", createErr)), nil
	}

	return marshalResult(map[string]any{
		"schedule_id": sched.ID,
		"workflow_id": workflowID,
		"cron":        cronExpr,
	})
}

// handleQuery lists workflows, executions, runs, events, schedules, tools or stats.
func (s *RunbookServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "workflows":
		return s.queryWorkflows(ctx, filter)
	case "active":
		return marshalResult(map[string]any{"executions": s.controller.Active()})
	case "history":
		return marshalResult(map[string]any{"executions": s.controller.GetHistory()})
	case "runs":
		return s.queryRuns(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "schedules":
		return s.querySchedules(ctx)
	case "tools":
		return marshalResult(map[string]any{"tools": s.registry.List()})
	case "stats":
		return marshalResult(s.controller.GetStats())
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// handleClearHistory drops the controller's in-memory history.
func (s *RunbookServer) handleClearHistory(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.controller.ClearHistory()
	return marshalResult(map[string]any{"cleared": true})
}

// --- Query helpers ---

func (s *RunbookServer) queryWorkflows(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	workflows, err := s.store.ListWorkflows(ctx, store.WorkflowFilter{
		Limit: extractInt(filter, "limit", 50),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"workflows": workflows})
}

func (s *RunbookServer) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := store.RunFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if wfID, ok := filter["workflow_id"].(string); ok {
		rf.WorkflowID = wfID
	}
	if status, ok := filter["status"].(string); ok {
		rf.Status = status
	}

	runs, err := s.store.ListRuns(ctx, rf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

func (s *RunbookServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	executionID, ok := filter["execution_id"].(string)
	if !ok || executionID == "" {
		return mcp.NewToolResultError("event query requires 'execution_id' in filter"), nil
	}

	events, err := s.store.GetEvents(ctx, executionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *RunbookServer) querySchedules(ctx context.Context) (*mcp.CallToolResult, error) {
	schedules, err := s.store.ListSchedules(ctx, false)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"schedules": schedules})
}

// --- Internal helpers ---

// resolveWorkflow materializes the workflow to run from either the inline
// object or a stored workflow ID.
func (s *RunbookServer) resolveWorkflow(ctx context.Context, req mcp.CallToolRequest) (*schema.Workflow, *mcp.CallToolResult) {
	if raw := mcp.ParseStringMap(req, "workflow", nil); raw != nil {
		wf, err := decodeWorkflow(raw)
		if err != nil {
			return nil, mcp.NewToolResultError(fmt.Sprintf("invalid workflow: %v", err))
		}
		return wf, nil
	}

	workflowID := req.GetString("workflow_id", "")
	if workflowID == "" {
		return nil, mcp.NewToolResultError("either 'workflow' or 'workflow_id' is required")
	}

	record, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("workflow lookup failed: %v", err))
	}
	if !record.Enabled {
		return nil, mcp.NewToolResultError(fmt.Sprintf("workflow %q is disabled", workflowID))
	}

	var wf schema.Workflow
	if err := json.Unmarshal(record.Source, &wf); err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("stored workflow is corrupt: %v", err))
	}
	wf.ID = record.ID
	return &wf, nil
}

// decodeWorkflow converts a raw tool argument map into a schema.Workflow.
func decodeWorkflow(raw map[string]any) (*schema.Workflow, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var wf schema.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the user ID to its current MCP session for notifications.
func (s *RunbookServer) captureSession(ctx context.Context, userID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(userID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
