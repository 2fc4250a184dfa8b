package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/runbookd/runbook/internal/engine"
	"github.com/runbookd/runbook/internal/streaming"
	"github.com/runbookd/runbook/pkg/schema"
)

// ManualStepNotifier forwards manual step events to the MCP session of the
// user who submitted the execution. Best-effort: events for executions with
// no connected session are dropped.
type ManualStepNotifier struct {
	mcpServer  *server.MCPServer
	sessions   *SessionRegistry
	controller *engine.Controller
	hub        streaming.EventHub
}

// NewManualStepNotifier creates a notifier bridging the event hub to MCP push.
func NewManualStepNotifier(s *RunbookServer) *ManualStepNotifier {
	return &ManualStepNotifier{
		mcpServer:  s.mcpServer,
		sessions:   s.sessions,
		controller: s.controller,
		hub:        s.hub,
	}
}

// Start subscribes to manual step events and pumps them to sessions until
// ctx is cancelled.
func (n *ManualStepNotifier) Start(ctx context.Context) error {
	events, unsubscribe, err := n.hub.Subscribe(ctx, streaming.EventFilter{
		EventTypes: []string{schema.EventManualStepRequired},
	})
	if err != nil {
		return err
	}

	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				n.deliver(ctx, ev)
			}
		}
	}()
	return nil
}

func (n *ManualStepNotifier) deliver(ctx context.Context, ev streaming.StreamEvent) {
	exec, ok := n.controller.Get(ev.ExecutionID)
	if !ok || exec.Metadata.UserID == "" {
		return
	}
	n.notify(ctx, exec.Metadata.UserID, map[string]any{
		"event_type":   ev.EventType,
		"execution_id": ev.ExecutionID,
		"workflow_id":  ev.WorkflowID,
		"step_index":   ev.StepIndex,
		"step_name":    ev.StepName,
		"payload":      ev.Payload,
	})
}

// notify sends a notification to the user's session.
// Best-effort: returns silently if the user is not connected.
func (n *ManualStepNotifier) notify(_ context.Context, userID string, payload map[string]any) {
	sessionID, ok := n.sessions.SessionFor(userID)
	if !ok {
		return
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
	}
}
