package ws

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Event type constants for WebSocket messages.
const (
	EventRunStatus     = "run.status"
	EventDraftUpdated  = "draft.updated"
	EventTriggerStatus = "trigger.status"
)

// RunStatusEvent is broadcast when a run changes status.
type RunStatusEvent struct {
	RunID      string `json:"run_id"`
	ProjectID  string `json:"project_id"`
	PlaybookID string `json:"playbook_id"`
	RunType    string `json:"run_type"`
	Status     string `json:"status"`
	ErrorCode  string `json:"error_code,omitempty"`
	Reused     bool   `json:"reused,omitempty"`
}

// DraftUpdatedEvent is broadcast when a draft's items change.
type DraftUpdatedEvent struct {
	DraftID    string `json:"draft_id"`
	PlaybookID string `json:"playbook_id"`
	Status     string `json:"status"`
	Generated  int    `json:"generated"`
}

// TriggerStatusEvent is broadcast when a trigger run finishes.
type TriggerStatusEvent struct {
	TargetID   string `json:"target_id"`
	Automation string `json:"automation"`
	Decision   string `json:"decision"`
	Status     string `json:"status,omitempty"`
}

// BroadcastEvent marshals a typed event and broadcasts it to the project.
// It implements broadcast.Broadcaster.
func (h *Hub) BroadcastEvent(ctx context.Context, projectID, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:      eventType,
		ProjectID: projectID,
		Payload:   json.RawMessage(data),
	})
}
