// Package broadcast defines the port for broadcasting real-time events to connected clients.
package broadcast

import "context"

// Broadcaster sends real-time events to connected clients of a project.
type Broadcaster interface {
	// BroadcastEvent sends a typed event to clients subscribed to projectID.
	BroadcastEvent(ctx context.Context, projectID, eventType string, payload any)
}
