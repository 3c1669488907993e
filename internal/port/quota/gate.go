// Package quota defines the port for usage quota evaluation.
package quota

import "context"

// Action is the metered operation being evaluated.
type Action string

const (
	ActionGenerate   Action = "generate"
	ActionAutomation Action = "automation"
)

// Decision is the gate's verdict.
type Decision struct {
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason,omitempty"`
	Remaining int    `json:"remaining"`
}

// Gate evaluates whether a project may spend generation work.
type Gate interface {
	Evaluate(ctx context.Context, projectID, userID string, action Action) (Decision, error)
}
