package messagequeue

// RunExecutePayload is the schema for storepilot.runs.execute messages.
type RunExecutePayload struct {
	RunID     string `json:"run_id"`
	ProjectID string `json:"project_id"`
	RequestID string `json:"request_id,omitempty"`
}

// RunStatusPayload is the schema for storepilot.runs.status messages.
type RunStatusPayload struct {
	RunID     string `json:"run_id"`
	ProjectID string `json:"project_id"`
	RunType   string `json:"run_type"`
	Status    string `json:"status"`
	ErrorCode string `json:"error_code,omitempty"`
}

// TargetChangedPayload is the schema for storepilot.targets.changed messages.
type TargetChangedPayload struct {
	ProjectID  string `json:"project_id"`
	TargetID   string `json:"target_id"`
	Automation string `json:"automation,omitempty"`
}
