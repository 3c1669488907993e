package messagequeue

import "testing"

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		data    string
		wantErr bool
	}{
		{"run execute ok", SubjectRunExecute, `{"run_id":"r1","project_id":"p1"}`, false},
		{"run execute missing id", SubjectRunExecute, `{"project_id":"p1"}`, true},
		{"run execute wrong type", SubjectRunExecute, `{"run_id":42}`, true},
		{"invalid json", SubjectRunExecute, `{`, true},
		{"target changed ok", SubjectTargetChanged, `{"project_id":"p","target_id":"t"}`, false},
		{"target changed missing target", SubjectTargetChanged, `{"project_id":"p"}`, true},
		{"status ok", SubjectRunStatus, `{"run_id":"r","status":"SUCCEEDED"}`, false},
		{"unknown subject", "storepilot.other", `{"anything":true}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.subject, []byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
