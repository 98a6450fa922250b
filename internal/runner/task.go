package runner

import "patentdesk/backend/internal/progress"

// Task is the unit of dispatch: everything a runner needs to execute a job.
// It is JSON-serializable so it can cross a message queue unchanged.
type Task struct {
	JobID    string        `json:"job_id"`
	OwnerID  string        `json:"owner_id"`
	Kind     progress.Kind `json:"kind"`
	FilePath string        `json:"file_path,omitempty"`
	FileName string        `json:"file_name,omitempty"`
	Content  string        `json:"content,omitempty"`
	Model    string        `json:"model,omitempty"`
}
