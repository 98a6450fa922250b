package job

import (
	"time"

	"patentdesk/backend/internal/progress"
)

// Job is the durable submission record. Execution state lives in the progress
// tracker; this row carries ownership, inputs, and the terminal outcome.
type Job struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"owner_id"`
	Kind      progress.Kind   `json:"kind"`
	FileName  string          `json:"file_name,omitempty"`
	FilePath  string          `json:"-"`
	Model     string          `json:"model,omitempty"`
	Status    progress.Status `json:"status"`
	ResultRef string          `json:"result_ref,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
