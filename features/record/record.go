package record

import (
	"encoding/json"
	"time"
)

const (
	CategoryMolecule = "molecule"
	CategoryReaction = "reaction"
)

// Record is one structured entity pulled out of a processed patent document.
// Payload keeps the extractor's raw fields; Name is the display identifier.
type Record struct {
	ID        string          `json:"id"`
	JobID     string          `json:"job_id"`
	OwnerID   string          `json:"owner_id"`
	Category  string          `json:"category"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}
