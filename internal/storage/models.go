package storage

import (
	"encoding/json"
	"time"
)

// Bucket names for bbolt database
const (
	RunsBucket = "runs"
	MetaBucket = "meta"
)

// Meta keys
const (
	SchemaVersionKey = "schema"
)

// CurrentSchemaVersion of the journal database
const CurrentSchemaVersion = 1

// Run outcomes
const (
	OutcomeSuccess   = "success"
	OutcomePartial   = "partial"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// RunRecord is one extraction attempt in the journal.
type RunRecord struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Scope         string    `json:"scope,omitempty"`
	Forced        bool      `json:"forced"`
	// Trigger is the surface that asked for the run (MCP, CLI).
	Trigger       string    `json:"trigger,omitempty"`
	Outcome       string    `json:"outcome"`
	Source        string    `json:"source,omitempty"`
	FailedState   string    `json:"failed_state,omitempty"`
	Error         string    `json:"error,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	DurationMs    int64     `json:"duration_ms"`
}

// MarshalBinary implements encoding.BinaryMarshaler
func (r *RunRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (r *RunRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, r)
}
