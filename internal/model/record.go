package model

import (
	"encoding/json"
	"strings"
	"time"
)

// Task record states. The same values are used for status updates.
const (
	StatePending = "PENDING"
	StateSuccess = "SUCCESS"
	StateFailed  = "FAILED"
)

// Remote simulation status values.
const (
	SimComplete  = "COMPLETE"
	SimWarning   = "WARNING"
	SimError     = "ERROR"
	SimFail      = "FAIL"
	SimCancelled = "CANCELLED"
)

// NormalizeSimStatus trims and upper-cases a remote status value.
func NormalizeSimStatus(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// IsSimSuccess reports whether a remote status counts as a successful simulation.
func IsSimSuccess(s string) bool {
	switch NormalizeSimStatus(s) {
	case SimComplete, SimWarning:
		return true
	}
	return false
}

// IsSimFailure reports whether a remote status is a terminal failure.
func IsSimFailure(s string) bool {
	switch NormalizeSimStatus(s) {
	case SimError, SimFail, SimCancelled:
		return true
	}
	return false
}

// TaskRecord is the persisted outcome of one job execution. Input holds
// either a single item or an ordered array of items.
type TaskRecord struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id"`
	Input     json.RawMessage `json:"input"`
	Response  json.RawMessage `json:"response_json,omitempty"`
	State     string          `json:"state"`
	Success   bool            `json:"success"`
	Traceback string          `json:"traceback,omitempty"`
	Error     string          `json:"error,omitempty"`
	Exception string          `json:"exception,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// StatusUpdate is one canonical status entry delivered to the status API.
type StatusUpdate struct {
	RecordID string `json:"record_id"`
	Status   string `json:"status"`
}

// SimulationResult is the subset of a remote simulation body the relay reads.
type SimulationResult struct {
	ID       string   `json:"id,omitempty"`
	Status   string   `json:"status"`
	Children []string `json:"children,omitempty"`
}
