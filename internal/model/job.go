package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Job status constants.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Job kind constants.
const (
	KindBatch  = "batch"
	KindSingle = "single"
)

// KindFor picks the job kind for a payload. An array becomes a batch job and an
// object a single job unless mode names a kind explicitly.
func KindFor(isArray bool, mode string) (string, error) {
	switch mode {
	case "":
		if isArray {
			return KindBatch, nil
		}
		return KindSingle, nil
	case KindSingle, KindBatch:
		return mode, nil
	default:
		return "", fmt.Errorf("mode must be %s or %s, got %q", KindSingle, KindBatch, mode)
	}
}

// validTransitions maps each job status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	JobPending: {
		JobRunning: true,
		JobFailed:  true,
	},
	JobRunning: {
		JobCompleted: true,
		JobFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Job is one unit of submitted work: a single item, a pre-grouped
// multi-item submission, or a list of items to be split into sub-batches.
type Job struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Status     string          `json:"status"`
	Payload    json.RawMessage `json:"payload"`
	ItemCount  int             `json:"item_count"`
	Error      string          `json:"error,omitempty"`
	DurationMS *int            `json:"duration_ms,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}
