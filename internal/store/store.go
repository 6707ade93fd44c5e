package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/seantiz/simrelay/internal/model"
)

// ErrInvalidTransition is returned when a job status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// JobStats holds aggregate job statistics.
type JobStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByKind   map[string]int `json:"count_by_kind"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	Records       int            `json:"records"`
	Failures      int            `json:"failed_simulations"`
}

// RecordFilter narrows ListRecords. Zero values match everything.
type RecordFilter struct {
	State  string
	TaskID string
}

// RecordPatch holds the fields UpdateRecord may change. Nil fields are left as is.
type RecordPatch struct {
	State     *string
	Success   *bool
	Response  json.RawMessage
	Traceback *string
	Error     *string
}

// RecordStore persists task records for the reconciler.
type RecordStore interface {
	PersistRecord(ctx context.Context, r *model.TaskRecord) error
	// ListRecords returns up to pageSize records after pageToken in id
	// order. nextToken is the token for the following page.
	ListRecords(ctx context.Context, filter RecordFilter, pageSize int, pageToken string) (records []*model.TaskRecord, nextToken string, hasMore bool, err error)
	UpdateRecord(ctx context.Context, id string, patch RecordPatch) error
	DeleteRecords(ctx context.Context, ids []string) (int, error)
}

// FailureStore persists the items of failed sub-batches.
type FailureStore interface {
	SaveFailedSimulation(ctx context.Context, taskID string, items []json.RawMessage) error
}

// Store defines all persistence operations.
type Store interface {
	RecordStore
	FailureStore

	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error)
	UpdateJobStatus(ctx context.Context, id, status string) error
	UpdateJob(ctx context.Context, j *model.Job) error
	GetJobStats(ctx context.Context) (*JobStats, error)
	ListFailedSimulations(ctx context.Context, taskID string) ([]json.RawMessage, error)
	Close() error
}
