// Package executor defines the job executors that submit simulation work to
// the platform and turn each outcome into a persisted task record.
package executor

import (
	"context"
	"log/slog"

	"github.com/seantiz/simrelay/internal/model"
	"github.com/seantiz/simrelay/internal/platform"
)

// Executor runs one kind of job.
type Executor interface {
	// Execute submits the job's payload and records the outcome. Platform
	// failures end up in task records; only persistence problems and context
	// expiry are returned as errors.
	Execute(ctx context.Context, job *model.Job) (Result, error)

	// Kind is the job kind this executor handles.
	Kind() string
}

// Result summarizes one execution.
type Result struct {
	Submissions int `json:"submissions"`
	Succeeded   int `json:"succeeded"`
	Failed      int `json:"failed"`
	Records     int `json:"records"`

	// FailureReason is the reason of the last failed submission, if any. It
	// is fed to the execution guard's failure hook.
	FailureReason string `json:"failure_reason,omitempty"`
}

// Sessions hands out the process-wide platform session.
type Sessions interface {
	Get(logger *slog.Logger) platform.Simulator
	Invalidate()
}
