package reconcile

import (
	"strings"

	"github.com/seantiz/simrelay/internal/model"
)

// DefaultTechnicalMarkers are substrings of error text that point to a
// transient transport problem rather than a rejected simulation.
var DefaultTechnicalMarkers = []string{
	"requestexception",
	"maxretryerror",
	"timeout",
	"connectionerror",
	"connection refused",
	"connection reset",
	"httperror",
	"sslerror",
	"tls",
	"proxyerror",
	"eof",
	"deadline exceeded",
}

// Classifier maps a single-item task record to a status.
type Classifier struct {
	markers []string
}

// NewClassifier creates a Classifier matching markers case-insensitively.
// With no markers DefaultTechnicalMarkers is used.
func NewClassifier(markers ...string) *Classifier {
	if len(markers) == 0 {
		markers = DefaultTechnicalMarkers
	}
	lower := make([]string, 0, len(markers))
	for _, m := range markers {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			lower = append(lower, m)
		}
	}
	return &Classifier{markers: lower}
}

// Classify returns SUCCESS for a successful record, PENDING when the
// failure looks technical, and FAILED otherwise.
func (c *Classifier) Classify(rec *model.TaskRecord) string {
	if rec.State == model.StateSuccess {
		return model.StateSuccess
	}
	if c.IsTechnical(rec.Traceback) {
		return model.StatePending
	}
	return model.StateFailed
}

// IsTechnical reports whether text contains a technical marker.
func (c *Classifier) IsTechnical(text string) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, m := range c.markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
