package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/simrelay/internal/executor"
	"github.com/seantiz/simrelay/internal/model"
	"github.com/seantiz/simrelay/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 8 << 20 // 8 MB
)

// listJobsResponse wraps the paginated list response.
type listJobsResponse struct {
	Jobs   []*model.Job `json:"jobs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// handleSubmitJob accepts a raw JSON body: an object becomes a single job,
// an array becomes a batch job split into sub-batches. mode=single submits an
// array as one pre-grouped simulation instead.
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	items, isArray, err := model.SplitItems(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(items) == 0 {
		s.writeError(w, http.StatusBadRequest, "at least one item is required")
		return
	}

	kind, err := model.KindFor(isArray, r.URL.Query().Get("mode"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job := &model.Job{
		Kind:      kind,
		Payload:   json.RawMessage(body),
		ItemCount: len(items),
	}

	if err := s.engine.Submit(r.Context(), job); err != nil {
		if errors.Is(err, executor.ErrUnknownKind) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("submit job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit job")
		return
	}

	s.writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	jobs, total, err := s.store.ListJobs(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	if jobs == nil {
		jobs = []*model.Job{}
	}

	s.writeJSON(w, http.StatusOK, listJobsResponse{
		Jobs:   jobs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// failuresResponse is the JSON response for GET /v1/jobs/{id}/failures.
type failuresResponse struct {
	JobID string            `json:"job_id"`
	Items []json.RawMessage `json:"items"`
}

func (s *Server) handleListFailures(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetJob(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("get job for failures", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	items, err := s.store.ListFailedSimulations(r.Context(), id)
	if err != nil {
		s.logger.Error("list failed simulations", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list failures")
		return
	}
	if items == nil {
		items = []json.RawMessage{}
	}

	s.writeJSON(w, http.StatusOK, failuresResponse{JobID: id, Items: items})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
