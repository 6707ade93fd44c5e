package api

import (
	"errors"
	"net/http"

	"github.com/seantiz/simrelay/internal/model"
	"github.com/seantiz/simrelay/internal/reconcile"
	"github.com/seantiz/simrelay/internal/statusapi"
	"github.com/seantiz/simrelay/internal/store"
)

const defaultRecordPageSize = 50

// listRecordsResponse is one page of task records.
type listRecordsResponse struct {
	Records       []*model.TaskRecord `json:"records"`
	NextPageToken string              `json:"next_page_token,omitempty"`
	HasMore       bool                `json:"has_more"`
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pageSize := parseIntQuery(r, "page_size", defaultRecordPageSize)
	if pageSize <= 0 || pageSize > reconcile.DefaultPageSize {
		pageSize = defaultRecordPageSize
	}

	filter := store.RecordFilter{State: q.Get("state"), TaskID: q.Get("task_id")}
	records, next, hasMore, err := s.store.ListRecords(r.Context(), filter, pageSize, q.Get("page_token"))
	if err != nil {
		s.logger.Error("list records", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list records")
		return
	}

	if records == nil {
		records = []*model.TaskRecord{}
	}
	resp := listRecordsResponse{Records: records, HasMore: hasMore}
	if hasMore {
		resp.NextPageToken = next
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if s.reconciler == nil {
		s.writeError(w, http.StatusServiceUnavailable, "status endpoint not configured")
		return
	}

	report, err := s.reconciler.Trigger(r.Context())
	switch {
	case errors.Is(err, reconcile.ErrBusy):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, statusapi.ErrRejected):
		s.writeError(w, http.StatusBadGateway, err.Error())
	case err != nil:
		s.logger.Error("reconcile", "error", err)
		s.writeError(w, http.StatusInternalServerError, "reconciliation failed")
	default:
		s.writeJSON(w, http.StatusOK, report)
	}
}
