package api

import (
	"net/http"
)

type healthResponse struct {
	Status    string `json:"status"`
	Reconcile bool   `json:"reconcile"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Reconcile: s.reconciler != nil,
	})
}
