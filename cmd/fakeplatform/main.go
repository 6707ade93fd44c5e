// fakeplatform serves a stub simulation platform and status API for local
// runs and E2E testing of simrelay.
// Usage: go run ./cmd/fakeplatform
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/seantiz/simrelay/internal/model"
)

const sessionCookie = "sid=fake"

// fakePlatform answers logins, accepts simulations, makes callers poll a
// progress location pendingPolls times, and collects delivered status updates.
type fakePlatform struct {
	apiKey       string
	pendingPolls int
	logger       *slog.Logger

	mu      sync.Mutex
	nextID  int
	sims    map[string]*simulation
	updates []model.StatusUpdate
}

type simulation struct {
	polls  int
	result model.SimulationResult
}

func (f *fakePlatform) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/login", f.handleLogin)
	r.Group(func(r chi.Router) {
		r.Use(f.requireSession)
		r.Post("/simulations", f.handleSimulate)
		r.Get("/simulations/{id}/progress", f.handleProgress)
		r.Get("/simulations/{id}", f.handleGet)
	})
	r.Post("/status", f.handleStatus)
	r.Get("/status", f.handleListStatus)
	return r
}

func (f *fakePlatform) handleLogin(w http.ResponseWriter, r *http.Request) {
	if f.apiKey != "" && r.Header.Get("X-API-Key") != f.apiKey {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"cookie": sessionCookie})
}

func (f *fakePlatform) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Cookie") != sessionCookie {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleSimulate turns an object into one simulation and an array into a
// parent simulation with one child per item.
func (f *fakePlatform) handleSimulate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	items, isArray, err := model.SplitItems(body)
	if err != nil || len(items) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": []map[string]string{{"msg": "invalid payload"}}})
		return
	}

	f.mu.Lock()
	id := f.newSimLocked(model.SimComplete)
	if isArray {
		parent := f.sims[id]
		parent.result.Status = ""
		for range items {
			parent.result.Children = append(parent.result.Children, f.newSimLocked(model.SimComplete))
		}
	}
	f.mu.Unlock()

	f.logger.Info("simulation accepted", "id", id, "items", len(items))
	w.Header().Set("Location", "/simulations/"+id+"/progress")
	w.WriteHeader(http.StatusCreated)
}

func (f *fakePlatform) newSimLocked(status string) string {
	f.nextID++
	id := fmt.Sprintf("sim-%d", f.nextID)
	f.sims[id] = &simulation{result: model.SimulationResult{ID: id, Status: status}}
	return id
}

func (f *fakePlatform) handleProgress(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	sim, ok := f.sims[chi.URLParam(r, "id")]
	if !ok {
		f.mu.Unlock()
		w.WriteHeader(http.StatusNotFound)
		return
	}
	sim.polls++
	pending := sim.polls <= f.pendingPolls
	result := sim.result
	f.mu.Unlock()

	if pending {
		w.Header().Set("Retry-After", "0.1")
		writeJSON(w, http.StatusOK, map[string]float64{"progress": 0.5})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (f *fakePlatform) handleGet(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	sim, ok := f.sims[chi.URLParam(r, "id")]
	f.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sim.result)
}

func (f *fakePlatform) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Updates []model.StatusUpdate `json:"updates"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.updates = append(f.updates, req.Updates...)
	f.mu.Unlock()

	f.logger.Info("status updates received", "count", len(req.Updates), "idempotency_key", r.Header.Get("Idempotency-Key"))
	w.WriteHeader(http.StatusOK)
}

func (f *fakePlatform) handleListStatus(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	updates := append([]model.StatusUpdate{}, f.updates...)
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, updates)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func main() {
	addr := ":9090"
	if v := os.Getenv("FAKEPLATFORM_LISTEN_ADDR"); v != "" {
		addr = v
	}
	pendingPolls := 1
	if v := os.Getenv("FAKEPLATFORM_PENDING_POLLS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			log.Fatalf("invalid FAKEPLATFORM_PENDING_POLLS: %v", err)
		}
		pendingPolls = n
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	f := &fakePlatform{
		apiKey:       os.Getenv("FAKEPLATFORM_API_KEY"),
		pendingPolls: pendingPolls,
		logger:       logger,
		sims:         make(map[string]*simulation),
	}

	logger.Info("fakeplatform: starting", "addr", addr, "pending_polls", pendingPolls)
	if err := http.ListenAndServe(addr, f.routes()); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
