package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seantiz/simrelay/internal/engine"
	"github.com/seantiz/simrelay/internal/executor"
	"github.com/seantiz/simrelay/internal/guard"
	"github.com/seantiz/simrelay/internal/model"
	"github.com/seantiz/simrelay/internal/reconcile"
	"github.com/seantiz/simrelay/internal/store"
)

// stubExecutor finishes every job after delay without contacting a platform.
type stubExecutor struct {
	kind  string
	delay time.Duration
}

func (s stubExecutor) Kind() string { return s.kind }

func (s stubExecutor) Execute(ctx context.Context, _ *model.Job) (executor.Result, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return executor.Result{}, ctx.Err()
	}
	return executor.Result{Submissions: 1, Succeeded: 1}, nil
}

// stubReconciler returns a fixed report or error.
type stubReconciler struct {
	report reconcile.Report
	err    error
	calls  int
}

func (s *stubReconciler) Trigger(context.Context) (reconcile.Report, error) {
	s.calls++
	return s.report, s.err
}

func newTestServerWith(t *testing.T, delay time.Duration, rec Reconciler) *Server {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	reg := executor.NewRegistry(
		stubExecutor{kind: model.KindBatch, delay: delay},
		stubExecutor{kind: model.KindSingle, delay: delay},
	)
	eng := engine.NewEngine(s, reg, guard.New(logger), time.Minute, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})
	return NewServer(":0", s, eng, rec, logger)
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return newTestServerWith(t, 0, nil)
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/test")
	if err != nil {
		t.Fatalf("GET /test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	// chi middleware.RequestID does not set X-Request-Id on the response by default,
	// but it sets it in the request context. Verify the middleware is active by
	// checking the request was processed successfully.
}

func TestPanicRecovery(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/panic")
	if err != nil {
		t.Fatalf("GET /panic: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestCORSHeaders(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest("OPTIONS", ts.URL+"/test", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /test: %v", err)
	}
	defer resp.Body.Close()

	if v := resp.Header.Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
	}
}
