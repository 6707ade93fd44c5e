package e2e

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	startupTimeout = 20 * time.Second
	jobTimeout     = 20 * time.Second
	pollInterval   = 100 * time.Millisecond
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// proc holds a running subprocess and its output.
type proc struct {
	cmd    *exec.Cmd
	stdout *lockedBuffer
	url    string
}

var (
	binDir    string
	buildOnce sync.Once
	buildErr  error
)

// getBinaries builds simrelay and fakeplatform once per test run.
func getBinaries(t *testing.T) (simrelay, fakeplatform string) {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "simrelay-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		root := findRepoRoot(t)
		for _, name := range []string{"simrelay", "fakeplatform"} {
			cmd := exec.Command("go", "build", "-o", filepath.Join(dir, name), "./cmd/"+name)
			cmd.Dir = root
			if out, err := cmd.CombinedOutput(); err != nil {
				buildErr = fmt.Errorf("go build %s failed: %w\n%s", name, err, out)
				return
			}
		}
		binDir = dir
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return filepath.Join(binDir, "simrelay"), filepath.Join(binDir, "fakeplatform")
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// startProc runs binary with env and waits until readyPath answers 200.
func startProc(t *testing.T, binary string, args []string, env []string, addr, readyPath string) *proc {
	t.Helper()

	stdout := &lockedBuffer{}
	cmd := exec.Command(binary, args...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start %s: %v", binary, err)
	}

	p := &proc{cmd: cmd, stdout: stdout, url: "http://" + addr}

	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(p.url + readyPath)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return p
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("%s did not become ready within %v\noutput:\n%s", binary, startupTimeout, stdout.String())
	return nil
}

type stack struct {
	relay    *proc
	platform *proc
}

// startStack starts a fake platform and a simrelay server pointed at it.
func startStack(t *testing.T) *stack {
	t.Helper()
	simrelay, fakeplatform := getBinaries(t)

	platformAddr := freeAddr(t)
	platform := startProc(t, fakeplatform, nil, []string{
		"FAKEPLATFORM_LISTEN_ADDR=" + platformAddr,
		"FAKEPLATFORM_API_KEY=e2e-key",
		"FAKEPLATFORM_PENDING_POLLS=2",
	}, platformAddr, "/status")

	relayAddr := freeAddr(t)
	relay := startProc(t, simrelay, []string{"serve"}, []string{
		"SIMRELAY_LISTEN_ADDR=" + relayAddr,
		"SIMRELAY_DB_PATH=" + filepath.Join(t.TempDir(), "e2e.db"),
		"SIMRELAY_LOG_LEVEL=info",
		"SIMRELAY_PLATFORM_DOMAIN=" + platform.url,
		"SIMRELAY_PLATFORM_API_KEY=e2e-key",
		"SIMRELAY_STATUS_ENDPOINT=" + platform.url + "/status",
		"SIMRELAY_STATUS_API_KEY=status-key",
		"SIMRELAY_UNEXPECTED_DELAY=0s",
		"SIMRELAY_LOGIN_BASE_DELAY=0s",
	}, relayAddr, "/healthz")

	return &stack{relay: relay, platform: platform}
}

func (s *stack) submit(t *testing.T, query, body string) map[string]any {
	t.Helper()
	resp, err := http.Post(s.relay.url+"/v1/jobs"+query, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/jobs: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want 202: %s", resp.StatusCode, b)
	}
	var job map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	return job
}

func (s *stack) waitFinished(t *testing.T, id string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(jobTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(s.relay.url + "/v1/jobs/" + id)
		if err != nil {
			t.Fatalf("GET job: %v", err)
		}
		var job map[string]any
		json.NewDecoder(resp.Body).Decode(&job)
		resp.Body.Close()

		if status := job["status"]; status == "completed" || status == "failed" {
			return job
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("job %s did not finish within %v\noutput:\n%s", id, jobTimeout, s.relay.stdout.String())
	return nil
}

func TestHealthzReportsReconcile(t *testing.T) {
	s := startStack(t)

	resp, err := http.Get(s.relay.url + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["reconcile"] != true {
		t.Errorf("reconcile = %v, want true", body["reconcile"])
	}
}

func TestSingleJobCompletes(t *testing.T) {
	s := startStack(t)

	job := s.submit(t, "", `{"expr":"close","window":5}`)
	if job["kind"] != "single" {
		t.Errorf("kind = %v, want single", job["kind"])
	}

	done := s.waitFinished(t, job["id"].(string))
	if done["status"] != "completed" {
		t.Fatalf("status = %v, error = %v", done["status"], done["error"])
	}
	if _, ok := done["error"]; ok {
		t.Errorf("unexpected error: %v", done["error"])
	}
}

func TestBatchJobThenReconcile(t *testing.T) {
	s := startStack(t)

	items := make([]string, 12)
	for i := range items {
		items[i] = fmt.Sprintf(`{"n":%d}`, i)
	}
	job := s.submit(t, "", "["+strings.Join(items, ",")+"]")
	done := s.waitFinished(t, job["id"].(string))
	if done["status"] != "completed" {
		t.Fatalf("status = %v, error = %v", done["status"], done["error"])
	}

	resp, err := http.Get(s.relay.url + "/v1/records?task_id=" + job["id"].(string))
	if err != nil {
		t.Fatalf("GET /v1/records: %v", err)
	}
	var page struct {
		Records []map[string]any `json:"records"`
	}
	json.NewDecoder(resp.Body).Decode(&page)
	resp.Body.Close()
	if len(page.Records) != 2 {
		t.Fatalf("records = %d, want 2 sub-batches", len(page.Records))
	}

	resp, err = http.Post(s.relay.url+"/v1/reconcile", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /v1/reconcile: %v", err)
	}
	var report map[string]float64
	json.NewDecoder(resp.Body).Decode(&report)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reconcile status = %d\noutput:\n%s", resp.StatusCode, s.relay.stdout.String())
	}
	if report["updates"] != 12 || report["deleted"] != 2 {
		t.Errorf("report = %v, want 12 updates and 2 deletions", report)
	}

	resp, err = http.Get(s.platform.url + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	var updates []map[string]string
	json.NewDecoder(resp.Body).Decode(&updates)
	resp.Body.Close()
	if len(updates) != 12 {
		t.Fatalf("delivered updates = %d, want 12", len(updates))
	}
	for _, u := range updates {
		if u["status"] != "SUCCESS" {
			t.Errorf("update %s status = %s, want SUCCESS", u["record_id"], u["status"])
		}
	}
}

func TestEventStreamEndsWithDone(t *testing.T) {
	s := startStack(t)

	job := s.submit(t, "", `[{"n":1},{"n":2}]`)

	resp, err := http.Get(s.relay.url + "/v1/jobs/" + job["id"].(string) + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	var last string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if name, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
			last = name
		}
	}
	if last != "done" {
		t.Errorf("last event = %q, want done", last)
	}
}

func TestMetricsExposed(t *testing.T) {
	s := startStack(t)

	job := s.submit(t, "", `{"n":1}`)
	s.waitFinished(t, job["id"].(string))

	resp, err := http.Get(s.relay.url + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, name := range []string{
		"simrelay_jobs_total",
		"simrelay_submissions_total",
		"simrelay_http_requests_total",
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics missing %s", name)
		}
	}
}

func TestStructuredJSONLogs(t *testing.T) {
	s := startStack(t)

	http.Get(s.relay.url + "/healthz")
	time.Sleep(200 * time.Millisecond)

	var sawStart bool
	for _, line := range strings.Split(strings.TrimSpace(s.relay.stdout.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Errorf("non-JSON log line: %q", line)
			continue
		}
		if entry["msg"] == "simrelay: starting" {
			sawStart = true
		}
	}
	if !sawStart {
		t.Error("missing startup log line")
	}
}
