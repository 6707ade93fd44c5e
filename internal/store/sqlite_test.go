package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/seantiz/simrelay/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestJob() *model.Job {
	return &model.Job{
		ID:        model.NewID(),
		Kind:      model.KindBatch,
		Status:    model.JobPending,
		Payload:   json.RawMessage(`[{"a":1},{"a":2}]`),
		ItemCount: 2,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func makeTestRecord(taskID, state string) *model.TaskRecord {
	return &model.TaskRecord{
		ID:      model.NewID(),
		TaskID:  taskID,
		Input:   json.RawMessage(`{"expr":"close"}`),
		State:   state,
		Success: state == model.StateSuccess,
	}
}

func TestCreateAndGetJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	j := makeTestJob()

	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}

	if got.ID != j.ID {
		t.Errorf("ID = %q, want %q", got.ID, j.ID)
	}
	if got.Kind != j.Kind {
		t.Errorf("Kind = %q, want %q", got.Kind, j.Kind)
	}
	if got.Status != j.Status {
		t.Errorf("Status = %q, want %q", got.Status, j.Status)
	}
	if string(got.Payload) != string(j.Payload) {
		t.Errorf("Payload = %s, want %s", got.Payload, j.Payload)
	}
	if got.ItemCount != 2 {
		t.Errorf("ItemCount = %d, want 2", got.ItemCount)
	}
	if got.StartedAt != nil {
		t.Errorf("StartedAt = %v, want nil", got.StartedAt)
	}
}

func TestGetJobNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetJob(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetJob error = %v, want ErrNotFound", err)
	}
}

func TestListJobsPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		j := makeTestJob()
		j.CreatedAt = time.Date(2026, 1, 1+i, 0, 0, 0, 0, time.UTC)
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob[%d]: %v", i, err)
		}
	}

	jobs, total, err := s.ListJobs(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(jobs) != 2 {
		t.Fatalf("len(jobs) = %d, want 2", len(jobs))
	}
	if jobs[0].CreatedAt.Before(jobs[1].CreatedAt) {
		t.Errorf("jobs not in DESC order: %v before %v", jobs[0].CreatedAt, jobs[1].CreatedAt)
	}

	jobs2, _, err := s.ListJobs(ctx, 2, 4)
	if err != nil {
		t.Fatalf("ListJobs page 3: %v", err)
	}
	if len(jobs2) != 1 {
		t.Errorf("len(jobs) page 3 = %d, want 1", len(jobs2))
	}
}

func TestListJobsEmpty(t *testing.T) {
	s := newTestStore(t)

	jobs, total, err := s.ListJobs(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if total != 0 {
		t.Errorf("total = %d, want 0", total)
	}
	if jobs != nil {
		t.Errorf("jobs = %v, want nil", jobs)
	}
}

func TestUpdateJobStatusLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	j := makeTestJob()

	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if err := s.UpdateJobStatus(ctx, j.ID, model.JobRunning); err != nil {
		t.Fatalf("pending→running: %v", err)
	}
	got, _ := s.GetJob(ctx, j.ID)
	if got.Status != model.JobRunning {
		t.Errorf("Status = %q, want %q", got.Status, model.JobRunning)
	}
	if got.StartedAt == nil {
		t.Error("StartedAt is nil, expected it to be set for running status")
	}

	if err := s.UpdateJobStatus(ctx, j.ID, model.JobCompleted); err != nil {
		t.Fatalf("running→completed: %v", err)
	}
	got, _ = s.GetJob(ctx, j.ID)
	if got.Status != model.JobCompleted {
		t.Errorf("Status = %q, want %q", got.Status, model.JobCompleted)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt is nil, expected it to be set for completed status")
	}
}

func TestUpdateJobStatusInvalidTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		from, to string
	}{
		{"pending→completed", model.JobPending, model.JobCompleted},
		{"completed→running", model.JobCompleted, model.JobRunning},
		{"failed→pending", model.JobFailed, model.JobPending},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			j := makeTestJob()
			j.Status = tc.from
			if err := s.CreateJob(ctx, j); err != nil {
				t.Fatalf("CreateJob: %v", err)
			}

			err := s.UpdateJobStatus(ctx, j.ID, tc.to)
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("got error %v, want ErrInvalidTransition", err)
			}
		})
	}
}

func TestUpdateJobStatusNotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateJobStatus(context.Background(), "nonexistent", model.JobRunning)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateJobStatus error = %v, want ErrNotFound", err)
	}
}

func TestUpdateJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	j := makeTestJob()

	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.UpdateJobStatus(ctx, j.ID, model.JobRunning); err != nil {
		t.Fatalf("UpdateJobStatus: %v", err)
	}

	dur := 1500
	now := time.Now().UTC().Truncate(time.Second)
	j.Status = model.JobFailed
	j.Error = "store unavailable"
	j.DurationMS = &dur
	j.FinishedAt = &now
	if err := s.UpdateJob(ctx, j); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	got, _ := s.GetJob(ctx, j.ID)
	if got.Status != model.JobFailed {
		t.Errorf("Status = %q, want %q", got.Status, model.JobFailed)
	}
	if got.Error != "store unavailable" {
		t.Errorf("Error = %q, want %q", got.Error, "store unavailable")
	}
	if got.DurationMS == nil || *got.DurationMS != 1500 {
		t.Errorf("DurationMS = %v, want 1500", got.DurationMS)
	}
}

func TestUpdateJobInvalidTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	j := makeTestJob()

	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	j.Status = model.JobCompleted
	if err := s.UpdateJob(ctx, j); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("UpdateJob error = %v, want ErrInvalidTransition", err)
	}
}

func TestGetJobStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		j := makeTestJob()
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
		if i < 2 {
			if err := s.UpdateJobStatus(ctx, j.ID, model.JobRunning); err != nil {
				t.Fatalf("UpdateJobStatus running: %v", err)
			}
			if err := s.UpdateJobStatus(ctx, j.ID, model.JobCompleted); err != nil {
				t.Fatalf("UpdateJobStatus completed: %v", err)
			}
			dur := 100 + i*100 // 100, 200
			if _, err := s.db.ExecContext(ctx,
				"UPDATE jobs SET duration_ms = ? WHERE id = ?", dur, j.ID); err != nil {
				t.Fatalf("set duration: %v", err)
			}
		}
	}

	single := makeTestJob()
	single.Kind = model.KindSingle
	if err := s.CreateJob(ctx, single); err != nil {
		t.Fatalf("CreateJob (single): %v", err)
	}
	if err := s.PersistRecord(ctx, makeTestRecord("t1", model.StateFailed)); err != nil {
		t.Fatalf("PersistRecord: %v", err)
	}
	if err := s.SaveFailedSimulation(ctx, "t1", []json.RawMessage{json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("SaveFailedSimulation: %v", err)
	}

	stats, err := s.GetJobStats(ctx)
	if err != nil {
		t.Fatalf("GetJobStats: %v", err)
	}

	if stats.Total != 4 {
		t.Errorf("Total = %d, want 4", stats.Total)
	}
	if stats.CountByStatus[model.JobCompleted] != 2 {
		t.Errorf("completed count = %d, want 2", stats.CountByStatus[model.JobCompleted])
	}
	if stats.CountByStatus[model.JobPending] != 2 {
		t.Errorf("pending count = %d, want 2", stats.CountByStatus[model.JobPending])
	}
	if stats.CountByKind[model.KindBatch] != 3 {
		t.Errorf("batch count = %d, want 3", stats.CountByKind[model.KindBatch])
	}
	if stats.CountByKind[model.KindSingle] != 1 {
		t.Errorf("single count = %d, want 1", stats.CountByKind[model.KindSingle])
	}
	if stats.AvgDurationMS != 150 {
		t.Errorf("AvgDurationMS = %f, want 150", stats.AvgDurationMS)
	}
	if stats.Records != 1 {
		t.Errorf("Records = %d, want 1", stats.Records)
	}
	if stats.Failures != 1 {
		t.Errorf("Failures = %d, want 1", stats.Failures)
	}
}

func TestGetJobStatsEmpty(t *testing.T) {
	s := newTestStore(t)

	stats, err := s.GetJobStats(context.Background())
	if err != nil {
		t.Fatalf("GetJobStats: %v", err)
	}
	if stats.Total != 0 {
		t.Errorf("Total = %d, want 0", stats.Total)
	}
	if stats.AvgDurationMS != 0 {
		t.Errorf("AvgDurationMS = %f, want 0", stats.AvgDurationMS)
	}
}

func TestPersistAndListRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := makeTestRecord("task-1", model.StateFailed)
	r.Response = json.RawMessage(`{"status":"ERROR"}`)
	r.Traceback = "ConnectionError: refused"
	if err := s.PersistRecord(ctx, r); err != nil {
		t.Fatalf("PersistRecord: %v", err)
	}

	records, next, hasMore, err := s.ListRecords(ctx, RecordFilter{}, 10, "")
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if hasMore {
		t.Error("hasMore = true, want false")
	}
	if len(records) != 1 {
		t.Fatalf("len(records) = %d, want 1", len(records))
	}
	got := records[0]
	if next != got.ID {
		t.Errorf("next = %q, want %q", next, got.ID)
	}
	if got.TaskID != "task-1" || got.State != model.StateFailed || got.Success {
		t.Errorf("record = %+v", got)
	}
	if string(got.Input) != `{"expr":"close"}` {
		t.Errorf("Input = %s", got.Input)
	}
	if string(got.Response) != `{"status":"ERROR"}` {
		t.Errorf("Response = %s", got.Response)
	}
	if got.Traceback != "ConnectionError: refused" {
		t.Errorf("Traceback = %q", got.Traceback)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt is zero")
	}
}

func TestPersistRecordAssignsID(t *testing.T) {
	s := newTestStore(t)
	r := &model.TaskRecord{TaskID: "t", Input: json.RawMessage(`{}`), State: model.StatePending}

	if err := s.PersistRecord(context.Background(), r); err != nil {
		t.Fatalf("PersistRecord: %v", err)
	}
	if r.ID == "" {
		t.Error("ID not assigned")
	}
}

func TestListRecordsNullResponse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.PersistRecord(ctx, makeTestRecord("t", model.StateFailed)); err != nil {
		t.Fatalf("PersistRecord: %v", err)
	}
	records, _, _, err := s.ListRecords(ctx, RecordFilter{}, 10, "")
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if records[0].Response != nil {
		t.Errorf("Response = %s, want nil", records[0].Response)
	}
}

func TestListRecordsPaging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const n = 7
	for i := 0; i < n; i++ {
		if err := s.PersistRecord(ctx, makeTestRecord(fmt.Sprintf("t%d", i), model.StateSuccess)); err != nil {
			t.Fatalf("PersistRecord[%d]: %v", i, err)
		}
	}

	var (
		seen  = map[string]bool{}
		token string
		pages int
	)
	for {
		records, next, hasMore, err := s.ListRecords(ctx, RecordFilter{}, 3, token)
		if err != nil {
			t.Fatalf("ListRecords: %v", err)
		}
		pages++
		for _, r := range records {
			if seen[r.ID] {
				t.Errorf("record %s returned twice", r.ID)
			}
			seen[r.ID] = true
		}
		if !hasMore {
			break
		}
		token = next
	}

	if len(seen) != n {
		t.Errorf("saw %d records, want %d", len(seen), n)
	}
	if pages != 3 {
		t.Errorf("pages = %d, want 3", pages)
	}
}

func TestListRecordsExactPage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.PersistRecord(ctx, makeTestRecord("t", model.StateSuccess)); err != nil {
			t.Fatalf("PersistRecord: %v", err)
		}
	}

	records, _, hasMore, err := s.ListRecords(ctx, RecordFilter{}, 3, "")
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if len(records) != 3 || hasMore {
		t.Errorf("len = %d hasMore = %v, want 3 false", len(records), hasMore)
	}
}

func TestListRecordsFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, r := range []*model.TaskRecord{
		makeTestRecord("a", model.StateSuccess),
		makeTestRecord("a", model.StateFailed),
		makeTestRecord("b", model.StateFailed),
	} {
		if err := s.PersistRecord(ctx, r); err != nil {
			t.Fatalf("PersistRecord: %v", err)
		}
	}

	failed, _, _, err := s.ListRecords(ctx, RecordFilter{State: model.StateFailed}, 10, "")
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if len(failed) != 2 {
		t.Errorf("failed records = %d, want 2", len(failed))
	}

	fromA, _, _, err := s.ListRecords(ctx, RecordFilter{TaskID: "a", State: model.StateFailed}, 10, "")
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if len(fromA) != 1 {
		t.Errorf("task a failed records = %d, want 1", len(fromA))
	}
}

func TestUpdateRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestRecord("t", model.StatePending)

	if err := s.PersistRecord(ctx, r); err != nil {
		t.Fatalf("PersistRecord: %v", err)
	}

	state := model.StateSuccess
	success := true
	if err := s.UpdateRecord(ctx, r.ID, RecordPatch{
		State:    &state,
		Success:  &success,
		Response: json.RawMessage(`{"status":"COMPLETE"}`),
	}); err != nil {
		t.Fatalf("UpdateRecord: %v", err)
	}

	records, _, _, _ := s.ListRecords(ctx, RecordFilter{}, 10, "")
	got := records[0]
	if got.State != model.StateSuccess || !got.Success {
		t.Errorf("record = %+v", got)
	}
	if string(got.Response) != `{"status":"COMPLETE"}` {
		t.Errorf("Response = %s", got.Response)
	}
}

func TestUpdateRecordNotFound(t *testing.T) {
	s := newTestStore(t)
	state := model.StateFailed

	err := s.UpdateRecord(context.Background(), "missing", RecordPatch{State: &state})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateRecord error = %v, want ErrNotFound", err)
	}
}

func TestDeleteRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		r := makeTestRecord("t", model.StateSuccess)
		if err := s.PersistRecord(ctx, r); err != nil {
			t.Fatalf("PersistRecord: %v", err)
		}
		ids = append(ids, r.ID)
	}

	n, err := s.DeleteRecords(ctx, append(ids[:3:3], "unknown"))
	if err != nil {
		t.Fatalf("DeleteRecords: %v", err)
	}
	if n != 3 {
		t.Errorf("deleted = %d, want 3", n)
	}

	records, _, _, _ := s.ListRecords(ctx, RecordFilter{}, 10, "")
	if len(records) != 1 || records[0].ID != ids[3] {
		t.Errorf("remaining = %v, want [%s]", records, ids[3])
	}

	n, err = s.DeleteRecords(ctx, nil)
	if err != nil || n != 0 {
		t.Errorf("DeleteRecords(nil) = %d, %v", n, err)
	}
}

func TestSaveFailedSimulation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	items := []json.RawMessage{
		json.RawMessage(`{"expr":"a"}`),
		json.RawMessage(`{"expr":"b"}`),
	}
	if err := s.SaveFailedSimulation(ctx, "task-9", items); err != nil {
		t.Fatalf("SaveFailedSimulation: %v", err)
	}

	got, err := s.ListFailedSimulations(ctx, "task-9")
	if err != nil {
		t.Fatalf("ListFailedSimulations: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	for i := range items {
		if string(got[i]) != string(items[i]) {
			t.Errorf("item[%d] = %s, want %s", i, got[i], items[i])
		}
	}

	other, _ := s.ListFailedSimulations(ctx, "task-other")
	if len(other) != 0 {
		t.Errorf("other task items = %d, want 0", len(other))
	}
}

func TestMigrationIdempotency(t *testing.T) {
	path := filepath.Join(t.TempDir(), "simrelay.db")

	s1, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("first NewSQLiteStore: %v", err)
	}
	j := makeTestJob()
	if err := s1.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	s1.Close()

	s2, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("second NewSQLiteStore: %v", err)
	}
	defer s2.Close()

	if _, err := s2.GetJob(context.Background(), j.ID); err != nil {
		t.Errorf("GetJob after reopen: %v", err)
	}
}
