package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/simrelay/internal/model"

	_ "modernc.org/sqlite"
)

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
    id          TEXT PRIMARY KEY,
    kind        TEXT NOT NULL,
    status      TEXT NOT NULL,
    payload     TEXT NOT NULL,
    item_count  INTEGER NOT NULL,
    error       TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER,
    created_at  DATETIME NOT NULL,
    started_at  DATETIME,
    finished_at DATETIME
)`

const createTaskRecordsTable = `
CREATE TABLE IF NOT EXISTS task_records (
    id            TEXT PRIMARY KEY,
    task_id       TEXT NOT NULL,
    input         TEXT NOT NULL,
    response_json TEXT,
    state         TEXT NOT NULL,
    success       INTEGER NOT NULL,
    traceback     TEXT NOT NULL DEFAULT '',
    error         TEXT NOT NULL DEFAULT '',
    exception     TEXT NOT NULL DEFAULT '',
    created_at    DATETIME NOT NULL
)`

const createTaskRecordsIndex = `
CREATE INDEX IF NOT EXISTS idx_task_records_task_id ON task_records (task_id)`

const createFailedSimulationsTable = `
CREATE TABLE IF NOT EXISTS failed_simulations (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id    TEXT NOT NULL,
    item       TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`

const jobColumns = `id, kind, status, payload, item_count, error, duration_ms,
	created_at, started_at, finished_at`

const recordColumns = `id, task_id, input, response_json, state, success,
	traceback, error, exception, created_at`

// deleteChunk bounds the number of bound parameters per DELETE statement.
const deleteChunk = 500

// ErrNotFound is returned when a job or record is not found.
var ErrNotFound = errors.New("not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A second pooled connection to ":memory:" would see an empty database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	migrations := []struct {
		name string
		stmt string
	}{
		{"jobs table", createJobsTable},
		{"task_records table", createTaskRecordsTable},
		{"task_records index", createTaskRecordsIndex},
		{"failed_simulations table", createFailedSimulationsTable},
	}
	for _, m := range migrations {
		if _, err := db.Exec(m.stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create %s: %w", m.name, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	j := &model.Job{}
	var payload string
	err := row.Scan(
		&j.ID, &j.Kind, &j.Status, &payload, &j.ItemCount, &j.Error, &j.DurationMS,
		&j.CreatedAt, &j.StartedAt, &j.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Payload = json.RawMessage(payload)
	return j, nil
}

func scanRecord(row rowScanner) (*model.TaskRecord, error) {
	r := &model.TaskRecord{}
	var input string
	var response sql.NullString
	err := row.Scan(
		&r.ID, &r.TaskID, &input, &response, &r.State, &r.Success,
		&r.Traceback, &r.Error, &r.Exception, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Input = json.RawMessage(input)
	if response.Valid {
		r.Response = json.RawMessage(response.String)
	}
	return r, nil
}

// CreateJob inserts a new job.
func (s *SQLiteStore) CreateJob(ctx context.Context, j *model.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Kind, j.Status, string(j.Payload), j.ItemCount, j.Error, j.DurationMS,
		j.CreatedAt, j.StartedAt, j.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListJobs returns a page of jobs ordered by created_at DESC, along with the
// total count of all jobs.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, total, nil
}

func isTerminal(status string) bool {
	return status == model.JobCompleted || status == model.JobFailed
}

// currentStatus reads a job's status inside tx.
func currentStatus(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	var status string
	err := tx.QueryRowContext(ctx, "SELECT status FROM jobs WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read job status: %w", err)
	}
	return status, nil
}

// UpdateJobStatus moves a job to status. Moving to running sets started_at;
// terminal statuses set finished_at.
func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentStatus(ctx, tx, id)
	if err != nil {
		return err
	}
	if !model.ValidTransition(from, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, status)
	}

	now := time.Now().UTC()
	switch {
	case status == model.JobRunning:
		_, err = tx.ExecContext(ctx,
			"UPDATE jobs SET status = ?, started_at = ? WHERE id = ?", status, now, id)
	case isTerminal(status):
		_, err = tx.ExecContext(ctx,
			"UPDATE jobs SET status = ?, finished_at = ? WHERE id = ?", status, now, id)
	default:
		_, err = tx.ExecContext(ctx, "UPDATE jobs SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}

	return tx.Commit()
}

// UpdateJob writes the mutable fields of j. A status change must be a valid
// transition.
func (s *SQLiteStore) UpdateJob(ctx context.Context, j *model.Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentStatus(ctx, tx, j.ID)
	if err != nil {
		return err
	}
	if from != j.Status && !model.ValidTransition(from, j.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, j.Status)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error = ?, duration_ms = ?, started_at = ?, finished_at = ?
		WHERE id = ?`,
		j.Status, j.Error, j.DurationMS, j.StartedAt, j.FinishedAt, j.ID,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	return tx.Commit()
}

// GetJobStats aggregates job counts, average duration of completed jobs and
// the sizes of the record and failure tables.
func (s *SQLiteStore) GetJobStats(ctx context.Context) (*JobStats, error) {
	stats := &JobStats{
		CountByStatus: map[string]int{},
		CountByKind:   map[string]int{},
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	groups := []struct {
		column string
		into   map[string]int
	}{
		{"status", stats.CountByStatus},
		{"kind", stats.CountByKind},
	}
	for _, g := range groups {
		rows, err := tx.QueryContext(ctx,
			"SELECT "+g.column+", COUNT(*) FROM jobs GROUP BY "+g.column)
		if err != nil {
			return nil, fmt.Errorf("count jobs by %s: %w", g.column, err)
		}
		for rows.Next() {
			var key string
			var n int
			if err := rows.Scan(&key, &n); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan %s count: %w", g.column, err)
			}
			g.into[key] = n
			if g.column == "status" {
				stats.Total += n
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterate %s counts: %w", g.column, err)
		}
		rows.Close()
	}

	var avg sql.NullFloat64
	if err := tx.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM jobs WHERE status = ? AND duration_ms IS NOT NULL",
		model.JobCompleted,
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	stats.AvgDurationMS = avg.Float64

	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM task_records").Scan(&stats.Records); err != nil {
		return nil, fmt.Errorf("count task records: %w", err)
	}
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM failed_simulations").Scan(&stats.Failures); err != nil {
		return nil, fmt.Errorf("count failed simulations: %w", err)
	}

	return stats, nil
}

// PersistRecord inserts a task record. Missing ID and CreatedAt are filled in.
func (s *SQLiteStore) PersistRecord(ctx context.Context, r *model.TaskRecord) error {
	if r.ID == "" {
		r.ID = model.NewID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	var response any
	if len(r.Response) > 0 {
		response = string(r.Response)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_records (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TaskID, string(r.Input), response, r.State, r.Success,
		r.Traceback, r.Error, r.Exception, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task record: %w", err)
	}
	return nil
}

// ListRecords pages through task records by id. It fetches one row beyond
// pageSize to learn whether another page exists.
func (s *SQLiteStore) ListRecords(ctx context.Context, filter RecordFilter, pageSize int, pageToken string) ([]*model.TaskRecord, string, bool, error) {
	if pageSize <= 0 {
		pageSize = 1
	}

	var (
		where []string
		args  []any
	)
	if pageToken != "" {
		where = append(where, "id > ?")
		args = append(args, pageToken)
	}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, filter.State)
	}
	if filter.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, filter.TaskID)
	}

	query := `SELECT ` + recordColumns + ` FROM task_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id LIMIT ?"
	args = append(args, pageSize+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", false, fmt.Errorf("list task records: %w", err)
	}
	defer rows.Close()

	var records []*model.TaskRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, "", false, fmt.Errorf("scan task record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, "", false, fmt.Errorf("iterate task records: %w", err)
	}

	hasMore := len(records) > pageSize
	if hasMore {
		records = records[:pageSize]
	}
	var next string
	if len(records) > 0 {
		next = records[len(records)-1].ID
	}
	return records, next, hasMore, nil
}

// UpdateRecord applies patch to one record.
func (s *SQLiteStore) UpdateRecord(ctx context.Context, id string, patch RecordPatch) error {
	var (
		sets []string
		args []any
	)
	if patch.State != nil {
		sets = append(sets, "state = ?")
		args = append(args, *patch.State)
	}
	if patch.Success != nil {
		sets = append(sets, "success = ?")
		args = append(args, *patch.Success)
	}
	if patch.Response != nil {
		sets = append(sets, "response_json = ?")
		args = append(args, string(patch.Response))
	}
	if patch.Traceback != nil {
		sets = append(sets, "traceback = ?")
		args = append(args, *patch.Traceback)
	}
	if patch.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *patch.Error)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	result, err := s.db.ExecContext(ctx,
		"UPDATE task_records SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("update task record: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRecords removes the given records in one transaction and returns how
// many rows were deleted. Unknown ids are ignored.
func (s *SQLiteStore) DeleteRecords(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	deleted := 0
	for start := 0; start < len(ids); start += deleteChunk {
		end := min(start+deleteChunk, len(ids))
		chunk := ids[start:end]

		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")

		result, err := tx.ExecContext(ctx,
			"DELETE FROM task_records WHERE id IN ("+placeholders+")", args...)
		if err != nil {
			return 0, fmt.Errorf("delete task records: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("check rows affected: %w", err)
		}
		deleted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit delete: %w", err)
	}
	return deleted, nil
}

// SaveFailedSimulation stores one row per item of a failed sub-batch.
func (s *SQLiteStore) SaveFailedSimulation(ctx context.Context, taskID string, items []json.RawMessage) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, item := range items {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO failed_simulations (task_id, item, created_at) VALUES (?, ?, ?)",
			taskID, string(item), now,
		); err != nil {
			return fmt.Errorf("insert failed simulation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed simulations: %w", err)
	}
	return nil
}

// ListFailedSimulations returns the stored items for taskID in insertion order.
func (s *SQLiteStore) ListFailedSimulations(ctx context.Context, taskID string) ([]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT item FROM failed_simulations WHERE task_id = ? ORDER BY id", taskID)
	if err != nil {
		return nil, fmt.Errorf("list failed simulations: %w", err)
	}
	defer rows.Close()

	var items []json.RawMessage
	for rows.Next() {
		var item string
		if err := rows.Scan(&item); err != nil {
			return nil, fmt.Errorf("scan failed simulation: %w", err)
		}
		items = append(items, json.RawMessage(item))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failed simulations: %w", err)
	}
	return items, nil
}
