package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"s3migrate/internal/job"
	"s3migrate/internal/retry"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex
	busy    retry.Policy
}

// NewSQLiteStore opens (or creates) the state database at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=60000", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(10 * time.Minute)

	s := &SQLiteStore{
		db: db,
		busy: retry.Policy{
			MaxAttempts: 10,
			BaseDelay:   50 * time.Millisecond,
			MaxDelay:    2 * time.Second,
			Jitter:      0.2,
			Retryable:   isBusy,
		},
	}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return s, nil
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		config TEXT NOT NULL,
		state TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		finished_at DATETIME,
		total INTEGER NOT NULL DEFAULT 0,
		succeeded INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		in_progress INTEGER NOT NULL DEFAULT 0,
		last_error TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_name ON jobs(name);
	CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);

	CREATE TABLE IF NOT EXISTS objects (
		job_id TEXT NOT NULL,
		key TEXT NOT NULL,
		size INTEGER NOT NULL,
		etag TEXT,
		checksum TEXT,
		dest_key TEXT,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (job_id, key)
	);
	CREATE INDEX IF NOT EXISTS idx_objects_status ON objects(job_id, status);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		at DATETIME NOT NULL,
		level TEXT NOT NULL,
		object_key TEXT,
		message TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_job ON events(job_id, id);
	`

	_, err := s.db.Exec(query)
	return err
}

// write serializes a mutation and retries while SQLite reports busy
func (s *SQLiteStore) write(op func() error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.busy.Do(context.Background(), op)
}

func (s *SQLiteStore) CreateJob(j *job.Job) error {
	cfg, err := json.Marshal(j.Config)
	if err != nil {
		return fmt.Errorf("failed to encode job config: %w", err)
	}

	return s.write(func() error {
		_, err := s.db.Exec(`
		INSERT INTO jobs (id, name, config, state, created_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?)`,
			j.ID, j.Name, string(cfg), string(j.State), j.CreatedAt, j.LastError,
		)
		return err
	})
}

const jobColumns = `id, name, config, state, created_at, started_at, finished_at,
	total, succeeded, failed, skipped, in_progress, last_error`

func scanJob(row interface{ Scan(...any) error }) (*job.Job, error) {
	var j job.Job
	var cfg string
	var started, finished sql.NullTime
	var lastError sql.NullString

	err := row.Scan(
		&j.ID, &j.Name, &cfg, &j.State, &j.CreatedAt, &started, &finished,
		&j.Counters.Total, &j.Counters.Succeeded, &j.Counters.Failed,
		&j.Counters.Skipped, &j.Counters.InProgress, &lastError,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(cfg), &j.Config); err != nil {
		return nil, fmt.Errorf("failed to decode job config: %w", err)
	}
	if started.Valid {
		t := started.Time
		j.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		j.FinishedAt = &t
	}
	if lastError.Valid {
		j.LastError = lastError.String
	}

	return &j, nil
}

func (s *SQLiteStore) GetJob(id string) (*job.Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, job.ErrNotFound
	}
	return j, err
}

func (s *SQLiteStore) GetJobByName(name string) (*job.Job, error) {
	row := s.db.QueryRow(`
	SELECT `+jobColumns+` FROM jobs WHERE name = ? ORDER BY created_at DESC LIMIT 1`, name)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, job.ErrNotFound
	}
	return j, err
}

func (s *SQLiteStore) ListJobs() ([]*job.Job, error) {
	rows, err := s.db.Query(`SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStore) UpdateJobState(id string, st job.State, lastError string) error {
	now := time.Now()
	return s.write(func() error {
		var current string
		err := s.db.QueryRow(`SELECT state FROM jobs WHERE id = ?`, id).Scan(&current)
		if err == sql.ErrNoRows {
			return job.ErrNotFound
		}
		if err != nil {
			return err
		}
		if !job.CanTransition(job.State(current), st) {
			return fmt.Errorf("%w: %s -> %s", job.ErrIllegalTransition, current, st)
		}

		var res sql.Result
		switch {
		case st == job.StateRunning:
			res, err = s.db.Exec(`
			UPDATE jobs SET state = ?, last_error = ?,
				started_at = COALESCE(started_at, ?)
			WHERE id = ?`, string(st), lastError, now, id)
		case st.Terminal():
			res, err = s.db.Exec(`
			UPDATE jobs SET state = ?, last_error = ?, finished_at = ?
			WHERE id = ?`, string(st), lastError, now, id)
		default:
			res, err = s.db.Exec(`
			UPDATE jobs SET state = ?, last_error = ? WHERE id = ?`,
				string(st), lastError, id)
		}
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return job.ErrNotFound
		}
		return nil
	})
}

func (s *SQLiteStore) RefreshCounters(id string) (job.Counters, error) {
	rows, err := s.db.Query(`
	SELECT status, COUNT(*) FROM objects WHERE job_id = ? GROUP BY status`, id)
	if err != nil {
		return job.Counters{}, err
	}
	defer rows.Close()

	var c job.Counters
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return job.Counters{}, err
		}
		c.Total += count
		switch ObjectStatus(status) {
		case StatusSucceeded:
			c.Succeeded = count
		case StatusFailed:
			c.Failed = count
		case StatusSkipped:
			c.Skipped = count
		case StatusInProgress:
			c.InProgress = count
		}
	}
	if err := rows.Err(); err != nil {
		return job.Counters{}, err
	}

	err = s.write(func() error {
		_, err := s.db.Exec(`
		UPDATE jobs SET total = ?, succeeded = ?, failed = ?, skipped = ?, in_progress = ?
		WHERE id = ?`,
			c.Total, c.Succeeded, c.Failed, c.Skipped, c.InProgress, id)
		return err
	})
	return c, err
}

func (s *SQLiteStore) UpsertObject(rec *ObjectRecord) error {
	rec.UpdatedAt = time.Now()
	return s.write(func() error {
		_, err := s.db.Exec(`
		INSERT INTO objects (job_id, key, size, etag, checksum, dest_key, status, attempts, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, key) DO UPDATE SET
			size = excluded.size,
			etag = excluded.etag,
			checksum = excluded.checksum,
			dest_key = excluded.dest_key,
			status = excluded.status,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
			rec.JobID, rec.Key, rec.Size, rec.ETag, rec.Checksum, rec.DestKey,
			string(rec.Status), rec.Attempts, rec.LastError, rec.UpdatedAt,
		)
		return err
	})
}

func (s *SQLiteStore) GetObject(jobID, key string) (*ObjectRecord, error) {
	row := s.db.QueryRow(`
	SELECT job_id, key, size, etag, checksum, dest_key, status, attempts, last_error, updated_at
	FROM objects WHERE job_id = ? AND key = ?`, jobID, key)

	rec, err := scanObject(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func scanObject(row interface{ Scan(...any) error }) (*ObjectRecord, error) {
	var rec ObjectRecord
	var etag, checksum, destKey, lastError sql.NullString

	err := row.Scan(
		&rec.JobID, &rec.Key, &rec.Size, &etag, &checksum, &destKey,
		&rec.Status, &rec.Attempts, &lastError, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.ETag = etag.String
	rec.Checksum = checksum.String
	rec.DestKey = destKey.String
	rec.LastError = lastError.String
	return &rec, nil
}

func (s *SQLiteStore) ListObjectsByStatus(jobID string, statuses ...ObjectStatus) ([]*ObjectRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(statuses))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(statuses)+1)
	args = append(args, jobID)
	for _, st := range statuses {
		args = append(args, string(st))
	}

	rows, err := s.db.Query(`
	SELECT job_id, key, size, etag, checksum, dest_key, status, attempts, last_error, updated_at
	FROM objects WHERE job_id = ? AND status IN (`+placeholders+`)
	ORDER BY key ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*ObjectRecord
	for rows.Next() {
		rec, err := scanObject(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) AppendEvent(jobID, level, key, message string) error {
	return s.write(func() error {
		_, err := s.db.Exec(`
		INSERT INTO events (job_id, at, level, object_key, message)
		VALUES (?, ?, ?, ?, ?)`,
			jobID, time.Now(), level, key, message)
		return err
	})
}

func (s *SQLiteStore) ListEvents(jobID string, afterID int64, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	rows, err := s.db.Query(`
	SELECT id, job_id, at, level, object_key, message
	FROM events WHERE job_id = ? AND id > ?
	ORDER BY id ASC LIMIT ?`, jobID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var ev Event
		var key sql.NullString
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.At, &ev.Level, &key, &ev.Message); err != nil {
			return nil, err
		}
		ev.Key = key.String
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) RecoverInterrupted() ([]*job.Job, error) {
	// Objects caught mid-transfer by a crash go back to pending; they were
	// never confirmed and must be re-dispatched as fresh attempts.
	err := s.write(func() error {
		_, err := s.db.Exec(`
		UPDATE objects SET status = ?, updated_at = ?
		WHERE status = ? AND job_id IN (SELECT id FROM jobs WHERE state = ?)`,
			string(StatusPending), time.Now(), string(StatusInProgress), string(job.StateRunning))
		return err
	})
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM jobs WHERE state = ?`, string(job.StateRunning))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
