// Package state is the durable record of jobs, per-object status and the
// per-job event log. It is the source of truth after a crash.
package state

import (
	"time"

	"s3migrate/internal/job"
)

// ObjectStatus is the per-object migration status.
type ObjectStatus string

const (
	StatusPending    ObjectStatus = "pending"
	StatusInProgress ObjectStatus = "in_progress"
	StatusSucceeded  ObjectStatus = "succeeded"
	StatusFailed     ObjectStatus = "failed"
	StatusSkipped    ObjectStatus = "skipped"
)

// Terminal reports whether the status is final for this job run.
func (s ObjectStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// ObjectRecord tracks one source object within a job.
type ObjectRecord struct {
	JobID     string       `json:"job_id"`
	Key       string       `json:"key"`
	Size      int64        `json:"size"`
	ETag      string       `json:"etag,omitempty"`
	Checksum  string       `json:"checksum,omitempty"`
	DestKey   string       `json:"dest_key,omitempty"`
	Status    ObjectStatus `json:"status"`
	Attempts  int          `json:"attempts"`
	LastError string       `json:"last_error,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Event is one line of a job's append-only log.
type Event struct {
	ID      int64     `json:"id"`
	JobID   string    `json:"job_id"`
	At      time.Time `json:"at"`
	Level   string    `json:"level"`
	Key     string    `json:"key,omitempty"`
	Message string    `json:"message"`
}

// Store is the durable job/object/event store. Object outcome writes come
// from a single writer per job (the scheduler); the store serializes writes
// internally on top of that.
type Store interface {
	CreateJob(j *job.Job) error
	GetJob(id string) (*job.Job, error)
	GetJobByName(name string) (*job.Job, error)
	ListJobs() ([]*job.Job, error)
	UpdateJobState(id string, st job.State, lastError string) error
	// RefreshCounters recomputes the job's aggregate counters from its
	// object records and persists them.
	RefreshCounters(id string) (job.Counters, error)

	UpsertObject(rec *ObjectRecord) error
	GetObject(jobID, key string) (*ObjectRecord, error)
	ListObjectsByStatus(jobID string, statuses ...ObjectStatus) ([]*ObjectRecord, error)

	AppendEvent(jobID, level, key, message string) error
	ListEvents(jobID string, afterID int64, limit int) ([]*Event, error)

	// RecoverInterrupted flips in-progress records of jobs left running by
	// a crash back to pending and returns those jobs. Nothing is ever
	// promoted to succeeded here.
	RecoverInterrupted() ([]*job.Job, error)

	Close() error
}
