// Package job holds the migration job model: lifecycle states, aggregate
// counters and the error taxonomy shared by the engine components.
package job

import (
	"time"

	"s3migrate/internal/config"
)

// State is the lifecycle state of a job.
type State string

const (
	StateCreated   State = "created"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state is final. A job in a terminal state
// never restarts itself.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a lifecycle transition is legal. Running is
// re-enterable so that a resumed job can re-affirm its state.
func CanTransition(from, to State) bool {
	switch from {
	case StateCreated:
		return to == StateRunning || to == StateFailed || to == StateCancelled
	case StateRunning:
		return to == StateRunning || to.Terminal()
	}
	return false
}

// Counters are the aggregate per-job counts. Succeeded+Failed+Skipped never
// exceeds Total; equality holds once the job is terminal.
type Counters struct {
	Total      int64 `json:"total"`
	Succeeded  int64 `json:"succeeded"`
	Failed     int64 `json:"failed"`
	Skipped    int64 `json:"skipped"`
	InProgress int64 `json:"in_progress"`
}

// Job is one migration run. The config is an immutable snapshot taken when
// the start request was accepted.
type Job struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	Config     config.JobConfig `json:"config"`
	State      State            `json:"state"`
	CreatedAt  time.Time        `json:"created_at"`
	StartedAt  *time.Time       `json:"started_at,omitempty"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
	Counters   Counters         `json:"counters"`
	LastError  string           `json:"last_error,omitempty"`
}
