package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"s3migrate/internal/config"
	"s3migrate/internal/job"
	"s3migrate/internal/metrics"
	"s3migrate/internal/state"
	"s3migrate/internal/transfer"
)

// fakeExec scripts per-attempt outcomes and tracks worker concurrency.
type fakeExec struct {
	outcome func(key string, attempt int) transfer.Outcome

	mu       sync.Mutex
	attempts map[string]int

	inflight atomic.Int32
	high     atomic.Int32
}

func newFakeExec(outcome func(key string, attempt int) transfer.Outcome) *fakeExec {
	return &fakeExec{outcome: outcome, attempts: make(map[string]int)}
}

func (f *fakeExec) Transfer(_ context.Context, rec *state.ObjectRecord) transfer.Outcome {
	cur := f.inflight.Add(1)
	for {
		h := f.high.Load()
		if cur <= h || f.high.CompareAndSwap(h, cur) {
			break
		}
	}
	defer f.inflight.Add(-1)
	time.Sleep(2 * time.Millisecond)

	f.mu.Lock()
	f.attempts[rec.Key]++
	n := f.attempts[rec.Key]
	f.mu.Unlock()
	return f.outcome(rec.Key, n)
}

func (f *fakeExec) attemptCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[key]
}

func ok() transfer.Outcome {
	return transfer.Outcome{Status: transfer.OutcomeSucceeded, Reason: "copied", Bytes: 10}
}

func transientFail() transfer.Outcome {
	return transfer.Outcome{Status: transfer.OutcomeFailed, Retryable: true, Reason: "connection reset"}
}

func permanentFail() transfer.Outcome {
	return transfer.Outcome{Status: transfer.OutcomeFailed, Retryable: false, Reason: "access denied"}
}

func testConfig(workers int) config.JobConfig {
	cfg := config.DefaultJob()
	cfg.Name = "test"
	cfg.Workers = workers
	cfg.Retries = 5
	cfg.RetryBackoffMs = 1
	cfg.FailureThreshold = 0
	return cfg
}

func newTestStore(t *testing.T) state.Store {
	t.Helper()
	store, err := state.NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func runScheduler(t *testing.T, cfg config.JobConfig, exec Executor, store state.Store, keys []string) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(cfg, exec, store, metrics.New(), zap.NewNop(), cancel)

	source := make(chan *state.ObjectRecord, len(keys))
	for _, key := range keys {
		source <- &state.ObjectRecord{JobID: "j1", Key: key, Size: 10, Status: state.StatusPending}
	}
	close(source)

	return s.Run(ctx, source)
}

func TestAllObjectsSucceed(t *testing.T) {
	store := newTestStore(t)
	exec := newFakeExec(func(string, int) transfer.Outcome { return ok() })
	keys := []string{"a", "b", "c", "d", "e"}

	require.NoError(t, runScheduler(t, testConfig(2), exec, store, keys))

	for _, key := range keys {
		rec, err := store.GetObject("j1", key)
		require.NoError(t, err)
		require.NotNil(t, rec, key)
		assert.Equal(t, state.StatusSucceeded, rec.Status)
		assert.Equal(t, 1, rec.Attempts)
	}
}

func TestTransientFailureRetriedUntilSuccess(t *testing.T) {
	store := newTestStore(t)
	exec := newFakeExec(func(key string, attempt int) transfer.Outcome {
		if attempt < 3 {
			return transientFail()
		}
		return ok()
	})

	require.NoError(t, runScheduler(t, testConfig(2), exec, store, []string{"flaky"}))

	rec, err := store.GetObject("j1", "flaky")
	require.NoError(t, err)
	assert.Equal(t, state.StatusSucceeded, rec.Status)
	assert.Equal(t, 3, rec.Attempts)
}

func TestRetryBudgetExhausted(t *testing.T) {
	store := newTestStore(t)
	exec := newFakeExec(func(string, int) transfer.Outcome { return transientFail() })

	cfg := testConfig(2)
	cfg.Retries = 2

	require.NoError(t, runScheduler(t, cfg, exec, store, []string{"doomed"}))

	rec, err := store.GetObject("j1", "doomed")
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, rec.Status)
	assert.Equal(t, 3, rec.Attempts, "initial attempt plus two retries")
	assert.Equal(t, "connection reset", rec.LastError)
}

func TestPermanentFailureNotRetried(t *testing.T) {
	store := newTestStore(t)
	exec := newFakeExec(func(key string, attempt int) transfer.Outcome {
		if key == "bad" {
			return permanentFail()
		}
		return ok()
	})

	require.NoError(t, runScheduler(t, testConfig(2), exec, store, []string{"a", "bad", "b"}))

	assert.Equal(t, 1, exec.attemptCount("bad"))

	rec, err := store.GetObject("j1", "bad")
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, rec.Status)

	// The rest of the job keeps going.
	for _, key := range []string{"a", "b"} {
		rec, err := store.GetObject("j1", key)
		require.NoError(t, err)
		assert.Equal(t, state.StatusSucceeded, rec.Status)
	}
}

func TestFailureThresholdNotCrossedAtExactFraction(t *testing.T) {
	store := newTestStore(t)
	exec := newFakeExec(func(key string, attempt int) transfer.Outcome {
		if strings.HasPrefix(key, "bad-") {
			return permanentFail()
		}
		return ok()
	})

	cfg := testConfig(2)
	cfg.FailureThreshold = 0.5

	// Half of ten objects fail: exactly at the threshold, never past it.
	keys := []string{
		"ok-0", "ok-1", "ok-2", "ok-3", "ok-4",
		"bad-0", "bad-1", "bad-2", "bad-3", "bad-4",
	}
	require.NoError(t, runScheduler(t, cfg, exec, store, keys))

	failed, err := store.ListObjectsByStatus("j1", state.StatusFailed)
	require.NoError(t, err)
	assert.Len(t, failed, 5)

	succeeded, err := store.ListObjectsByStatus("j1", state.StatusSucceeded)
	require.NoError(t, err)
	assert.Len(t, succeeded, 5)
}

func TestFailureThresholdFailsJob(t *testing.T) {
	store := newTestStore(t)
	exec := newFakeExec(func(string, int) transfer.Outcome { return permanentFail() })

	cfg := testConfig(2)
	cfg.FailureThreshold = 0.5

	err := runScheduler(t, cfg, exec, store, []string{"a", "b", "c", "d"})
	assert.ErrorIs(t, err, job.ErrFatalThreshold)
}

func TestConcurrencyBounded(t *testing.T) {
	store := newTestStore(t)
	exec := newFakeExec(func(string, int) transfer.Outcome { return ok() })

	keys := make([]string, 8)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%d", i)
	}

	require.NoError(t, runScheduler(t, testConfig(2), exec, store, keys))
	assert.LessOrEqual(t, exec.high.Load(), int32(2))
}

// failStore breaks outcome persistence to exercise the rule that an
// unrecorded outcome kills the job instead of being reported as done.
type failStore struct {
	state.Store
}

func (s *failStore) UpsertObject(*state.ObjectRecord) error {
	return errors.New("disk I/O error")
}

func TestStoreFailureIsFatal(t *testing.T) {
	store := &failStore{Store: newTestStore(t)}
	exec := newFakeExec(func(string, int) transfer.Outcome { return ok() })

	err := runScheduler(t, testConfig(2), exec, store, []string{"a"})
	require.Error(t, err)

	var storeErr *job.StateStoreError
	assert.ErrorAs(t, err, &storeErr)
}
