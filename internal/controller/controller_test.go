package controller

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"s3migrate/internal/config"
	"s3migrate/internal/job"
	"s3migrate/internal/metrics"
	"s3migrate/internal/state"
	"s3migrate/internal/storage"
)

type harness struct {
	ctrl  *Controller
	store state.Store
	src   *storage.MemoryClient
	dst   *storage.MemoryClient
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store, err := state.NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	src, dst := storage.NewMemoryClient(), storage.NewMemoryClient()
	src.AddBucket("src-bucket")
	dst.AddBucket("dst-bucket")

	ctrl := New(store, metrics.New(), zap.NewNop())
	ctrl.SetClientFactory(func(cfg storage.Config) (storage.Client, error) {
		if cfg.Endpoint == "src:9000" {
			return src, nil
		}
		return dst, nil
	})

	return &harness{ctrl: ctrl, store: store, src: src, dst: dst}
}

func jobConfig(name string) config.JobConfig {
	cfg := config.DefaultJob()
	cfg.Name = name
	cfg.Source = config.S3Config{Endpoint: "src:9000", AccessKey: "k", SecretKey: "s", Bucket: "src-bucket"}
	cfg.Target = config.S3Config{Endpoint: "dst:9000", AccessKey: "k", SecretKey: "s", Bucket: "dst-bucket"}
	cfg.Workers = 2
	cfg.Retries = 2
	cfg.RetryBackoffMs = 1
	return cfg
}

func TestStartJobCompletes(t *testing.T) {
	h := newHarness(t)
	h.src.AddObject("src-bucket", "a.bin", []byte("aaaa"))
	h.src.AddObject("src-bucket", "b.bin", []byte("bbbbbbbb"))
	h.src.AddObject("src-bucket", "c.bin", []byte("cc"))

	id, err := h.ctrl.StartJob(jobConfig("photos"))
	require.NoError(t, err)
	h.ctrl.Wait(id)

	j, err := h.ctrl.Status(id)
	require.NoError(t, err)
	assert.Equal(t, job.StateCompleted, j.State)
	assert.Equal(t, int64(3), j.Counters.Total)
	assert.Equal(t, int64(3), j.Counters.Succeeded)
	assert.Equal(t, int64(0), j.Counters.Failed)
	assert.NotNil(t, j.FinishedAt)

	for _, key := range []string{"a.bin", "b.bin", "c.bin"} {
		_, ok := h.dst.ObjectData("dst-bucket", key)
		assert.True(t, ok, key)

		rec, err := h.store.GetObject(id, key)
		require.NoError(t, err)
		assert.Equal(t, state.StatusSucceeded, rec.Status)
		assert.NotEmpty(t, rec.Checksum)
	}

	events, err := h.ctrl.ObjectLog(id, 0, 100)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "job started", events[0].Message)
}

func TestStartJobRejectsInvalidConfig(t *testing.T) {
	h := newHarness(t)

	cfg := jobConfig("")
	_, err := h.ctrl.StartJob(cfg)
	require.Error(t, err)

	var validation *job.ValidationError
	assert.ErrorAs(t, err, &validation)
}

func TestDuplicateActiveNameRejected(t *testing.T) {
	h := newHarness(t)
	h.src.AddObject("src-bucket", "a.bin", []byte("aaaa"))

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.dst.HeadHook = func(bucket, key string) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	}

	id, err := h.ctrl.StartJob(jobConfig("photos"))
	require.NoError(t, err)
	<-entered

	_, err = h.ctrl.StartJob(jobConfig("photos"))
	assert.ErrorIs(t, err, job.ErrActiveName)

	close(release)
	h.ctrl.Wait(id)

	// Once terminal, the name is free again.
	id2, err := h.ctrl.StartJob(jobConfig("photos"))
	require.NoError(t, err)
	assert.NotEqual(t, id, id2)
	h.ctrl.Wait(id2)
}

func TestCancelRunningJob(t *testing.T) {
	h := newHarness(t)
	h.src.AddObject("src-bucket", "a.bin", []byte("aaaa"))

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.dst.HeadHook = func(bucket, key string) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	}

	id, err := h.ctrl.StartJob(jobConfig("photos"))
	require.NoError(t, err)
	<-entered

	require.NoError(t, h.ctrl.Cancel(id))
	close(release)
	h.ctrl.Wait(id)

	j, err := h.ctrl.Status(id)
	require.NoError(t, err)
	assert.Equal(t, job.StateCancelled, j.State)
}

func TestCancelLookupErrors(t *testing.T) {
	h := newHarness(t)
	h.src.AddObject("src-bucket", "a.bin", []byte("a"))

	assert.ErrorIs(t, h.ctrl.Cancel("nope"), job.ErrNotFound)

	id, err := h.ctrl.StartJob(jobConfig("photos"))
	require.NoError(t, err)
	h.ctrl.Wait(id)

	assert.ErrorIs(t, h.ctrl.Cancel(id), job.ErrNotActive)
}

func TestDryRunWritesNothing(t *testing.T) {
	h := newHarness(t)
	h.src.AddObject("src-bucket", "a.bin", []byte("aaaa"))
	h.src.AddObject("src-bucket", "b.bin", []byte("bb"))

	cfg := jobConfig("rehearsal")
	cfg.DryRun = true

	id, err := h.ctrl.StartJob(cfg)
	require.NoError(t, err)
	h.ctrl.Wait(id)

	j, err := h.ctrl.Status(id)
	require.NoError(t, err)
	assert.Equal(t, job.StateCompleted, j.State)
	assert.Equal(t, int64(2), j.Counters.Succeeded)
	assert.Equal(t, 0, h.dst.PutCalls)
	assert.Equal(t, 0, h.src.GetCalls)
}

func TestPreflightFailureFailsJob(t *testing.T) {
	h := newHarness(t)

	cfg := jobConfig("photos")
	cfg.Source.Bucket = "no-such-bucket"

	id, err := h.ctrl.StartJob(cfg)
	require.NoError(t, err)
	h.ctrl.Wait(id)

	j, err := h.ctrl.Status(id)
	require.NoError(t, err)
	assert.Equal(t, job.StateFailed, j.State)
	assert.Contains(t, j.LastError, "no-such-bucket")
}

func TestResumeInterrupted(t *testing.T) {
	h := newHarness(t)
	h.src.AddObject("src-bucket", "a.bin", []byte("interrupted"))
	h.src.AddObject("src-bucket", "b.bin", []byte("already copied"))

	// Simulate a crash: the job row says running, one object was caught
	// mid-transfer, one had already been confirmed.
	crashed := &job.Job{
		ID:     "crashed-job",
		Name:   "photos",
		Config: jobConfig("photos"),
		State:  job.StateRunning,
	}
	require.NoError(t, h.store.CreateJob(crashed))
	require.NoError(t, h.store.UpsertObject(&state.ObjectRecord{
		JobID: "crashed-job", Key: "a.bin", Size: 11, Status: state.StatusInProgress, Attempts: 1,
	}))
	require.NoError(t, h.store.UpsertObject(&state.ObjectRecord{
		JobID: "crashed-job", Key: "b.bin", Size: 14, Status: state.StatusSucceeded, Attempts: 1,
	}))

	resumed, err := h.ctrl.ResumeInterrupted()
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)
	h.ctrl.Wait("crashed-job")

	j, err := h.ctrl.Status("crashed-job")
	require.NoError(t, err)
	assert.Equal(t, job.StateCompleted, j.State)

	// The interrupted object was re-transferred.
	_, ok := h.dst.ObjectData("dst-bucket", "a.bin")
	assert.True(t, ok)

	a, err := h.store.GetObject("crashed-job", "a.bin")
	require.NoError(t, err)
	assert.Equal(t, state.StatusSucceeded, a.Status)
	assert.Equal(t, 2, a.Attempts)

	// The confirmed object was not copied again.
	_, ok = h.dst.ObjectData("dst-bucket", "b.bin")
	assert.False(t, ok)
}
