// Package controller owns job lifecycles: it keeps the process-wide job
// registry, wires the lister and scheduler together per job, and answers
// status queries.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"s3migrate/internal/config"
	"s3migrate/internal/job"
	"s3migrate/internal/lister"
	"s3migrate/internal/metrics"
	"s3migrate/internal/scheduler"
	"s3migrate/internal/state"
	"s3migrate/internal/storage"
	"s3migrate/internal/transfer"
)

// Controller runs and tracks migration jobs. Jobs are inserted into the
// registry on start and never silently removed; terminal jobs stay in the
// store for audit.
type Controller struct {
	store     state.Store
	metrics   *metrics.Collector
	logger    *zap.Logger
	newClient func(storage.Config) (storage.Client, error)

	mu     sync.Mutex
	active map[string]*runningJob
}

type runningJob struct {
	cancel    context.CancelFunc
	done      chan struct{}
	cancelled atomic.Bool
}

// New creates a controller backed by the given store
func New(store state.Store, collector *metrics.Collector, logger *zap.Logger) *Controller {
	return &Controller{
		store:   store,
		metrics: collector,
		logger:  logger,
		newClient: func(cfg storage.Config) (storage.Client, error) {
			return storage.NewS3Client(cfg)
		},
		active: make(map[string]*runningJob),
	}
}

// SetClientFactory overrides how storage clients are built. Tests use this
// to substitute in-memory clients.
func (c *Controller) SetClientFactory(f func(storage.Config) (storage.Client, error)) {
	c.newClient = f
}

// StartJob validates the config, persists the job as created and runs it to
// a terminal state asynchronously. Progress is reported through the store,
// not through a return value.
func (c *Controller) StartJob(cfg config.JobConfig) (string, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return "", &job.ValidationError{Err: err}
	}

	existing, err := c.store.GetJobByName(cfg.Name)
	if err != nil && !errors.Is(err, job.ErrNotFound) {
		return "", &job.StateStoreError{Op: "look up job name", Err: err}
	}
	if existing != nil && !existing.State.Terminal() {
		return "", job.ErrActiveName
	}

	j := &job.Job{
		ID:        uuid.NewString(),
		Name:      cfg.Name,
		Config:    cfg,
		State:     job.StateCreated,
		CreatedAt: time.Now(),
	}
	if err := c.store.CreateJob(j); err != nil {
		return "", &job.StateStoreError{Op: "create job", Err: err}
	}

	c.launch(j)
	return j.ID, nil
}

// ResumeInterrupted re-runs jobs a previous process left running. Their
// in-progress records have already been recovered to pending; nothing is
// ever assumed to have succeeded.
func (c *Controller) ResumeInterrupted() (int, error) {
	jobs, err := c.store.RecoverInterrupted()
	if err != nil {
		return 0, &job.StateStoreError{Op: "recover interrupted jobs", Err: err}
	}

	for _, j := range jobs {
		c.logger.Info("resuming interrupted job",
			zap.String("job_id", j.ID),
			zap.String("job", j.Name),
		)
		if err := c.store.AppendEvent(j.ID, "warn", "", "job resumed after process restart"); err != nil {
			c.logger.Warn("failed to append resume event", zap.Error(err))
		}
		c.launch(j)
	}
	return len(jobs), nil
}

// Cancel requests cancellation of a running job. In-flight transfers stop
// at the next part boundary; no new objects are dispatched.
func (c *Controller) Cancel(id string) error {
	c.mu.Lock()
	r, ok := c.active[id]
	c.mu.Unlock()

	if !ok {
		if _, err := c.store.GetJob(id); err != nil {
			return err
		}
		return job.ErrNotActive
	}

	r.cancelled.Store(true)
	r.cancel()
	return nil
}

// Status returns the job with counters refreshed from its object records
func (c *Controller) Status(id string) (*job.Job, error) {
	j, err := c.store.GetJob(id)
	if err != nil {
		return nil, err
	}

	counters, err := c.store.RefreshCounters(id)
	if err != nil {
		return nil, &job.StateStoreError{Op: "refresh counters", Err: err}
	}
	j.Counters = counters
	return j, nil
}

// ListJobs returns all known jobs, newest first
func (c *Controller) ListJobs() ([]*job.Job, error) {
	return c.store.ListJobs()
}

// ObjectLog returns a page of the job's event log starting after the given
// event id
func (c *Controller) ObjectLog(id string, afterID int64, limit int) ([]*state.Event, error) {
	if _, err := c.store.GetJob(id); err != nil {
		return nil, err
	}
	return c.store.ListEvents(id, afterID, limit)
}

// Wait blocks until the job's run loop has finished. Jobs that are not
// active return immediately.
func (c *Controller) Wait(id string) {
	c.mu.Lock()
	r, ok := c.active[id]
	c.mu.Unlock()
	if !ok {
		return
	}
	<-r.done
}

// Shutdown cancels all active jobs and waits for their run loops to settle
// or the context to expire.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	running := make([]*runningJob, 0, len(c.active))
	for _, r := range c.active {
		running = append(running, r)
	}
	c.mu.Unlock()

	for _, r := range running {
		r.cancelled.Store(true)
		r.cancel()
	}
	for _, r := range running {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *Controller) launch(j *job.Job) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &runningJob{cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	c.active[j.ID] = r
	c.mu.Unlock()

	go func() {
		defer close(r.done)
		defer cancel()
		defer func() {
			c.mu.Lock()
			delete(c.active, j.ID)
			c.mu.Unlock()
		}()
		c.run(ctx, j, r)
	}()
}

func (c *Controller) run(ctx context.Context, j *job.Job, r *runningJob) {
	log := c.logger.With(zap.String("job_id", j.ID), zap.String("job", j.Name))

	if err := c.store.UpdateJobState(j.ID, job.StateRunning, ""); err != nil {
		log.Error("failed to mark job running", zap.Error(err))
		return
	}
	if err := c.store.AppendEvent(j.ID, "info", "", "job started"); err != nil {
		log.Warn("failed to append event", zap.Error(err))
	}
	log.Info("job started",
		zap.String("source_bucket", j.Config.Source.Bucket),
		zap.String("target_bucket", j.Config.Target.Bucket),
		zap.Int("workers", j.Config.Workers),
		zap.Bool("dry_run", j.Config.DryRun),
	)

	src, dst, err := c.clients(j.Config)
	if err != nil {
		c.finish(log, j, r, job.StateFailed, err)
		return
	}
	if err := c.preflight(ctx, j.Config, src, dst); err != nil {
		c.finish(log, j, r, job.StateFailed, err)
		return
	}

	exec := transfer.NewCopier(src, dst, j.Config, log)
	sched := scheduler.New(j.Config, exec, c.store, c.metrics, log, r.cancel)
	lst := lister.New(src, c.store, j.Config, j.ID, log)

	// Resume first: records left pending by an earlier run re-enter the
	// queue before fresh listing output, and the lister skips them.
	resumed, err := c.store.ListObjectsByStatus(j.ID, state.StatusPending, state.StatusInProgress)
	if err != nil {
		c.finish(log, j, r, job.StateFailed, &job.StateStoreError{Op: "list resumable objects", Err: err})
		return
	}

	source := make(chan *state.ObjectRecord, j.Config.Workers*2)
	seen := make(map[string]struct{}, len(resumed))
	listErrCh := make(chan error, 1)

	go func() {
		defer close(source)
		for _, rec := range resumed {
			rec.Status = state.StatusPending
			seen[rec.Key] = struct{}{}
			select {
			case source <- rec:
			case <-ctx.Done():
				listErrCh <- ctx.Err()
				return
			}
		}
		listErrCh <- lst.Run(ctx, source, seen)
	}()

	schedErr := sched.Run(ctx, source)
	listErr := <-listErrCh

	switch {
	case r.cancelled.Load():
		c.finish(log, j, r, job.StateCancelled, nil)
	case schedErr != nil && !errors.Is(schedErr, context.Canceled):
		c.finish(log, j, r, job.StateFailed, schedErr)
	case listErr != nil && !errors.Is(listErr, context.Canceled):
		c.finish(log, j, r, job.StateFailed, listErr)
	default:
		c.finish(log, j, r, job.StateCompleted, nil)
	}
}

func (c *Controller) clients(cfg config.JobConfig) (storage.Client, storage.Client, error) {
	src, err := c.newClient(storage.Config{
		Endpoint:  cfg.Source.Endpoint,
		AccessKey: cfg.Source.AccessKey,
		SecretKey: cfg.Source.SecretKey,
		Region:    cfg.Source.Region,
		Secure:    cfg.Source.Secure,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create source client: %w", err)
	}

	dst, err := c.newClient(storage.Config{
		Endpoint:  cfg.Target.Endpoint,
		AccessKey: cfg.Target.AccessKey,
		SecretKey: cfg.Target.SecretKey,
		Region:    cfg.Target.Region,
		Secure:    cfg.Target.Secure,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create target client: %w", err)
	}

	return src, dst, nil
}

// preflight verifies both buckets are reachable before any dispatch. A dry
// run only needs the source.
func (c *Controller) preflight(ctx context.Context, cfg config.JobConfig, src, dst storage.Client) error {
	ok, err := src.BucketExists(ctx, cfg.Source.Bucket)
	if err != nil {
		return &job.ListingError{Err: fmt.Errorf("source bucket check failed: %w", err)}
	}
	if !ok {
		return &job.ListingError{Err: fmt.Errorf("source bucket %q does not exist", cfg.Source.Bucket)}
	}

	if cfg.DryRun {
		return nil
	}

	ok, err = dst.BucketExists(ctx, cfg.Target.Bucket)
	if err != nil {
		return &job.ListingError{Err: fmt.Errorf("target bucket check failed: %w", err)}
	}
	if !ok {
		return &job.ListingError{Err: fmt.Errorf("target bucket %q does not exist", cfg.Target.Bucket)}
	}
	return nil
}

func (c *Controller) finish(log *zap.Logger, j *job.Job, r *runningJob, st job.State, cause error) {
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}

	counters, err := c.store.RefreshCounters(j.ID)
	if err != nil {
		log.Error("failed to refresh counters", zap.Error(err))
	}

	if err := c.store.UpdateJobState(j.ID, st, lastError); err != nil {
		log.Error("failed to persist terminal job state", zap.Error(err))
	}

	level := "info"
	msg := fmt.Sprintf("job %s", st)
	if cause != nil {
		level = "error"
		msg = fmt.Sprintf("job %s: %s", st, lastError)
	}
	if err := c.store.AppendEvent(j.ID, level, "", msg); err != nil {
		log.Warn("failed to append event", zap.Error(err))
	}

	log.Info("job finished",
		zap.String("state", string(st)),
		zap.Int64("total", counters.Total),
		zap.Int64("succeeded", counters.Succeeded),
		zap.Int64("failed", counters.Failed),
		zap.Int64("skipped", counters.Skipped),
		zap.String("last_error", lastError),
	)
}
