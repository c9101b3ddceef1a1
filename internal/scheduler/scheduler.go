// Package scheduler dispatches object records to a bounded pool of transfer
// workers and is the single writer of object outcomes to the state store.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"s3migrate/internal/config"
	"s3migrate/internal/job"
	"s3migrate/internal/metrics"
	"s3migrate/internal/retry"
	"s3migrate/internal/state"
	"s3migrate/internal/transfer"
)

// Executor transfers one object and reports the outcome.
type Executor interface {
	Transfer(ctx context.Context, rec *state.ObjectRecord) transfer.Outcome
}

// Scheduler runs one job's worker pool. A key is owned by exactly one
// worker at a time: it re-enters the queue only after the previous attempt's
// outcome has been recorded, by the worker that recorded it.
type Scheduler struct {
	cfg       config.JobConfig
	exec      Executor
	store     state.Store
	metrics   *metrics.Collector
	logger    *zap.Logger
	cancelJob context.CancelFunc
	policy    retry.Policy

	work chan *state.ObjectRecord

	mu         sync.Mutex
	inflight   int
	sourceDone bool
	workClosed bool
	err        error

	discovered atomic.Int64
	failures   atomic.Int64
}

// New creates a scheduler for one job. cancelJob cancels the whole job and
// is invoked when the failure threshold is crossed or the store dies.
func New(cfg config.JobConfig, exec Executor, store state.Store, collector *metrics.Collector, logger *zap.Logger, cancelJob context.CancelFunc) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		exec:      exec,
		store:     store,
		metrics:   collector,
		logger:    logger,
		cancelJob: cancelJob,
		policy: retry.Policy{
			BaseDelay: cfg.RetryBackoff(),
			MaxDelay:  time.Minute,
		},
	}
}

// Run consumes source until it is closed and every accepted record reached
// a terminal status. It blocks the caller, bounding in-flight work to the
// pool size plus the queue buffer.
func (s *Scheduler) Run(ctx context.Context, source <-chan *state.ObjectRecord) error {
	s.work = make(chan *state.ObjectRecord, s.cfg.Workers*2)

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s.worker(ctx, id)
		}(i)
	}

	go s.feed(ctx, source)
	wg.Wait()

	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Scheduler) feed(ctx context.Context, source <-chan *state.ObjectRecord) {
	for {
		select {
		case rec, ok := <-source:
			if !ok {
				s.sourceClosed()
				return
			}
			s.track()
			s.discovered.Add(1)
			select {
			case s.work <- rec:
			case <-ctx.Done():
				s.release()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// track registers one record that must reach a terminal status before the
// queue closes.
func (s *Scheduler) track() {
	s.mu.Lock()
	s.inflight++
	s.mu.Unlock()
}

func (s *Scheduler) release() {
	s.mu.Lock()
	s.inflight--
	if s.sourceDone && s.inflight == 0 && !s.workClosed {
		close(s.work)
		s.workClosed = true
	}
	s.mu.Unlock()
}

func (s *Scheduler) sourceClosed() {
	s.mu.Lock()
	s.sourceDone = true
	if s.inflight == 0 && !s.workClosed {
		close(s.work)
		s.workClosed = true
	}
	s.mu.Unlock()
}

func (s *Scheduler) worker(ctx context.Context, id int) {
	log := s.logger.With(zap.Int("worker_id", id))

	for {
		select {
		case rec, ok := <-s.work:
			if !ok {
				return
			}
			s.handle(ctx, log, rec)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) handle(ctx context.Context, log *zap.Logger, rec *state.ObjectRecord) {
	start := time.Now()

	rec.Attempts++
	rec.Status = state.StatusInProgress
	if err := s.store.UpsertObject(rec); err != nil {
		s.fatal(&job.StateStoreError{Op: "mark object in progress", Err: err})
		s.release()
		return
	}

	s.metrics.WorkerBusy()
	out := s.exec.Transfer(ctx, rec)
	s.metrics.WorkerIdle()

	switch out.Status {
	case transfer.OutcomeSucceeded:
		rec.Status = state.StatusSucceeded
		rec.Checksum = out.Checksum
		rec.LastError = ""
		s.persist(log, rec)
		s.event(rec, "info", fmt.Sprintf("object succeeded: %s", out.Reason))
		s.metrics.ObjectDone("succeeded", out.Bytes)
		s.metrics.ObserveDuration(time.Since(start))
		log.Info("object succeeded",
			zap.String("key", rec.Key),
			zap.Int64("size", rec.Size),
			zap.Int("attempts", rec.Attempts),
			zap.Duration("duration", time.Since(start)),
		)
		s.release()

	case transfer.OutcomeSkipped:
		rec.Status = state.StatusSkipped
		rec.LastError = ""
		s.persist(log, rec)
		s.event(rec, "info", fmt.Sprintf("object skipped: %s", out.Reason))
		s.metrics.ObjectDone("skipped", 0)
		log.Debug("object skipped", zap.String("key", rec.Key), zap.String("reason", out.Reason))
		s.release()

	case transfer.OutcomeFailed:
		s.handleFailure(ctx, log, rec, out)
	}
}

func (s *Scheduler) handleFailure(ctx context.Context, log *zap.Logger, rec *state.ObjectRecord, out transfer.Outcome) {
	// An attempt torn by job cancellation is no verdict on the object:
	// leave it pending for a later resume.
	if ctx.Err() != nil && out.Retryable {
		rec.Status = state.StatusPending
		rec.LastError = out.Reason
		s.persist(log, rec)
		s.release()
		return
	}

	if out.Retryable && rec.Attempts <= s.cfg.Retries {
		rec.Status = state.StatusPending
		rec.LastError = out.Reason
		s.persist(log, rec)
		s.event(rec, "warn", fmt.Sprintf("attempt %d failed, retrying: %s", rec.Attempts, out.Reason))
		log.Warn("object attempt failed, will retry",
			zap.String("key", rec.Key),
			zap.Int("attempt", rec.Attempts),
			zap.String("error", out.Reason),
		)
		s.requeue(ctx, rec, s.policy.Delay(rec.Attempts))
		return
	}

	rec.Status = state.StatusFailed
	rec.LastError = out.Reason
	s.persist(log, rec)
	s.event(rec, "error", fmt.Sprintf("object failed after %d attempts: %s", rec.Attempts, out.Reason))
	s.metrics.ObjectDone("failed", 0)
	log.Error("object failed",
		zap.String("key", rec.Key),
		zap.Int("attempts", rec.Attempts),
		zap.String("error", out.Reason),
	)
	s.release()
	s.checkThreshold()
}

// requeue schedules a delayed re-dispatch without holding a worker slot for
// the duration of the backoff. The record stays tracked until terminal.
func (s *Scheduler) requeue(ctx context.Context, rec *state.ObjectRecord, delay time.Duration) {
	time.AfterFunc(delay, func() {
		select {
		case s.work <- rec:
		case <-ctx.Done():
			s.release()
		}
	})
}

func (s *Scheduler) persist(log *zap.Logger, rec *state.ObjectRecord) {
	if err := s.store.UpsertObject(rec); err != nil {
		// No durable write, no reported outcome: the job dies rather than
		// lying about what happened.
		log.Error("failed to persist object outcome",
			zap.String("key", rec.Key),
			zap.Error(err),
		)
		s.fatal(&job.StateStoreError{Op: "record object outcome", Err: err})
	}
}

func (s *Scheduler) event(rec *state.ObjectRecord, level, message string) {
	if err := s.store.AppendEvent(rec.JobID, level, rec.Key, message); err != nil {
		s.logger.Warn("failed to append event", zap.String("key", rec.Key), zap.Error(err))
	}
}

// checkThreshold fails the job once the failed fraction of discovered
// objects exceeds the configured threshold. Sitting exactly at the
// threshold is still tolerated.
func (s *Scheduler) checkThreshold() {
	failed := s.failures.Add(1)
	if s.cfg.FailureThreshold <= 0 {
		return
	}
	total := s.discovered.Load()
	if total == 0 {
		return
	}
	if float64(failed)/float64(total) > s.cfg.FailureThreshold {
		s.fatal(job.ErrFatalThreshold)
	}
}

// fatal records the first job-level error and cancels all remaining work.
func (s *Scheduler) fatal(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	if s.cancelJob != nil {
		s.cancelJob()
	}
}
