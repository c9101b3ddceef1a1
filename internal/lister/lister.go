// Package lister enumerates the source bucket and feeds object records to
// the scheduler. Every record is durably inserted as pending before its
// descriptor is yielded downstream.
package lister

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"s3migrate/internal/config"
	"s3migrate/internal/job"
	"s3migrate/internal/retry"
	"s3migrate/internal/state"
	"s3migrate/internal/storage"
)

// Lister enumerates one job's source objects.
type Lister struct {
	client storage.Client
	store  state.Store
	cfg    config.JobConfig
	jobID  string
	logger *zap.Logger
	policy retry.Policy
}

// New creates a lister for one job
func New(client storage.Client, store state.Store, cfg config.JobConfig, jobID string, logger *zap.Logger) *Lister {
	attempts := cfg.Retries
	if attempts < 3 {
		attempts = 3
	}
	return &Lister{
		client: client,
		store:  store,
		cfg:    cfg,
		jobID:  jobID,
		logger: logger,
		policy: retry.Policy{
			MaxAttempts: attempts,
			BaseDelay:   cfg.RetryBackoff(),
			MaxDelay:    10 * time.Second,
			Jitter:      0.2,
		},
	}
}

// Run lists the source until exhaustion, sending each new record on out.
// Keys in seen were already enqueued (the resume set) and are not sent
// again; Run records every key it yields there, so a retried listing pass
// never double-dispatches. A transient listing failure restarts the pass
// with backoff; exhaustion of the retry budget is fatal to the job.
func (l *Lister) Run(ctx context.Context, out chan<- *state.ObjectRecord, seen map[string]struct{}) error {
	if seen == nil {
		seen = make(map[string]struct{})
	}

	err := l.policy.Do(ctx, func() error {
		return l.listOnce(ctx, out, seen)
	})
	if err == nil {
		l.logger.Info("source listing finished", zap.Int("objects_seen", len(seen)))
		return nil
	}

	var storeErr *job.StateStoreError
	if errors.As(err, &storeErr) {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &job.ListingError{Err: err}
}

func (l *Lister) listOnce(ctx context.Context, out chan<- *state.ObjectRecord, seen map[string]struct{}) error {
	objCh, errCh := l.client.ListObjects(ctx, l.cfg.Source.Bucket, l.cfg.Prefix)

	for {
		select {
		case obj, ok := <-objCh:
			if !ok {
				// Channels close together; pick up a buffered error if
				// the listing died rather than finished.
				select {
				case err := <-errCh:
					if err != nil {
						return err
					}
				default:
				}
				return nil
			}

			if l.excluded(obj.Key) {
				continue
			}
			if _, dup := seen[obj.Key]; dup {
				continue
			}

			rec, err := l.track(obj)
			if err != nil {
				return err
			}
			seen[obj.Key] = struct{}{}
			if rec == nil {
				// Already terminal from an earlier run.
				continue
			}

			select {
			case out <- rec:
				l.logger.Debug("enqueued object", zap.String("key", obj.Key), zap.Int64("size", obj.Size))
			case <-ctx.Done():
				return ctx.Err()
			}

		case err := <-errCh:
			if err != nil {
				return err
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// track upserts the pending record for a newly listed key. It returns nil
// when the key already reached a terminal status in a previous run.
func (l *Lister) track(obj storage.ObjectInfo) (*state.ObjectRecord, error) {
	existing, err := l.store.GetObject(l.jobID, obj.Key)
	if err != nil {
		return nil, &job.StateStoreError{Op: "get object", Err: err}
	}
	if existing != nil && existing.Status.Terminal() {
		return nil, nil
	}

	rec := &state.ObjectRecord{
		JobID:   l.jobID,
		Key:     obj.Key,
		Size:    obj.Size,
		ETag:    obj.ETag,
		DestKey: l.cfg.TargetPrefix + obj.Key,
		Status:  state.StatusPending,
	}
	if existing != nil {
		rec.Attempts = existing.Attempts
	}

	if err := l.store.UpsertObject(rec); err != nil {
		return nil, &job.StateStoreError{Op: "insert pending object", Err: err}
	}
	return rec, nil
}

func (l *Lister) excluded(key string) bool {
	for _, p := range l.cfg.ExcludePrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}
