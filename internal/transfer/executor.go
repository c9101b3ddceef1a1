// Package transfer copies single objects between the source and the
// destination. The executor reports an outcome and leaves all state store
// writes to its caller.
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"time"

	"go.uber.org/zap"

	"s3migrate/internal/config"
	"s3migrate/internal/retry"
	"s3migrate/internal/state"
	"s3migrate/internal/storage"
)

const (
	partAttempts    = 3
	minPartTimeout  = 30 * time.Second
	partTimeoutRate = 1 << 20 // 1 MiB/s floor used to bound a part upload
)

// OutcomeStatus classifies the result of one transfer attempt.
type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeSkipped   OutcomeStatus = "skipped"
	OutcomeFailed    OutcomeStatus = "failed"
)

// Outcome is what one transfer attempt produced.
type Outcome struct {
	Status    OutcomeStatus
	Retryable bool
	Reason    string
	Err       error
	Bytes     int64
	Checksum  string
}

func succeeded(reason string, bytes int64, checksum string) Outcome {
	return Outcome{Status: OutcomeSucceeded, Reason: reason, Bytes: bytes, Checksum: checksum}
}

func skipped(reason string) Outcome {
	return Outcome{Status: OutcomeSkipped, Reason: reason}
}

func failed(err error) Outcome {
	return Outcome{Status: OutcomeFailed, Retryable: retry.Transient(err), Reason: err.Error(), Err: err}
}

func failedTransient(err error) Outcome {
	return Outcome{Status: OutcomeFailed, Retryable: true, Reason: err.Error(), Err: err}
}

func failedPermanent(err error) Outcome {
	return Outcome{Status: OutcomeFailed, Retryable: false, Reason: err.Error(), Err: err}
}

// Copier transfers objects according to one job's config.
type Copier struct {
	src    storage.Client
	dst    storage.Client
	cfg    config.JobConfig
	logger *zap.Logger
	parts  retry.Policy
}

// NewCopier creates an executor for one job
func NewCopier(src, dst storage.Client, cfg config.JobConfig, logger *zap.Logger) *Copier {
	return &Copier{
		src:    src,
		dst:    dst,
		cfg:    cfg,
		logger: logger,
		parts: retry.Policy{
			MaxAttempts: partAttempts,
			BaseDelay:   cfg.RetryBackoff(),
			MaxDelay:    30 * time.Second,
			Jitter:      0.2,
		},
	}
}

// DestKey returns the destination key for a source key
func (c *Copier) DestKey(key string) string {
	return c.cfg.TargetPrefix + key
}

// Transfer copies one object. It touches only the destination bucket; the
// scheduler owns the record's persistence.
func (c *Copier) Transfer(ctx context.Context, rec *state.ObjectRecord) Outcome {
	destKey := c.DestKey(rec.Key)

	if c.cfg.DryRun {
		if _, err := c.src.HeadObject(ctx, c.cfg.Source.Bucket, rec.Key); err != nil {
			return failed(fmt.Errorf("dry run: source object unreachable: %w", err))
		}
		return succeeded("dry run, no data moved", 0, "")
	}

	if out, done := c.checkConflict(ctx, rec, destKey); done {
		return out
	}

	if rec.Size >= c.cfg.MultipartThreshold {
		return c.copyMultipart(ctx, rec, destKey)
	}
	return c.copySingle(ctx, rec, destKey)
}

// checkConflict applies the configured policy when the destination already
// holds the key. Identical size skips unless overwrite is requested, which
// always forces a fresh copy.
func (c *Copier) checkConflict(ctx context.Context, rec *state.ObjectRecord, destKey string) (Outcome, bool) {
	info, err := c.dst.HeadObject(ctx, c.cfg.Target.Bucket, destKey)
	if err != nil {
		// Not there (or unreadable): proceed and let the copy surface any
		// real failure.
		return Outcome{}, false
	}

	if c.cfg.OnConflict == config.ConflictOverwrite {
		return Outcome{}, false
	}

	if info.Size == rec.Size {
		return skipped("destination already has an object of identical size"), true
	}

	if c.cfg.OnConflict == config.ConflictFail {
		return failedPermanent(fmt.Errorf("destination has %d bytes, source has %d and on_conflict=fail", info.Size, rec.Size)), true
	}
	return skipped(fmt.Sprintf("destination already exists with %d bytes, on_conflict=skip", info.Size)), true
}

func (c *Copier) copySingle(ctx context.Context, rec *state.ObjectRecord, destKey string) Outcome {
	body, err := c.src.GetObject(ctx, c.cfg.Source.Bucket, rec.Key)
	if err != nil {
		return failed(fmt.Errorf("failed to read source object: %w", err))
	}
	defer body.Close()

	hasher := sha256.New()
	tee := io.TeeReader(body, hasher)

	err = c.dst.PutObject(ctx, c.cfg.Target.Bucket, destKey, tee, rec.Size, storage.PutOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return failed(fmt.Errorf("failed to write destination object: %w", err))
	}

	if out, ok := c.verifySize(ctx, rec, destKey); !ok {
		return out
	}
	return succeeded("copied", rec.Size, sumHex(hasher))
}

func (c *Copier) copyMultipart(ctx context.Context, rec *state.ObjectRecord, destKey string) Outcome {
	uploadID, err := c.dst.NewMultipartUpload(ctx, c.cfg.Target.Bucket, destKey, storage.PutOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return failed(fmt.Errorf("failed to initiate multipart upload: %w", err))
	}

	partSize := c.cfg.PartSize
	partCount := int((rec.Size + partSize - 1) / partSize)
	parts := make([]storage.CompletedPart, 0, partCount)

	for partNum := 1; partNum <= partCount; partNum++ {
		// Cooperative cancellation between parts, never mid-stream.
		if err := ctx.Err(); err != nil {
			c.abort(rec.Key, destKey, uploadID)
			return failedTransient(fmt.Errorf("transfer cancelled before part %d: %w", partNum, err))
		}

		start := int64(partNum-1) * partSize
		end := start + partSize - 1
		if end >= rec.Size {
			end = rec.Size - 1
		}

		etag, err := c.uploadPart(ctx, rec.Key, destKey, uploadID, partNum, start, end)
		if err != nil {
			c.abort(rec.Key, destKey, uploadID)
			return failed(fmt.Errorf("part %d/%d failed: %w", partNum, partCount, err))
		}

		parts = append(parts, storage.CompletedPart{PartNumber: partNum, ETag: etag})
	}

	if err := c.dst.CompleteMultipartUpload(ctx, c.cfg.Target.Bucket, destKey, uploadID, parts); err != nil {
		// Abort so no orphaned partial upload is left behind; the whole
		// object is retried from scratch.
		c.abort(rec.Key, destKey, uploadID)
		return failed(fmt.Errorf("failed to finalize multipart upload: %w", err))
	}

	if out, ok := c.verifySize(ctx, rec, destKey); !ok {
		return out
	}
	return succeeded(fmt.Sprintf("copied in %d parts", partCount), rec.Size, "")
}

// uploadPart streams one part range with its own retry budget and timeout.
// Each attempt re-opens the source range so a torn read never repeats.
func (c *Copier) uploadPart(ctx context.Context, srcKey, destKey, uploadID string, partNum int, start, end int64) (string, error) {
	size := end - start + 1
	var etag string

	err := c.parts.Do(ctx, func() error {
		partCtx, cancel := context.WithTimeout(ctx, partTimeout(size))
		defer cancel()

		body, err := c.src.GetObjectRange(partCtx, c.cfg.Source.Bucket, srcKey, start, end)
		if err != nil {
			return fmt.Errorf("failed to read source range: %w", err)
		}
		defer body.Close()

		etag, err = c.dst.UploadPart(partCtx, c.cfg.Target.Bucket, destKey, uploadID, partNum, body, size)
		return err
	})
	return etag, err
}

// verifySize compares the destination object size with the source size. A
// mismatch counts as transient: the copy is simply done again.
func (c *Copier) verifySize(ctx context.Context, rec *state.ObjectRecord, destKey string) (Outcome, bool) {
	info, err := c.dst.HeadObject(ctx, c.cfg.Target.Bucket, destKey)
	if err != nil {
		return failed(fmt.Errorf("failed to verify destination object: %w", err)), false
	}
	if info.Size != rec.Size {
		return failedTransient(fmt.Errorf("size mismatch after copy: destination has %d bytes, source has %d", info.Size, rec.Size)), false
	}
	return Outcome{}, true
}

func (c *Copier) abort(srcKey, destKey, uploadID string) {
	// Abort runs on a fresh context: the upload must be cleaned up even
	// when the transfer context is already cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.dst.AbortMultipartUpload(ctx, c.cfg.Target.Bucket, destKey, uploadID); err != nil {
		c.logger.Warn("failed to abort multipart upload",
			zap.String("key", srcKey),
			zap.String("upload_id", uploadID),
			zap.Error(err),
		)
	}
}

func partTimeout(size int64) time.Duration {
	d := time.Duration(size/partTimeoutRate) * time.Second
	if d < minPartTimeout {
		return minPartTimeout
	}
	return d
}

func sumHex(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}
