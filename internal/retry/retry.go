// Package retry provides the retry policy shared by the lister, the
// transfer executor and the state store: bounded attempts with exponential
// backoff and jitter, plus the transient-error classifier.
package retry

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/minio/minio-go/v7"
)

// Policy describes a bounded retry loop. The zero value retries nothing.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
	// Retryable decides whether an error is worth another attempt.
	// Defaults to Transient.
	Retryable func(error) bool
}

// Do runs op until it succeeds, exhausts the attempt budget, hits a
// non-retryable error, or the context is cancelled.
func (p Policy) Do(ctx context.Context, op func() error) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = Transient
	}

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.BaseDelay
	bo.MaxInterval = p.MaxDelay
	bo.RandomizationFactor = p.Jitter
	bo.MaxElapsedTime = 0

	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx))
}

// Delay returns the backoff before re-dispatching the given whole-object
// attempt (1-based): geometric growth from BaseDelay, capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// transientCodes are S3 error codes worth retrying.
var transientCodes = map[string]bool{
	"SlowDown":            true,
	"RequestTimeout":      true,
	"InternalError":       true,
	"ServiceUnavailable":  true,
	"ThrottlingException": true,
}

// permanentCodes are S3 error codes that no amount of retrying will fix.
var permanentCodes = map[string]bool{
	"NoSuchKey":             true,
	"NoSuchBucket":          true,
	"AccessDenied":          true,
	"InvalidAccessKeyId":    true,
	"SignatureDoesNotMatch": true,
	"QuotaExceeded":         true,
	"EntityTooLarge":        true,
}

// Transient reports whether err looks like a recoverable storage or network
// failure.
func Transient(err error) bool {
	if err == nil {
		return false
	}

	if resp := minio.ToErrorResponse(err); resp.Code != "" {
		if transientCodes[resp.Code] {
			return true
		}
		if permanentCodes[resp.Code] {
			return false
		}
		if resp.StatusCode >= 500 {
			return true
		}
		if resp.StatusCode == 429 {
			return true
		}
		return false
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "temporary") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "dns") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "gateway timeout")
}
