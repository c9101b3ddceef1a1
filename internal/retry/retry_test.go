package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}
}

func TestDoRetriesTransient(t *testing.T) {
	calls := 0
	err := fastPolicy(5).Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanent(t *testing.T) {
	calls := 0
	wantErr := errors.New("object has been deleted")
	err := fastPolicy(5).Do(context.Background(), func() error {
		calls++
		return wantErr
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 1, calls, "non-transient errors must not be retried")
}

func TestDoExhaustsBudget(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Do(context.Background(), func() error {
		calls++
		return errors.New("request timeout")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Policy{MaxAttempts: 100, BaseDelay: 10 * time.Millisecond, MaxDelay: 10 * time.Millisecond}.Do(ctx, func() error {
		calls++
		if calls == 2 {
			cancel()
		}
		return errors.New("temporary failure")
	})

	require.Error(t, err)
	assert.Less(t, calls, 100)
}

func TestDoCustomPredicate(t *testing.T) {
	calls := 0
	p := fastPolicy(4)
	p.Retryable = func(err error) bool { return err.Error() == "again" }

	err := p.Do(context.Background(), func() error {
		calls++
		if calls < 2 {
			return errors.New("again")
		}
		return errors.New("done for good")
	})

	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestDelayGrowsGeometricallyWithCap(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 400*time.Millisecond, p.Delay(3))
	assert.Equal(t, 800*time.Millisecond, p.Delay(4))
	assert.Equal(t, time.Second, p.Delay(5))
	assert.Equal(t, time.Second, p.Delay(20))
	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
}

func TestTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("dial tcp: i/o timeout"), true},
		{errors.New("connection refused"), true},
		{errors.New("502 bad gateway"), true},
		{errors.New("service unavailable"), true},
		{errors.New("temporary DNS failure"), true},
		{errors.New("access denied"), false},
		{errors.New("size mismatch"), false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Transient(tt.err), "error: %v", tt.err)
	}
}
