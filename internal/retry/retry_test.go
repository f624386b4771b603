package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedSleeps struct {
	delays []time.Duration
}

func (r *recordedSleeps) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func TestDoRetriesTransientErrors(t *testing.T) {
	sleeps := &recordedSleeps{}
	p := Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}.WithSleep(sleeps.sleep)

	calls := 0
	err := p.Do(context.Background(), "send", func(ctx context.Context, attempt int) error {
		assert.Equal(t, calls, attempt)
		calls++
		if calls < 3 {
			return errors.New("503")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, sleeps.delays)
}

func TestDoStopsAtAttemptCap(t *testing.T) {
	sleeps := &recordedSleeps{}
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}.WithSleep(sleeps.sleep)

	calls := 0
	transient := errors.New("timeout")
	err := p.Do(context.Background(), "send", func(context.Context, int) error {
		calls++
		return transient
	})
	assert.ErrorIs(t, err, transient)
	assert.Equal(t, 3, calls)
	assert.Len(t, sleeps.delays, 2)
}

func TestDoFailsFastOnPermanent(t *testing.T) {
	sleeps := &recordedSleeps{}
	p := DefaultPolicy().WithSleep(sleeps.sleep)

	invalid := errors.New("invalid recipient")
	calls := 0
	err := p.Do(context.Background(), "send", func(context.Context, int) error {
		calls++
		return Permanent(invalid)
	})
	assert.ErrorIs(t, err, invalid)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 1, calls)
	assert.Empty(t, sleeps.delays)
}

func TestDoStopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := DefaultPolicy().WithSleep(func(context.Context, time.Duration) error { return nil })

	calls := 0
	err := p.Do(ctx, "send", func(context.Context, int) error {
		calls++
		cancel()
		return errors.New("boom")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestBackoffCapsAndJitters(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 3 * time.Second}
	assert.Equal(t, time.Second, p.Backoff(0))
	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 3*time.Second, p.Backoff(2))
	assert.Equal(t, 3*time.Second, p.Backoff(40))

	p.Jitter = 0.2
	p.rand = func() float64 { return 0 }
	assert.Equal(t, 800*time.Millisecond, p.Backoff(0))
	p.rand = func() float64 { return 1 }
	assert.Equal(t, 1200*time.Millisecond, p.Backoff(0))
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(errors.New("connection reset")))
	assert.False(t, IsRetryable(Permanent(errors.New("bad number"))))
	assert.False(t, IsRetryable(context.Canceled))
	assert.Nil(t, Permanent(nil))
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	assert.NoError(t, Sleep(context.Background(), 0))
}
