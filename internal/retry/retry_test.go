package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/citypulse/trafficflow/internal/clock"
)

func TestDoSucceedsWithoutRetry(t *testing.T) {
	calls := 0
	err := Policy{MaxAttempts: 3}.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestDoStopsAfterMaxAttempts(t *testing.T) {
	fake := clock.NewFake(time.Now())
	boom := errors.New("boom")
	calls := 0

	done := make(chan error, 1)
	go func() {
		done <- Policy{MaxAttempts: 3, Clock: fake}.Do(context.Background(), "op", func(context.Context) error {
			calls++
			return boom
		})
	}()

	fake.BlockUntil(1)
	fake.Advance(defaultBaseDelay)
	fake.BlockUntil(1)
	fake.Advance(2 * defaultBaseDelay)

	err := <-done
	require.ErrorIs(t, err, boom)
	require.Equal(t, 3, calls)
}

func TestDoReturnsNonRetryableImmediately(t *testing.T) {
	fatal := errors.New("constraint violation")
	calls := 0
	err := Policy{
		MaxAttempts: 5,
		Retryable:   func(error) bool { return false },
	}.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return fatal
	})
	require.ErrorIs(t, err, fatal)
	require.Equal(t, 1, calls)
}

func TestDoRecoversAfterTransientFailures(t *testing.T) {
	fake := clock.NewFake(time.Now())
	calls := 0

	done := make(chan error, 1)
	go func() {
		done <- Policy{MaxAttempts: 5, Clock: fake}.Do(context.Background(), "op", func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
	}()

	fake.BlockUntil(1)
	fake.Advance(defaultBaseDelay)
	fake.BlockUntil(1)
	fake.Advance(2 * defaultBaseDelay)

	require.NoError(t, <-done)
	require.Equal(t, 3, calls)
}

func TestDoHonoursContextCancellation(t *testing.T) {
	fake := clock.NewFake(time.Now())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Policy{Clock: fake}.Do(ctx, "op", func(context.Context) error {
			return errors.New("transient")
		})
	}()

	fake.BlockUntil(1)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestDelayCapsAtMaxDelay(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	require.Equal(t, 100*time.Millisecond, p.delay(1))
	require.Equal(t, 200*time.Millisecond, p.delay(2))
	require.Equal(t, 800*time.Millisecond, p.delay(4))
	require.Equal(t, time.Second, p.delay(5))
	require.Equal(t, time.Second, p.delay(12))
}
