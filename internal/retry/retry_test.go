package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func TestDoSucceedsWithoutRetry(t *testing.T) {
	t.Parallel()

	calls := 0
	p := Policy{MaxRetries: 3, InitialDelay: time.Millisecond, Sleep: noSleep}

	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	calls := 0
	p := Policy{MaxRetries: 5, InitialDelay: time.Millisecond, BackoffMultiplier: 2, Sleep: noSleep}

	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoRethrowsLastErrorOnExhaustion(t *testing.T) {
	t.Parallel()

	calls := 0
	wantErr := errors.New("persistent")
	p := Policy{MaxRetries: 2, InitialDelay: time.Millisecond, Sleep: noSleep}

	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return wantErr
	})

	require.ErrorIs(t, err, wantErr)
	require.Equal(t, 3, calls) // initial attempt + 2 retries
}

func TestDoRethrowsNonRetryableImmediately(t *testing.T) {
	t.Parallel()

	calls := 0
	fatal := errors.New("fatal")
	p := Policy{
		MaxRetries:   5,
		InitialDelay: time.Millisecond,
		Sleep:        noSleep,
		Classify:     func(err error) bool { return !errors.Is(err, fatal) },
	}

	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return fatal
	})

	require.ErrorIs(t, err, fatal)
	require.Equal(t, 1, calls)
}

func TestDelayForCapsAtMaxDelay(t *testing.T) {
	t.Parallel()

	p := Policy{InitialDelay: time.Second, BackoffMultiplier: 10, MaxDelay: 5 * time.Second}

	require.Equal(t, time.Second, p.delayFor(0))
	require.Equal(t, 5*time.Second, p.delayFor(3))
}

func TestDoStopsOnContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	p := Policy{MaxRetries: 5, InitialDelay: time.Millisecond}

	err := p.Do(ctx, func(ctx context.Context) error {
		calls++
		return errors.New("transient")
	})

	require.Error(t, err)
	require.Equal(t, 1, calls)
}
