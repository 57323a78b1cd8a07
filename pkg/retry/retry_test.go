package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/surrealdb/surrealsync/pkg/retry"
)

func TestLadderDelay(t *testing.T) {
	ladder := []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}

	assert.Equal(t, time.Second, retry.LadderDelay(ladder, 0))
	assert.Equal(t, 5*time.Second, retry.LadderDelay(ladder, 1))
	assert.Equal(t, 15*time.Second, retry.LadderDelay(ladder, 2))
	assert.Equal(t, 15*time.Second, retry.LadderDelay(ladder, 9))
	assert.Equal(t, time.Second, retry.LadderDelay(ladder, -1))
	assert.Equal(t, time.Duration(0), retry.LadderDelay(nil, 3))
}

func TestLadderRetryer(t *testing.T) {
	r := retry.NewLadderRetryer(nil, 3)
	assert.Equal(t, retry.DefaultLadder, r.Delays)

	d, ok := r.NextDelay(0, nil)
	assert.True(t, ok)
	assert.Equal(t, time.Second, d)

	_, ok = r.NextDelay(3, nil)
	assert.False(t, ok)
}

func TestExponentialBackoffRetryer(t *testing.T) {
	r := &retry.ExponentialBackoffRetryer{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
		MaxRetries:   5,
	}

	delays := []time.Duration{}
	for i := 0; ; i++ {
		d, ok := r.NextDelay(i, nil)
		if !ok {
			break
		}
		delays = append(delays, d)
	}

	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
	}, delays)
}

func TestDoublingRetryerSaturates(t *testing.T) {
	r := retry.NewDoublingRetryer(time.Second, time.Minute, 100)

	d, ok := r.NextDelay(0, nil)
	require.True(t, ok)
	assert.Equal(t, time.Second, d)

	d, ok = r.NextDelay(3, nil)
	require.True(t, ok)
	assert.Equal(t, 8*time.Second, d)

	// 1s << 70 overflows a Duration; the delay stays at the cap.
	d, ok = r.NextDelay(70, nil)
	require.True(t, ok)
	assert.Equal(t, time.Minute, d)

	_, ok = r.NextDelay(100, nil)
	assert.False(t, ok)
}

func TestDoublingRetryerDefaultCap(t *testing.T) {
	d, ok := retry.NewDoublingRetryer(time.Second, 0, 0).NextDelay(1000, nil)
	require.True(t, ok)
	assert.Equal(t, retry.DefaultMaxBackoff, d)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), retry.NewLadderRetryer([]time.Duration{time.Millisecond}, 5), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanent(t *testing.T) {
	sentinel := errors.New("invalid document")
	calls := 0
	err := retry.Do(context.Background(), retry.NewLadderRetryer([]time.Duration{time.Millisecond}, 5), func(context.Context) error {
		calls++
		return retry.Permanent(sentinel)
	})
	require.ErrorIs(t, err, sentinel)
	assert.True(t, retry.IsPermanent(err))
	assert.Equal(t, 1, calls)
}

func TestDoGivesUp(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), retry.NewLadderRetryer([]time.Duration{time.Millisecond}, 2), func(context.Context) error {
		calls++
		return errors.New("down")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := retry.Do(ctx, retry.NewLadderRetryer([]time.Duration{time.Hour}, 0), func(context.Context) error {
		return errors.New("down")
	})
	require.ErrorIs(t, err, context.Canceled)
}
