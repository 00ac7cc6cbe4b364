//go:build linux

package sched

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvanceDeadline(t *testing.T) {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	interval := 2 * time.Second

	t.Run("on_time_advances_by_interval", func(t *testing.T) {
		next := advanceDeadline(base, base, interval)
		assert.Equal(t, base.Add(interval), next)
	})

	t.Run("slightly_late_keeps_cadence", func(t *testing.T) {
		now := base.Add(500 * time.Millisecond)
		next := advanceDeadline(base, now, interval)
		assert.Equal(t, base.Add(interval), next)
	})

	t.Run("behind_skips_missed_ticks", func(t *testing.T) {
		// The tick fired three intervals late: missed firings are
		// dropped, not replayed back to back.
		now := base.Add(3 * interval)
		next := advanceDeadline(base, now, interval)
		assert.Equal(t, now.Add(interval), next)
	})
}

func TestSleepUntil(t *testing.T) {
	t.Run("past_deadline_returns_immediately", func(t *testing.T) {
		require.NoError(t, sleepUntil(context.Background(), time.Now().Add(-time.Second)))
	})

	t.Run("cancellation_wins", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := sleepUntil(ctx, time.Now().Add(time.Hour))
		require.ErrorIs(t, err, context.Canceled)
	})

	t.Run("short_deadline_elapses", func(t *testing.T) {
		start := time.Now()
		require.NoError(t, sleepUntil(context.Background(), start.Add(5*time.Millisecond)))
		assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
	})
}
