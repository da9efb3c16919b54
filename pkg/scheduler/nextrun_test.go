package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
)

func TestNextRunOnce(t *testing.T) {
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

	t.Run("empty spec fires at next tick", func(t *testing.T) {
		next, err := nextRun(models.ScheduleOnce, "", now)
		require.NoError(t, err)
		assert.Equal(t, now, next)
	})

	t.Run("timestamp spec", func(t *testing.T) {
		next, err := nextRun(models.ScheduleOnce, "2026-03-11T06:30:00Z", now)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 3, 11, 6, 30, 0, 0, time.UTC), next)
	})

	t.Run("invalid timestamp rejected", func(t *testing.T) {
		_, err := nextRun(models.ScheduleOnce, "tomorrow", now)
		assert.ErrorContains(t, err, "RFC3339")
	})
}

func TestNextRunInterval(t *testing.T) {
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

	next, err := nextRun(models.ScheduleInterval, "30", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(30*time.Second), next)

	for _, bad := range []string{"", "abc", "0", "-5"} {
		_, err := nextRun(models.ScheduleInterval, bad, now)
		assert.Error(t, err, "spec %q should be rejected", bad)
	}
}

func TestNextRunDaily(t *testing.T) {
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

	t.Run("later today", func(t *testing.T) {
		next, err := nextRun(models.ScheduleDaily, "09:30", now)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC), next)
	})

	t.Run("already passed rolls to tomorrow", func(t *testing.T) {
		next, err := nextRun(models.ScheduleDaily, "07:00", now)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 3, 11, 7, 0, 0, 0, time.UTC), next)
	})

	t.Run("exact boundary rolls forward", func(t *testing.T) {
		next, err := nextRun(models.ScheduleDaily, "08:00", now)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC), next,
			"a run at the boundary must not fire twice in the same minute")
	})

	t.Run("invalid clock rejected", func(t *testing.T) {
		_, err := nextRun(models.ScheduleDaily, "25:99", now)
		assert.ErrorContains(t, err, "HH:MM")
	})
}

func TestNextRunWeekly(t *testing.T) {
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	require.Equal(t, time.Tuesday, now.Weekday())

	t.Run("next occurrence of the weekday", func(t *testing.T) {
		next, err := nextRun(models.ScheduleWeekly, "monday@09:00", now)
		require.NoError(t, err)
		assert.Equal(t, time.Monday, next.Weekday())
		assert.Equal(t, 9, next.Hour())
		assert.True(t, next.After(now))
		assert.LessOrEqual(t, next.Sub(now), 7*24*time.Hour)
	})

	t.Run("same weekday later clock fires today", func(t *testing.T) {
		next, err := nextRun(models.ScheduleWeekly, "tuesday@21:00", now)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 3, 10, 21, 0, 0, 0, time.UTC), next)
	})

	t.Run("same weekday earlier clock waits a week", func(t *testing.T) {
		next, err := nextRun(models.ScheduleWeekly, "tuesday@07:00", now)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 3, 17, 7, 0, 0, 0, time.UTC), next)
	})

	t.Run("bad forms rejected", func(t *testing.T) {
		for _, bad := range []string{"monday", "funday@09:00", "monday@9am"} {
			_, err := nextRun(models.ScheduleWeekly, bad, now)
			assert.Error(t, err, "spec %q should be rejected", bad)
		}
	})
}

func TestNextRunCron(t *testing.T) {
	now := time.Date(2026, 3, 10, 8, 2, 30, 0, time.UTC)

	next, err := nextRun(models.ScheduleCron, "*/5 * * * *", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 10, 8, 5, 0, 0, time.UTC), next)

	_, err = nextRun(models.ScheduleCron, "not cron", now)
	assert.ErrorContains(t, err, "cron")
}

func TestNextRunUnknownKind(t *testing.T) {
	_, err := nextRun(models.ScheduleKind("hourly"), "", time.Now())
	assert.ErrorContains(t, err, "unknown schedule kind")
}
