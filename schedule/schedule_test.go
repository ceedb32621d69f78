package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/treeline/backstop/models"
)

func mustTimeOfDay(t *testing.T, s string) models.TimeOfDay {
	t.Helper()
	tod, err := models.ParseTimeOfDay(s)
	require.NoError(t, err)
	return tod
}

func daily(t *testing.T, runTime string) *models.BackupSchedule {
	return &models.BackupSchedule{
		Type:    models.ScheduleDaily,
		RunTime: mustTimeOfDay(t, runTime),
	}
}

func TestNextRunInterval(t *testing.T) {
	t.Parallel()
	s := &models.BackupSchedule{Type: models.ScheduleInterval, IntervalHours: 6}
	from := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	next, ok := NextRun(s, from)
	require.True(t, ok)
	assert.Equal(t, from.Add(6*time.Hour), next)
}

func TestNextRunIntervalZeroHoursNotDue(t *testing.T) {
	t.Parallel()
	s := &models.BackupSchedule{Type: models.ScheduleInterval}
	_, ok := NextRun(s, time.Now())
	assert.False(t, ok)
}

func TestNextRunDailyLaterToday(t *testing.T) {
	t.Parallel()
	s := daily(t, "22:30")
	from := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	next, ok := NextRun(s, from)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 8, 30, 22, 30, 0, 0, time.UTC), next)
}

func TestNextRunDailyTomorrow(t *testing.T) {
	t.Parallel()
	s := daily(t, "02:00")
	from := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	next, ok := NextRun(s, from)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 8, 31, 2, 0, 0, 0, time.UTC), next)
}

func TestNextRunDailyExactlyAtRunTimeMovesOn(t *testing.T) {
	t.Parallel()
	s := daily(t, "02:00")
	from := time.Date(2026, 8, 30, 2, 0, 0, 0, time.UTC)
	next, ok := NextRun(s, from)
	require.True(t, ok)
	// strictly after from
	assert.Equal(t, time.Date(2026, 8, 31, 2, 0, 0, 0, time.UTC), next)
}

func TestNextRunDailySkipsBlackout(t *testing.T) {
	t.Parallel()
	s := daily(t, "02:00")
	// the next two occurrences are blacked out; the third date wins
	s.BlackoutPeriods = models.BlackoutPeriods{{
		Start: time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 9, 2, 0, 0, 0, 0, time.UTC),
	}}
	from := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	next, ok := NextRun(s, from)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 9, 2, 2, 0, 0, 0, time.UTC), next)
}

func TestNextRunDailyPermanentBlackoutNotDue(t *testing.T) {
	t.Parallel()
	s := daily(t, "02:00")
	s.BlackoutPeriods = models.BlackoutPeriods{{
		Start: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2220, 1, 1, 0, 0, 0, 0, time.UTC),
	}}
	_, ok := NextRun(s, time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC))
	assert.False(t, ok)
}

func TestNextRunWeekly(t *testing.T) {
	t.Parallel()
	s := daily(t, "02:00")
	s.Type = models.ScheduleWeekly
	s.Weekdays = models.WeekdayMask(1<<time.Monday | 1<<time.Friday)
	// Tuesday
	from := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	next, ok := NextRun(s, from)
	require.True(t, ok)
	// Friday Sep 4
	assert.Equal(t, time.Date(2026, 9, 4, 2, 0, 0, 0, time.UTC), next)
	assert.Equal(t, time.Friday, next.Weekday())
}

func TestNextRunWeeklySameDayBeforeRunTime(t *testing.T) {
	t.Parallel()
	s := daily(t, "22:00")
	s.Type = models.ScheduleWeekly
	s.Weekdays = models.WeekdayMask(1 << time.Tuesday)
	// Tuesday morning
	from := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	next, ok := NextRun(s, from)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 9, 1, 22, 0, 0, 0, time.UTC), next)
}

func TestNextRunWeeklyEmptyMaskNotDue(t *testing.T) {
	t.Parallel()
	s := daily(t, "02:00")
	s.Type = models.ScheduleWeekly
	_, ok := NextRun(s, time.Now())
	assert.False(t, ok)
}

func TestNextRunMonthly(t *testing.T) {
	t.Parallel()
	s := daily(t, "02:00")
	s.Type = models.ScheduleMonthly
	s.Monthdays = models.MonthdayMask(1<<0 | 1<<14) // days 1 and 15
	// the 20th: both days this month have passed
	from := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	next, ok := NextRun(s, from)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 9, 1, 2, 0, 0, 0, time.UTC), next)
}

func TestNextRunMonthlyLaterThisMonth(t *testing.T) {
	t.Parallel()
	s := daily(t, "02:00")
	s.Type = models.ScheduleMonthly
	s.Monthdays = models.MonthdayMask(1<<0 | 1<<14)
	from := time.Date(2026, 8, 10, 10, 0, 0, 0, time.UTC)
	next, ok := NextRun(s, from)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 8, 15, 2, 0, 0, 0, time.UTC), next)
}

func TestNextRunMonthlyDay31SkipsShortMonths(t *testing.T) {
	t.Parallel()
	s := daily(t, "02:00")
	s.Type = models.ScheduleMonthly
	s.Monthdays = models.MonthdayMask(1 << 30) // day 31
	// September has 30 days; the next day 31 is in October
	from := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	next, ok := NextRun(s, from)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 10, 31, 2, 0, 0, 0, time.UTC), next)
}

func TestNextRunCronNotDue(t *testing.T) {
	t.Parallel()
	s := &models.BackupSchedule{Type: models.ScheduleCron, CronExpression: "0 2 * * 1"}
	_, ok := NextRun(s, time.Now())
	assert.False(t, ok)
}

func TestNextRunAdvancedNotDue(t *testing.T) {
	t.Parallel()
	s := &models.BackupSchedule{Type: models.ScheduleAdvanced}
	_, ok := NextRun(s, time.Now())
	assert.False(t, ok)
}

func TestNextRunUnknownTimezoneNotDue(t *testing.T) {
	t.Parallel()
	s := daily(t, "02:00")
	s.Timezone = "Mars/Olympus_Mons"
	_, ok := NextRun(s, time.Now())
	assert.False(t, ok)
}

func TestNextRunHonorsTimezone(t *testing.T) {
	t.Parallel()
	s := daily(t, "02:00")
	s.Timezone = "America/New_York"
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	from := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	next, ok := NextRun(s, from)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 8, 30, 2, 0, 0, 0, loc).AddDate(0, 0, 1), next)
}

func TestInWindow(t *testing.T) {
	t.Parallel()
	s := daily(t, "02:00")
	start := mustTimeOfDay(t, "01:00")
	end := mustTimeOfDay(t, "05:00")
	s.WindowStart, s.WindowEnd = &start, &end

	assert.True(t, InWindow(s, time.Date(2026, 8, 30, 2, 0, 0, 0, time.UTC)))
	assert.True(t, InWindow(s, time.Date(2026, 8, 30, 1, 0, 0, 0, time.UTC)))
	assert.True(t, InWindow(s, time.Date(2026, 8, 30, 5, 0, 0, 0, time.UTC)))
	assert.False(t, InWindow(s, time.Date(2026, 8, 30, 5, 0, 1, 0, time.UTC)))
	assert.False(t, InWindow(s, time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)))
}

func TestInWindowWrapsMidnight(t *testing.T) {
	t.Parallel()
	s := daily(t, "23:00")
	start := mustTimeOfDay(t, "22:00")
	end := mustTimeOfDay(t, "04:00")
	s.WindowStart, s.WindowEnd = &start, &end

	assert.True(t, InWindow(s, time.Date(2026, 8, 30, 23, 0, 0, 0, time.UTC)))
	assert.True(t, InWindow(s, time.Date(2026, 8, 30, 3, 0, 0, 0, time.UTC)))
	assert.False(t, InWindow(s, time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)))
}

func TestInWindowNoWindowAlwaysTrue(t *testing.T) {
	t.Parallel()
	assert.True(t, InWindow(daily(t, "02:00"), time.Now()))
}

func TestInBlackout(t *testing.T) {
	t.Parallel()
	s := daily(t, "02:00")
	s.BlackoutPeriods = models.BlackoutPeriods{{
		Start: time.Date(2026, 12, 24, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 12, 26, 0, 0, 0, 0, time.UTC),
	}}
	assert.True(t, InBlackout(s, time.Date(2026, 12, 25, 2, 0, 0, 0, time.UTC)))
	assert.False(t, InBlackout(s, time.Date(2026, 12, 27, 2, 0, 0, 0, time.UTC)))
}
