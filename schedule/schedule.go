// Package schedule computes when a recurring backup schedule next comes due.
//
// Everything here is a pure function of a schedule definition and a point in
// time. A malformed schedule (empty weekday mask, unknown timezone, a type
// with no computation) yields "not due" rather than an error, so one bad row
// can never stall the scheduler's tick loop.
package schedule

import (
	"time"

	"github.com/treeline/backstop/models"
)

// blackoutScanLimit bounds the day-by-day blackout skip for daily schedules.
// A schedule blacked out for more than a year never comes due.
const blackoutScanLimit = 366

// NextRun returns the next timestamp strictly after from at which the
// schedule should run, or false when the schedule cannot produce one.
//
// Cron schedules always return false: expressions are validated and stored
// but next-run computation for them is deliberately not implemented yet.
// Advanced schedules are operator-defined policy the calculator does not
// interpret; they behave the same way.
func NextRun(s *models.BackupSchedule, from time.Time) (time.Time, bool) {
	loc, ok := location(s)
	if !ok {
		return time.Time{}, false
	}
	from = from.In(loc)

	switch s.Type {
	case models.ScheduleInterval:
		return nextInterval(s, from)
	case models.ScheduleDaily:
		return nextDaily(s, from, loc)
	case models.ScheduleWeekly:
		return nextWeekly(s, from, loc)
	case models.ScheduleMonthly:
		return nextMonthly(s, from, loc)
	}
	return time.Time{}, false
}

// InWindow reports whether t falls inside the schedule's daily run window.
// A schedule without a window is always in window. A window that crosses
// midnight (start > end) is satisfied when t is after the start or before
// the end.
func InWindow(s *models.BackupSchedule, t time.Time) bool {
	if s.WindowStart == nil || s.WindowEnd == nil {
		return true
	}
	loc, ok := location(s)
	if !ok {
		return false
	}
	t = t.In(loc)
	now := t.Hour()*3600 + t.Minute()*60 + t.Second()
	start := s.WindowStart.SecondsFromMidnight()
	end := s.WindowEnd.SecondsFromMidnight()
	if start <= end {
		return now >= start && now <= end
	}
	return now >= start || now <= end
}

// InBlackout reports whether t falls inside any of the schedule's blackout
// periods.
func InBlackout(s *models.BackupSchedule, t time.Time) bool {
	return s.BlackoutPeriods.Contains(t)
}

func location(s *models.BackupSchedule) (*time.Location, bool) {
	if s.Timezone == "" {
		return time.UTC, true
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, false
	}
	return loc, true
}

func nextInterval(s *models.BackupSchedule, from time.Time) (time.Time, bool) {
	if s.IntervalHours <= 0 {
		return time.Time{}, false
	}
	return from.Add(time.Duration(s.IntervalHours) * time.Hour), true
}

// occurrence places the schedule's run time on the given calendar day.
func occurrence(s *models.BackupSchedule, year int, month time.Month, day int, loc *time.Location) time.Time {
	return time.Date(year, month, day, s.RunTime.Hour, s.RunTime.Minute, s.RunTime.Second, 0, loc)
}

func nextDaily(s *models.BackupSchedule, from time.Time, loc *time.Location) (time.Time, bool) {
	candidate := occurrence(s, from.Year(), from.Month(), from.Day(), loc)
	if !candidate.After(from) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	for i := 0; i < blackoutScanLimit; i++ {
		if !InBlackout(s, candidate) {
			return candidate, true
		}
		candidate = candidate.AddDate(0, 0, 1)
	}
	return time.Time{}, false
}

func nextWeekly(s *models.BackupSchedule, from time.Time, loc *time.Location) (time.Time, bool) {
	if s.Weekdays.Empty() {
		return time.Time{}, false
	}
	// Two weeks guarantees termination: any set weekday bit repeats within
	// seven days of the first candidate.
	for i := 0; i < 14; i++ {
		day := from.AddDate(0, 0, i)
		if !s.Weekdays.Active(day.Weekday()) {
			continue
		}
		candidate := occurrence(s, day.Year(), day.Month(), day.Day(), loc)
		if candidate.After(from) && !InBlackout(s, candidate) {
			return candidate, true
		}
	}
	return time.Time{}, false
}

func nextMonthly(s *models.BackupSchedule, from time.Time, loc *time.Location) (time.Time, bool) {
	if s.Monthdays.Empty() {
		return time.Time{}, false
	}
	days := s.Monthdays.Days()

	// Rest of the current month first, then the earliest eligible day of
	// the next month.
	for monthOffset := 0; monthOffset < 2; monthOffset++ {
		first := time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, loc).AddDate(0, monthOffset, 0)
		for _, day := range days {
			if day > daysIn(first.Year(), first.Month()) {
				continue
			}
			candidate := occurrence(s, first.Year(), first.Month(), day, loc)
			if candidate.After(from) && !InBlackout(s, candidate) {
				return candidate, true
			}
		}
	}
	return time.Time{}, false
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
