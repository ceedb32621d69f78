package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type ScheduleType string

const (
	ScheduleInterval = ScheduleType("interval")
	ScheduleDaily    = ScheduleType("daily")
	ScheduleWeekly   = ScheduleType("weekly")
	ScheduleMonthly  = ScheduleType("monthly")
	// ScheduleCron is accepted and validated but next-run computation is
	// not implemented; cron schedules never come due.
	ScheduleCron     = ScheduleType("cron")
	ScheduleAdvanced = ScheduleType("advanced")
)

// Scan implements the Scanner interface.
func (s *ScheduleType) Scan(src interface{}) error {
	if src == nil {
		return nil
	} else if txt, ok := src.(string); ok {
		*s = ScheduleType(txt)
		return nil
	} else if txt, ok := src.([]byte); ok {
		*s = ScheduleType(string(txt))
		return nil
	}
	return fmt.Errorf("models: unsupported ScheduleType: %#v", src)
}

func (s ScheduleType) Value() (driver.Value, error) {
	return string(s), nil
}

// TimeOfDay is a wall-clock time with second precision, stored as HH:MM:SS.
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

// ParseTimeOfDay parses "HH:MM:SS" (or "HH:MM") into a TimeOfDay.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	var t TimeOfDay
	n, err := fmt.Sscanf(s, "%d:%d:%d", &t.Hour, &t.Minute, &t.Second)
	if err != nil && n == 2 {
		err = nil
	}
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("models: cannot parse time of day %q", s)
	}
	if t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 || t.Second < 0 || t.Second > 59 {
		return TimeOfDay{}, fmt.Errorf("models: time of day %q out of range", s)
	}
	return t, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
}

// SecondsFromMidnight returns the offset of t into its day.
func (t TimeOfDay) SecondsFromMidnight() int {
	return t.Hour*3600 + t.Minute*60 + t.Second
}

// Scan implements the Scanner interface.
func (t *TimeOfDay) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case string:
		parsed, err := ParseTimeOfDay(v)
		if err != nil {
			return err
		}
		*t = parsed
		return nil
	case []byte:
		parsed, err := ParseTimeOfDay(string(v))
		if err != nil {
			return err
		}
		*t = parsed
		return nil
	case time.Time:
		*t = TimeOfDay{Hour: v.Hour(), Minute: v.Minute(), Second: v.Second()}
		return nil
	}
	return fmt.Errorf("models: unsupported TimeOfDay: %#v", src)
}

func (t TimeOfDay) Value() (driver.Value, error) {
	return t.String(), nil
}

func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TimeOfDay) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// WeekdayMask is a 7-bit mask; bit n is set when weekday n (Sunday == 0,
// matching time.Weekday) is active.
type WeekdayMask uint8

func (m WeekdayMask) Active(d time.Weekday) bool {
	return m&(1<<uint(d)) != 0
}

func (m WeekdayMask) Empty() bool { return m&0x7f == 0 }

// Scan implements the Scanner interface.
func (m *WeekdayMask) Scan(src interface{}) error {
	if src == nil {
		return nil
	} else if n, ok := src.(int64); ok {
		*m = WeekdayMask(n)
		return nil
	}
	return fmt.Errorf("models: unsupported WeekdayMask: %#v", src)
}

func (m WeekdayMask) Value() (driver.Value, error) {
	return int64(m), nil
}

// MonthdayMask is a 31-bit mask; bit n-1 is set when day n of the month is
// active.
type MonthdayMask uint32

func (m MonthdayMask) Active(day int) bool {
	if day < 1 || day > 31 {
		return false
	}
	return m&(1<<uint(day-1)) != 0
}

func (m MonthdayMask) Empty() bool { return m&0x7fffffff == 0 }

// Days returns the active days in ascending order.
func (m MonthdayMask) Days() []int {
	var days []int
	for day := 1; day <= 31; day++ {
		if m.Active(day) {
			days = append(days, day)
		}
	}
	return days
}

// Scan implements the Scanner interface.
func (m *MonthdayMask) Scan(src interface{}) error {
	if src == nil {
		return nil
	} else if n, ok := src.(int64); ok {
		*m = MonthdayMask(n)
		return nil
	}
	return fmt.Errorf("models: unsupported MonthdayMask: %#v", src)
}

func (m MonthdayMask) Value() (driver.Value, error) {
	return int64(m), nil
}

// A BlackoutPeriod is an absolute time range during which no scheduled run
// may start.
type BlackoutPeriod struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the period (inclusive bounds).
func (p BlackoutPeriod) Contains(t time.Time) bool {
	return !t.Before(p.Start) && !t.After(p.End)
}

// BlackoutPeriods is stored as a JSON array in a single column.
type BlackoutPeriods []BlackoutPeriod

// Contains reports whether t falls inside any period.
func (ps BlackoutPeriods) Contains(t time.Time) bool {
	for _, p := range ps {
		if p.Contains(t) {
			return true
		}
	}
	return false
}

// Scan implements the Scanner interface.
func (ps *BlackoutPeriods) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*ps = nil
		return nil
	case []byte:
		return json.Unmarshal(v, ps)
	case string:
		return json.Unmarshal([]byte(v), ps)
	}
	return fmt.Errorf("models: unsupported BlackoutPeriods: %#v", src)
}

func (ps BlackoutPeriods) Value() (driver.Value, error) {
	if ps == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(ps)
}

// A BackupSchedule is a recurrence policy bound to one backup target. The
// scheduler only reads the policy fields; it writes the run bookkeeping
// (LastRunAt, NextRunAt, LastStatus) and nothing else.
type BackupSchedule struct {
	ID                int64           `json:"id"`
	TargetID          int64           `json:"target_id"`
	Enabled           bool            `json:"enabled"`
	Type              ScheduleType    `json:"type"`
	RunTime           TimeOfDay       `json:"time"`
	Timezone          string          `json:"timezone"`
	Weekdays          WeekdayMask     `json:"weekdays"`
	Monthdays         MonthdayMask    `json:"monthdays"`
	IntervalHours     int             `json:"interval_hours"`
	CronExpression    string          `json:"cron_expression"`
	WindowStart       *TimeOfDay      `json:"window_start"`
	WindowEnd         *TimeOfDay      `json:"window_end"`
	MaxRuntime        int             `json:"max_runtime"`
	RetryOnFailure    bool            `json:"retry_on_failure"`
	MaxRetries        int             `json:"max_retries"`
	RetryDelayMinutes int             `json:"retry_delay_minutes"`
	BlackoutPeriods   BlackoutPeriods `json:"blackout_periods"`
	LastRunAt         *time.Time      `json:"last_run_at"`
	NextRunAt         *time.Time      `json:"next_run_at"`
	LastStatus        string          `json:"last_status"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}
