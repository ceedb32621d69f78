// Logic for interacting with the "backup_schedules" table.
package schedules

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	dberror "github.com/Shyp/go-dberror"
	"github.com/robfig/cron/v3"
	"github.com/treeline/backstop/models"
	"github.com/treeline/backstop/models/db"
)

// ErrNotFound indicates that the schedule was not found.
var ErrNotFound = errors.New("schedules: schedule not found")

var createStmt *sql.Stmt
var updateStmt *sql.Stmt
var getStmt *sql.Stmt
var getAllStmt *sql.Stmt
var getEnabledStmt *sql.Stmt
var deleteStmt *sql.Stmt
var bookkeepingStmt *sql.Stmt
var activeTargetsStmt *sql.Stmt

// cronParser accepts standard five-field expressions. Expressions are
// validated on write so a bad one can never reach the scheduler; next-run
// computation for cron schedules is a separate, still-open decision.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

func Setup() (err error) {
	if !db.Connected() {
		return errors.New("schedules: no DB connection was established, can't query")
	}

	if createStmt != nil {
		return
	}

	query := fmt.Sprintf(`-- schedules.Create
INSERT INTO backup_schedules
(target_id, enabled, stype, run_time, timezone, weekdays, monthdays,
 interval_hours, cron_expression, window_start, window_end, max_runtime,
 retry_on_failure, max_retries, retry_delay_minutes, blackout_periods)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
RETURNING %s`, fields())
	createStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- schedules.Update
UPDATE backup_schedules
SET target_id=$2, enabled=$3, stype=$4, run_time=$5, timezone=$6,
	weekdays=$7, monthdays=$8, interval_hours=$9, cron_expression=$10,
	window_start=$11, window_end=$12, max_runtime=$13, retry_on_failure=$14,
	max_retries=$15, retry_delay_minutes=$16, blackout_periods=$17,
	next_run_at=NULL, updated_at=now()
WHERE id=$1
RETURNING %s`, fields())
	updateStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- schedules.Get
SELECT %s FROM backup_schedules WHERE id = $1`, fields())
	getStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- schedules.GetAll
SELECT %s FROM backup_schedules ORDER BY id ASC`, fields())
	getAllStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- schedules.GetEnabled
SELECT %s FROM backup_schedules WHERE enabled ORDER BY id ASC`, fields())
	getEnabledStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = `-- schedules.Delete
DELETE FROM backup_schedules WHERE id = $1`
	deleteStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = `-- schedules.UpdateBookkeeping
UPDATE backup_schedules
SET last_run_at=$2, next_run_at=$3, last_status=$4, updated_at=now()
WHERE id=$1`
	bookkeepingStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = `-- schedules.GetActiveTargets
SELECT DISTINCT target_id FROM backup_schedules WHERE enabled ORDER BY target_id ASC`
	activeTargetsStmt, err = db.Conn.Prepare(query)
	return
}

// Validate checks the policy fields of a schedule. A schedule that fails
// validation is rejected at the write path; the scheduler itself never
// raises on a malformed row, it just computes "not due".
func Validate(s *models.BackupSchedule) error {
	if s.TargetID == 0 {
		return errors.New("schedules: target_id is required")
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("schedules: unknown timezone %q", s.Timezone)
		}
	}
	if (s.WindowStart == nil) != (s.WindowEnd == nil) {
		return errors.New("schedules: window_start and window_end must be set together")
	}
	switch s.Type {
	case models.ScheduleInterval:
		if s.IntervalHours <= 0 {
			return errors.New("schedules: interval_hours must be positive for an interval schedule")
		}
	case models.ScheduleDaily:
		// run_time alone drives a daily schedule
	case models.ScheduleWeekly:
		if s.Weekdays.Empty() {
			return errors.New("schedules: weekly schedule requires at least one weekday")
		}
	case models.ScheduleMonthly:
		if s.Monthdays.Empty() {
			return errors.New("schedules: monthly schedule requires at least one day of the month")
		}
	case models.ScheduleCron:
		if _, err := cronParser.Parse(s.CronExpression); err != nil {
			return fmt.Errorf("schedules: invalid cron expression %q: %v", s.CronExpression, err)
		}
	case models.ScheduleAdvanced:
		// accepted as stored operator configuration
	default:
		return fmt.Errorf("schedules: unknown schedule type %q", s.Type)
	}
	if s.MaxRetries < 0 || s.RetryDelayMinutes < 0 || s.MaxRuntime < 0 {
		return errors.New("schedules: retry and runtime settings must not be negative")
	}
	for _, p := range s.BlackoutPeriods {
		if !p.End.After(p.Start) {
			return errors.New("schedules: blackout period end must be after its start")
		}
	}
	return nil
}

// Create validates and inserts a schedule, returning the stored record.
func Create(s *models.BackupSchedule) (*models.BackupSchedule, error) {
	if err := Validate(s); err != nil {
		return nil, err
	}
	stored := new(models.BackupSchedule)
	err := createStmt.QueryRow(insertArgs(s, 0)...).Scan(scanArgs(stored)...)
	if err != nil {
		return nil, dberror.GetError(err)
	}
	return stored, nil
}

// Update validates and rewrites the policy fields of an existing schedule.
// next_run_at is cleared so the scheduler recomputes it under the new
// policy on its next tick.
func Update(s *models.BackupSchedule) (*models.BackupSchedule, error) {
	if err := Validate(s); err != nil {
		return nil, err
	}
	stored := new(models.BackupSchedule)
	err := updateStmt.QueryRow(insertArgs(s, s.ID)...).Scan(scanArgs(stored)...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, dberror.GetError(err)
	}
	return stored, nil
}

// Get the schedule with the given id, or ErrNotFound.
func Get(id int64) (*models.BackupSchedule, error) {
	s := new(models.BackupSchedule)
	err := getStmt.QueryRow(id).Scan(scanArgs(s)...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, dberror.GetError(err)
	}
	return s, nil
}

// GetAll returns every schedule, enabled or not.
func GetAll() ([]*models.BackupSchedule, error) {
	return queryMany(getAllStmt)
}

// GetEnabled returns every enabled schedule, the set the scheduler evaluates
// each tick.
func GetEnabled() ([]*models.BackupSchedule, error) {
	return queryMany(getEnabledStmt)
}

// Delete removes the schedule. Returns ErrNotFound if no row was deleted.
func Delete(id int64) error {
	res, err := deleteStmt.Exec(id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateBookkeeping stores the scheduler's run bookkeeping. This is the only
// write the scheduler performs on a schedule; policy fields are left alone.
func UpdateBookkeeping(id int64, lastRunAt, nextRunAt *time.Time, lastStatus string) error {
	_, err := bookkeepingStmt.Exec(id, lastRunAt, nextRunAt, lastStatus)
	return err
}

// GetActiveTargets returns the distinct targets with at least one enabled
// schedule. The scheduler's maintenance cadence enqueues stats jobs for
// each of these.
func GetActiveTargets() ([]int64, error) {
	rows, err := activeTargetsStmt.Query()
	var targets []int64
	if err != nil {
		return targets, err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return targets, err
		}
		targets = append(targets, id)
	}
	err = rows.Err()
	return targets, err
}

func queryMany(stmt *sql.Stmt) ([]*models.BackupSchedule, error) {
	rows, err := stmt.Query()
	var result []*models.BackupSchedule
	if err != nil {
		return result, err
	}
	defer rows.Close()
	for rows.Next() {
		s := new(models.BackupSchedule)
		if err := rows.Scan(scanArgs(s)...); err != nil {
			return result, err
		}
		result = append(result, s)
	}
	err = rows.Err()
	return result, err
}

func fields() string {
	return `id,
	target_id,
	enabled,
	stype,
	run_time,
	timezone,
	weekdays,
	monthdays,
	interval_hours,
	cron_expression,
	window_start,
	window_end,
	max_runtime,
	retry_on_failure,
	max_retries,
	retry_delay_minutes,
	blackout_periods,
	last_run_at,
	next_run_at,
	last_status,
	created_at,
	updated_at`
}

// insertArgs builds the parameter list shared by Create ($1..$16, id == 0)
// and Update ($1 is the id, policy fields shift by one).
func insertArgs(s *models.BackupSchedule, id int64) []interface{} {
	policy := []interface{}{
		s.TargetID,
		s.Enabled,
		s.Type,
		s.RunTime,
		s.Timezone,
		s.Weekdays,
		s.Monthdays,
		s.IntervalHours,
		s.CronExpression,
		s.WindowStart,
		s.WindowEnd,
		s.MaxRuntime,
		s.RetryOnFailure,
		s.MaxRetries,
		s.RetryDelayMinutes,
		s.BlackoutPeriods,
	}
	if id == 0 {
		return policy
	}
	return append([]interface{}{id}, policy...)
}

func scanArgs(s *models.BackupSchedule) []interface{} {
	return []interface{}{
		&s.ID,
		&s.TargetID,
		&s.Enabled,
		&s.Type,
		&s.RunTime,
		&s.Timezone,
		&s.Weekdays,
		&s.Monthdays,
		&s.IntervalHours,
		&s.CronExpression,
		&s.WindowStart,
		&s.WindowEnd,
		&s.MaxRuntime,
		&s.RetryOnFailure,
		&s.MaxRetries,
		&s.RetryDelayMinutes,
		&s.BlackoutPeriods,
		&s.LastRunAt,
		&s.NextRunAt,
		&s.LastStatus,
		&s.CreatedAt,
		&s.UpdatedAt,
	}
}
