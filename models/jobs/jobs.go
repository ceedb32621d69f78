// Logic for interacting with the "jobs" table.
package jobs

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	dberror "github.com/Shyp/go-dberror"
	"github.com/treeline/backstop/models"
	"github.com/treeline/backstop/models/db"
)

// ErrNotFound indicates that the job was not found.
var ErrNotFound = errors.New("jobs: job not found")

// ErrAlreadyFinished indicates a terminal transition was requested for a job
// that is already in a terminal state. Terminal transitions are idempotent,
// so callers should treat this as a warning, not a failure.
var ErrAlreadyFinished = errors.New("jobs: job already in a terminal state")

// ErrNotRunning indicates a terminal transition was requested for a job that
// was never claimed.
var ErrNotRunning = errors.New("jobs: job is not running")

// ErrNotPending indicates a cancel was requested for a job that has already
// been claimed or finished. Cancellation of a running job is cooperative and
// happens inside the handler, not here.
var ErrNotPending = errors.New("jobs: job is not pending")

// ErrNotRetryable indicates a resubmit was requested for a job that did not
// fail.
var ErrNotRetryable = errors.New("jobs: only failed jobs can be resubmitted")

// ErrRetriesExhausted indicates a resubmit was requested for a job whose
// attempts counter already reached max_attempts.
var ErrRetriesExhausted = errors.New("jobs: retry attempts exhausted")

var enqueueStmt *sql.Stmt
var getStmt *sql.Stmt
var claimStmt *sql.Stmt
var progressStmt *sql.Stmt
var completeStmt *sql.Stmt
var failStmt *sql.Stmt
var cancelStmt *sql.Stmt
var statusStmt *sql.Stmt
var activeForScheduleStmt *sql.Stmt
var activeForTargetStmt *sql.Stmt
var stuckRunningStmt *sql.Stmt
var countPendingAndAllStmt *sql.Stmt
var countsByStatusStmt *sql.Stmt
var resubmitStmt *sql.Stmt

// StuckJobLimit is the maximum number of stuck jobs to fetch in one database
// query.
var StuckJobLimit = 100

func Setup() (err error) {
	if !db.Connected() {
		return errors.New("jobs: no DB connection was established, can't query")
	}

	if enqueueStmt != nil {
		return
	}

	query := fmt.Sprintf(`-- jobs.Enqueue
INSERT INTO jobs (queue, type, payload, max_attempts, created_by)
VALUES ($1, $2, $3, $4, $5)
RETURNING %s`, fields())
	enqueueStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- jobs.Get
SELECT %s
FROM jobs
WHERE id = $1`, fields())
	getStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	// The inner SELECT takes a row lock on the oldest pending job in the
	// lane. A second claimer that selected the same row blocks on the
	// lock, then re-checks status='pending' and updates zero rows, so two
	// callers can never both claim one job.
	query = fmt.Sprintf(`-- jobs.Claim
WITH next_job AS (
	SELECT id AS inner_id
	FROM jobs
	WHERE status='%[1]s'
		AND queue = $1
	ORDER BY id ASC
	LIMIT 1
	FOR UPDATE
) UPDATE jobs
SET status='%[2]s',
	attempts=attempts + 1,
	started_at=now(),
	updated_at=now()
FROM next_job
WHERE jobs.id = next_job.inner_id
	AND status='%[1]s'
RETURNING %[3]s`, models.StatusPending, models.StatusRunning, fields())
	claimStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- jobs.UpdateProgress
UPDATE jobs
SET progress=$2,
	progress_message=$3,
	updated_at=now()
WHERE id=$1
	AND status='%s'`, models.StatusRunning)
	progressStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- jobs.Complete
UPDATE jobs
SET status='%s',
	output=$2,
	progress=100,
	completed_at=now(),
	updated_at=now()
WHERE id=$1
	AND status='%s'`, models.StatusCompleted, models.StatusRunning)
	completeStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- jobs.Fail
UPDATE jobs
SET status='%s',
	error=$2,
	completed_at=now(),
	updated_at=now()
WHERE id=$1
	AND status='%s'`, models.StatusFailed, models.StatusRunning)
	failStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- jobs.Cancel
UPDATE jobs
SET status='%s',
	completed_at=now(),
	updated_at=now()
WHERE id=$1
	AND status='%s'`, models.StatusCancelled, models.StatusPending)
	cancelStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = `-- jobs.GetStatus
SELECT status FROM jobs WHERE id = $1`
	statusStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- jobs.CountActiveForSchedule
SELECT count(*) FROM jobs
WHERE status IN ('%s', '%s')
	AND (payload->>'schedule_id')::bigint = $1`,
		models.StatusPending, models.StatusRunning)
	activeForScheduleStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- jobs.CountActiveForTarget
SELECT count(*) FROM jobs
WHERE status IN ('%s', '%s')
	AND type = $1
	AND (payload->>'target_id')::bigint = $2`,
		models.StatusPending, models.StatusRunning)
	activeForTargetStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- jobs.GetStuckRunningJobs
SELECT %s FROM jobs WHERE status='%s' AND updated_at < $1 LIMIT %d`,
		fields(), models.StatusRunning, StuckJobLimit)
	stuckRunningStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- jobs.CountPendingAndAll
WITH all_count AS (
	SELECT count(*) FROM jobs
), pending_count AS (
	SELECT count(*) FROM jobs WHERE status='%s'
)
SELECT all_count.count, pending_count.count
FROM all_count, pending_count`, models.StatusPending)
	countPendingAndAllStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = `-- jobs.GetCountsByStatus
SELECT type, count(*) FROM jobs WHERE status=$1 GROUP BY type`
	countsByStatusStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- jobs.Resubmit
INSERT INTO jobs (queue, type, payload, attempts, max_attempts, created_by)
SELECT queue, type, payload, attempts, max_attempts, 'retry:' || id
FROM jobs
WHERE id = $1
	AND status = '%s'
	AND attempts < max_attempts
RETURNING %s`, models.StatusFailed, fields())
	resubmitStmt, err = db.Conn.Prepare(query)
	return
}

// Enqueue creates a new job in the pending state and returns the stored
// record. The database assigns the id. Enqueueing does not guarantee
// immediate pickup; a worker bound to the lane claims the job on its next
// poll.
func Enqueue(queue, jobType string, payload json.RawMessage, maxAttempts uint8, createdBy string) (*models.Job, error) {
	if jobType == "" {
		return nil, errors.New("jobs: cannot enqueue a job with an empty type")
	}
	if queue == "" {
		queue = models.QueueDefault
	}
	if maxAttempts == 0 {
		maxAttempts = 1
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	job := new(models.Job)
	var bt []byte
	err := enqueueStmt.QueryRow(queue, jobType, []byte(payload), maxAttempts, createdBy).Scan(args(job, &bt)...)
	if err != nil {
		return nil, dberror.GetError(err)
	}
	job.Payload = json.RawMessage(bt)
	return job, nil
}

// Get the job with the given id. If no record could be found, the error will
// be ErrNotFound.
func Get(id int64) (*models.Job, error) {
	job := new(models.Job)
	var bt []byte
	err := getStmt.QueryRow(id).Scan(args(job, &bt)...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, dberror.GetError(err)
	}
	job.Payload = json.RawMessage(bt)
	return job, nil
}

// GetRetry attempts to retrieve the job attempts times before giving up.
func GetRetry(id int64, attempts uint8) (job *models.Job, err error) {
	for i := uint8(0); i < attempts; i++ {
		job, err = Get(id)
		if err == nil || err == ErrNotFound {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	return
}

// Claim atomically takes ownership of the oldest pending job in the given
// lane: the job transitions to running, started_at is stamped and attempts
// is incremented. Returns sql.ErrNoRows when the lane has no pending jobs,
// or when this caller lost the race for the last one.
func Claim(queue string) (*models.Job, error) {
	job := new(models.Job)
	var bt []byte

	rows, err := claimStmt.Query(queue)
	if err != nil {
		return nil, dberror.GetError(err)
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		count++
		if count == 1 {
			if err := rows.Scan(args(job, &bt)...); err != nil {
				return nil, err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, sql.ErrNoRows
	}
	if count > 1 {
		panic(fmt.Sprintf("jobs: too many rows affected by Claim for lane %q: %d", queue, count))
	}
	job.Payload = json.RawMessage(bt)
	return job, nil
}

// UpdateProgress records an advisory progress report for a running job.
// Reports for jobs that are no longer running are dropped without error; the
// job may legitimately have finished between the handler's report and this
// write.
func UpdateProgress(id int64, percent uint8, message string) error {
	if percent > 100 {
		percent = 100
	}
	if _, err := progressStmt.Exec(id, percent, message); err != nil {
		return dberror.GetError(err)
	}
	return nil
}

// Complete transitions a running job to completed and stores its output.
// Returns ErrAlreadyFinished if the job is already terminal (including a
// concurrent cancel, which must never be overwritten), ErrNotRunning if it
// was never claimed, or ErrNotFound.
func Complete(id int64, output string) error {
	return finish(completeStmt, id, output)
}

// Fail transitions a running job to failed and records the error text
// verbatim. Same semantics as Complete.
func Fail(id int64, errMsg string) error {
	return finish(failStmt, id, errMsg)
}

func finish(stmt *sql.Stmt, id int64, text string) error {
	res, err := stmt.Exec(id, text)
	if err != nil {
		return dberror.GetError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}
	status, err := GetStatus(id)
	if err != nil {
		return err
	}
	if status.Terminal() {
		return ErrAlreadyFinished
	}
	return ErrNotRunning
}

// Cancel transitions a pending job to cancelled. Once a job is running,
// cancellation is cooperative: the handler must observe its context and
// exit. Returns ErrNotPending if the job has been claimed or finished, or
// ErrNotFound if it does not exist.
func Cancel(id int64) error {
	res, err := cancelStmt.Exec(id)
	if err != nil {
		return dberror.GetError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}
	if _, err := GetStatus(id); err != nil {
		return err
	}
	return ErrNotPending
}

// Resubmit creates a new pending job carrying the payload, lane and attempt
// bookkeeping of a failed job. The failed record is left untouched; no
// transition ever leads back out of a terminal state. The new record keeps
// the original's attempts counter so the retry budget spans the whole chain.
// Returns ErrNotRetryable if the job exists but did not fail,
// ErrRetriesExhausted if its attempts are used up, or ErrNotFound.
func Resubmit(id int64) (*models.Job, error) {
	job := new(models.Job)
	var bt []byte
	err := resubmitStmt.QueryRow(id).Scan(args(job, &bt)...)
	if err == nil {
		job.Payload = json.RawMessage(bt)
		return job, nil
	}
	if err != sql.ErrNoRows {
		return nil, dberror.GetError(err)
	}
	// Zero rows: distinguish why for the caller.
	orig, err := Get(id)
	if err != nil {
		return nil, err
	}
	if orig.Status != models.StatusFailed {
		return nil, ErrNotRetryable
	}
	return nil, ErrRetriesExhausted
}

// GetStatus fetches only the status column for the given job.
func GetStatus(id int64) (models.JobStatus, error) {
	var status models.JobStatus
	err := statusStmt.QueryRow(id).Scan(&status)
	if err == sql.ErrNoRows {
		return status, ErrNotFound
	}
	return status, err
}

// CountActiveForSchedule returns the number of pending or running jobs whose
// payload names the given schedule. The scheduler uses this as its
// duplicate-enqueue guard.
func CountActiveForSchedule(scheduleID int64) (int64, error) {
	var count int64
	err := activeForScheduleStmt.QueryRow(scheduleID).Scan(&count)
	return count, err
}

// CountActiveForTarget returns the number of pending or running jobs of the
// given type whose payload names the given target.
func CountActiveForTarget(jobType string, targetID int64) (int64, error) {
	var count int64
	err := activeForTargetStmt.QueryRow(jobType, targetID).Scan(&count)
	return count, err
}

// GetStuckRunningJobs finds running jobs with an updated_at timestamp older
// than olderThan. A maximum of StuckJobLimit jobs will be returned.
func GetStuckRunningJobs(olderThan time.Time) ([]*models.Job, error) {
	rows, err := stuckRunningStmt.Query(olderThan)
	var result []*models.Job
	if err != nil {
		return result, err
	}
	defer rows.Close()
	for rows.Next() {
		job := new(models.Job)
		var bt []byte
		if err := rows.Scan(args(job, &bt)...); err != nil {
			return result, err
		}
		job.Payload = json.RawMessage(bt)
		result = append(result, job)
	}
	err = rows.Err()
	return result, err
}

// CountPendingAndAll returns the total number of jobs in the table and the
// number still waiting for a worker.
func CountPendingAndAll() (allCount int, pendingCount int, err error) {
	err = countPendingAndAllStmt.QueryRow().Scan(&allCount, &pendingCount)
	return
}

// GetCountsByStatus returns a map from job type to the number of jobs with
// the given status. For example:
//
//	"backup.create": 5,
//	"repo.stats": 7,
func GetCountsByStatus(status models.JobStatus) (map[string]int64, error) {
	rows, err := countsByStatusStmt.Query(status)
	m := make(map[string]int64)
	if err != nil {
		return m, err
	}
	defer rows.Close()
	for rows.Next() {
		var jobType string
		var count int64
		if err := rows.Scan(&jobType, &count); err != nil {
			return m, err
		}
		m[jobType] = count
	}
	err = rows.Err()
	return m, err
}

func fields() string {
	return `id,
	queue,
	type,
	payload,
	status,
	progress,
	progress_message,
	attempts,
	max_attempts,
	output,
	error,
	started_at,
	completed_at,
	created_at,
	updated_at,
	created_by`
}

func args(job *models.Job, byteptr *[]byte) []interface{} {
	return []interface{}{
		&job.ID,
		&job.Queue,
		&job.Type,
		// can't scan into Payload because of https://github.com/golang/go/issues/13905
		byteptr,
		&job.Status,
		&job.Progress,
		&job.ProgressMessage,
		&job.Attempts,
		&job.MaxAttempts,
		&job.Output,
		&job.Error,
		&job.StartedAt,
		&job.CompletedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.CreatedBy,
	}
}
