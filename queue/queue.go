// Package queue is the write path into the job store.
//
// Every caller that creates or settles jobs (the scheduler, workers, the
// HTTP server, other jobs' handlers) goes through a Queue. The Queue adds
// two things on top of the jobs table: idempotent terminal transitions
// (finishing an already-finished job is a logged no-op) and fire-and-forget
// event publication to the push channel.
package queue

import (
	"encoding/json"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/rs/zerolog/log"
	"github.com/treeline/backstop/models"
	"github.com/treeline/backstop/models/jobs"
	"github.com/treeline/backstop/notify"
)

// ErrRetriesExhausted is returned by Retry when the job has used all of its
// attempts.
var ErrRetriesExhausted = jobs.ErrRetriesExhausted

// A Queue enqueues and settles jobs and forwards their events to the push
// channel. A Queue is safe for concurrent use.
type Queue struct {
	pub notify.Publisher
}

// New returns a Queue publishing events to pub. A nil pub disables
// publication.
func New(pub notify.Publisher) *Queue {
	if pub == nil {
		pub = notify.Discard
	}
	return &Queue{pub: pub}
}

// Enqueue inserts a pending job into the given lane and returns the stored
// record. This is the sole write path into the job store from outside the
// core.
func (q *Queue) Enqueue(queue, jobType string, payload json.RawMessage, maxAttempts uint8, createdBy string) (*models.Job, error) {
	job, err := jobs.Enqueue(queue, jobType, payload, maxAttempts, createdBy)
	if err != nil {
		go metrics.Increment("enqueue.error")
		return nil, err
	}
	go metrics.Increment("enqueue.success")
	q.publish(job, job.Status, job.Progress, "")
	return job, nil
}

// ClaimNext atomically claims the oldest pending job in the lane. Returns
// sql.ErrNoRows when nothing is claimable.
func (q *Queue) ClaimNext(queue string) (*models.Job, error) {
	return jobs.Claim(queue)
}

// Get returns the stored job record. UI clients use this as the polling
// fallback when the push channel is unavailable.
func (q *Queue) Get(id int64) (*models.Job, error) {
	return jobs.Get(id)
}

// UpdateProgress stores an advisory progress report and forwards it to the
// push channel. It may be called many times per job and never blocks on a
// subscriber; a failed forward must not fail the job.
func (q *Queue) UpdateProgress(job *models.Job, percent uint8, message string) error {
	if percent > 100 {
		percent = 100
	}
	if err := jobs.UpdateProgress(job.ID, percent, message); err != nil {
		return err
	}
	q.publish(job, models.StatusRunning, percent, message)
	return nil
}

// Complete settles a running job as completed with the handler's output.
// Completing an already-terminal job is a no-op logged as a warning.
func (q *Queue) Complete(job *models.Job, output string) error {
	err := jobs.Complete(job.ID, output)
	if err == jobs.ErrAlreadyFinished {
		log.Warn().Int64("job_id", job.ID).Str("type", job.Type).
			Msg("queue: complete on a finished job, ignoring")
		return nil
	}
	if err != nil {
		go metrics.Increment("job.complete.error")
		return err
	}
	go metrics.Increment("job.complete.success")
	q.publish(job, models.StatusCompleted, 100, "")
	return nil
}

// Fail settles a running job as failed, recording the error text verbatim.
// Failing an already-terminal job is a no-op logged as a warning.
func (q *Queue) Fail(job *models.Job, errMsg string) error {
	err := jobs.Fail(job.ID, errMsg)
	if err == jobs.ErrAlreadyFinished {
		log.Warn().Int64("job_id", job.ID).Str("type", job.Type).
			Msg("queue: fail on a finished job, ignoring")
		return nil
	}
	if err != nil {
		go metrics.Increment("job.fail.error")
		return err
	}
	go metrics.Increment("job.fail.failed")
	q.publish(job, models.StatusFailed, job.Progress, errMsg)
	return nil
}

// Cancel cancels a pending job. Running jobs cannot be cancelled here;
// their handlers observe cancellation cooperatively. A cancel is never
// reverted by a worker finishing concurrently: the terminal transitions
// above only fire while the job is still running.
func (q *Queue) Cancel(id int64) error {
	if err := jobs.Cancel(id); err != nil {
		return err
	}
	if job, err := jobs.Get(id); err == nil {
		q.publish(job, models.StatusCancelled, job.Progress, "")
	}
	go metrics.Increment("job.cancel.success")
	return nil
}

// Retry resubmits a failed job as a new pending record on the same lane
// with the same payload. The old record is left untouched; a job never
// transitions out of a terminal state. Returns ErrRetriesExhausted when the
// failed job already used all of its attempts.
func (q *Queue) Retry(id int64) (*models.Job, error) {
	return jobs.Resubmit(id)
}

func (q *Queue) publish(job *models.Job, status models.JobStatus, progress uint8, message string) {
	q.pub.Publish(notify.Event{
		JobID:    job.ID,
		Queue:    job.Queue,
		Type:     job.Type,
		Status:   status,
		Progress: progress,
		Message:  message,
	})
}
