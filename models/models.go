// Package models holds the data types shared by the queue, the workers, the
// scheduler and the HTTP server.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Queue lanes. A worker process binds to exactly one lane. Operations that
// need elevated rights on the target host (repository deletion, self-update)
// go on the privileged lane.
const (
	QueueDefault    = "default"
	QueuePrivileged = "privileged"
)

type JobStatus string

// StatusPending indicates a Job is waiting to be claimed by a worker.
const StatusPending = JobStatus("pending")

// StatusRunning indicates a worker has claimed the job and is executing its
// handler.
const StatusRunning = JobStatus("running")

const StatusCompleted = JobStatus("completed")
const StatusFailed = JobStatus("failed")
const StatusCancelled = JobStatus("cancelled")

// Terminal reports whether a job in this status will never run again.
// Terminal jobs can only be re-executed by creating a new job record.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Scan implements the Scanner interface.
func (s *JobStatus) Scan(src interface{}) error {
	if src == nil {
		return nil
	} else if txt, ok := src.(string); ok {
		*s = JobStatus(txt)
		return nil
	} else if txt, ok := src.([]byte); ok {
		*s = JobStatus(string(txt))
		return nil
	}
	return fmt.Errorf("models: unsupported JobStatus: %#v", src)
}

func (s JobStatus) Value() (driver.Value, error) {
	return string(s), nil
}

// A Job is one unit of asynchronous work: a backup run, a restore, a
// repository deletion, a certificate issuance. Jobs move along
// pending -> running -> {completed | failed | cancelled} and never leave a
// terminal state.
type Job struct {
	ID              int64           `json:"id"`
	Queue           string          `json:"queue"`
	Type            string          `json:"type"`
	Payload         json.RawMessage `json:"payload"`
	Status          JobStatus       `json:"status"`
	Progress        uint8           `json:"progress"`
	ProgressMessage string          `json:"progress_message"`
	Attempts        uint8           `json:"attempts"`
	MaxAttempts     uint8           `json:"max_attempts"`
	Output          *string         `json:"output"`
	Error           *string         `json:"error"`
	StartedAt       *time.Time      `json:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	CreatedBy       string          `json:"created_by"`
}
