// Package factory contains helpers for instantiating tests.
package factory

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/treeline/backstop/models"
	"github.com/treeline/backstop/models/jobs"
	"github.com/treeline/backstop/models/schedules"
	"github.com/treeline/backstop/test"
)

var EmptyData = json.RawMessage([]byte("{}"))

// CreatePendingJob enqueues a job with the given payload and returns the
// stored record.
func CreatePendingJob(t testing.TB, jobType string, payload json.RawMessage) *models.Job {
	t.Helper()
	test.SetUp(t)
	job, err := jobs.Enqueue(models.QueueDefault, jobType, payload, 3, "factory")
	require.NoError(t, err)
	return job
}

// CreateRunningJob enqueues a job and claims it, returning the running
// record.
func CreateRunningJob(t testing.TB, jobType string, payload json.RawMessage) *models.Job {
	t.Helper()
	CreatePendingJob(t, jobType, payload)
	job, err := jobs.Claim(models.QueueDefault)
	require.NoError(t, err)
	return job
}

// SampleSchedule returns a valid daily schedule for the given target.
func SampleSchedule(targetID int64) *models.BackupSchedule {
	runTime, _ := models.ParseTimeOfDay("02:00")
	return &models.BackupSchedule{
		TargetID: targetID,
		Enabled:  true,
		Type:     models.ScheduleDaily,
		RunTime:  runTime,
		Timezone: "UTC",
	}
}

// CreateSchedule stores a daily schedule for the given target.
func CreateSchedule(t testing.TB, targetID int64) *models.BackupSchedule {
	t.Helper()
	test.SetUp(t)
	s, err := schedules.Create(SampleSchedule(targetID))
	require.NoError(t, err)
	return s
}

// SchedulePayload builds the payload the scheduler attaches to the jobs it
// enqueues for a schedule.
func SchedulePayload(scheduleID, targetID int64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"schedule_id": %d, "target_id": %d}`, scheduleID, targetID))
}
