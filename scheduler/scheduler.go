// Package scheduler decides when recurring backup jobs become due and
// enqueues them.
//
// One scheduler process runs next to N worker processes. It owns a coarse
// per-minute tick, a slower maintenance cadence for stats collection, and a
// watchdog for running jobs that stopped reporting. It coordinates with the
// workers only through the job store.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/rs/zerolog/log"
	"github.com/treeline/backstop/models"
	"github.com/treeline/backstop/models/jobs"
	"github.com/treeline/backstop/models/schedules"
	"github.com/treeline/backstop/queue"
	"github.com/treeline/backstop/schedule"
)

// TypeBackupRun is the job type the scheduler enqueues for a due schedule.
const TypeBackupRun = "backup.run"

// TypeRepoStats is the fixed-interval maintenance job collecting repository
// statistics for every active target.
const TypeRepoStats = "repo.stats"

// DefaultTickInterval is how often enabled schedules are evaluated.
var DefaultTickInterval = time.Minute

// DefaultMaintenanceInterval is how often maintenance jobs are enqueued.
var DefaultMaintenanceInterval = 15 * time.Minute

// DefaultStuckAfter is how long a running job may go without a progress
// report before the watchdog fails it, when its schedule sets no maxRuntime.
var DefaultStuckAfter = 2 * time.Hour

// backupPayload is the payload of a scheduler-enqueued backup job. The
// schedule id doubles as the duplicate-enqueue guard's idempotency key.
type backupPayload struct {
	ScheduleID int64 `json:"schedule_id"`
	TargetID   int64 `json:"target_id"`
}

type statsPayload struct {
	TargetID int64 `json:"target_id"`
}

// A Scheduler drives the tick loops. Construct with New; the zero value is
// not usable.
type Scheduler struct {
	TickInterval        time.Duration
	MaintenanceInterval time.Duration
	StuckAfter          time.Duration

	q *queue.Queue

	// now is swapped out by tests
	now func() time.Time
}

func New(q *queue.Queue) *Scheduler {
	return &Scheduler{
		TickInterval:        DefaultTickInterval,
		MaintenanceInterval: DefaultMaintenanceInterval,
		StuckAfter:          DefaultStuckAfter,
		q:                   q,
		now:                 time.Now,
	}
}

// Run blocks, ticking until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	tick := time.NewTicker(s.TickInterval)
	maintenance := time.NewTicker(s.MaintenanceInterval)
	defer tick.Stop()
	defer maintenance.Stop()
	log.Info().Dur("tick", s.TickInterval).Dur("maintenance", s.MaintenanceInterval).
		Msg("scheduler started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("scheduler stopping")
			return
		case <-tick.C:
			s.Tick()
			s.FailStuckJobs()
		case <-maintenance.C:
			s.MaintenanceTick()
		}
	}
}

// Tick evaluates every enabled schedule once. One malformed or failing
// schedule only skips itself; the loop always reaches the rest.
func (s *Scheduler) Tick() {
	start := s.now()
	enabled, err := schedules.GetEnabled()
	if err != nil {
		log.Error().Err(err).Msg("scheduler: could not load schedules")
		go metrics.Increment("scheduler.tick.error")
		return
	}
	for _, sch := range enabled {
		s.evaluate(sch, start)
	}
	go metrics.Time("scheduler.tick.latency", time.Since(start))
}

func (s *Scheduler) evaluate(sch *models.BackupSchedule, now time.Time) {
	// First sight of a schedule: derive its next run and wait for it.
	if sch.NextRunAt == nil {
		next, ok := schedule.NextRun(sch, now)
		if !ok {
			// cron/advanced or malformed; not due, never throws
			go metrics.Increment("scheduler.skip.not_computable")
			return
		}
		if err := schedules.UpdateBookkeeping(sch.ID, sch.LastRunAt, &next, sch.LastStatus); err != nil {
			log.Error().Err(err).Int64("schedule_id", sch.ID).Msg("scheduler: could not store next run")
		}
		return
	}
	if sch.NextRunAt.After(now) {
		return
	}

	// Due. The window is a separate predicate evaluated at enqueue time:
	// leave next_run_at in the past so the run fires as soon as the
	// window opens.
	if !schedule.InWindow(sch, now) {
		go metrics.Increment("scheduler.skip.window")
		return
	}
	if schedule.InBlackout(sch, now) {
		go metrics.Increment("scheduler.skip.blackout")
		return
	}

	// Duplicate-enqueue guard, keyed per schedule: while any job for this
	// schedule is pending or running, even a long-overdue next_run_at
	// enqueues nothing.
	active, err := jobs.CountActiveForSchedule(sch.ID)
	if err != nil {
		log.Error().Err(err).Int64("schedule_id", sch.ID).Msg("scheduler: guard query failed")
		return
	}
	if active > 0 {
		go metrics.Increment("scheduler.skip.active_job")
		return
	}

	payload, err := json.Marshal(backupPayload{ScheduleID: sch.ID, TargetID: sch.TargetID})
	if err != nil {
		log.Error().Err(err).Int64("schedule_id", sch.ID).Msg("scheduler: could not encode payload")
		return
	}
	maxAttempts := uint8(1)
	if sch.RetryOnFailure && sch.MaxRetries > 0 {
		maxAttempts = uint8(sch.MaxRetries + 1)
	}
	job, err := s.q.Enqueue(models.QueueDefault, TypeBackupRun, payload, maxAttempts, "scheduler")
	if err != nil {
		log.Error().Err(err).Int64("schedule_id", sch.ID).Msg("scheduler: enqueue failed")
		go metrics.Increment("scheduler.enqueue.error")
		return
	}
	log.Info().Int64("schedule_id", sch.ID).Int64("job_id", job.ID).
		Int64("target_id", sch.TargetID).Msg("scheduler: enqueued backup run")
	go metrics.Increment("scheduler.enqueue.success")

	lastRun := now
	var nextRun *time.Time
	if next, ok := schedule.NextRun(sch, now); ok {
		nextRun = &next
	}
	if err := schedules.UpdateBookkeeping(sch.ID, &lastRun, nextRun, string(models.StatusPending)); err != nil {
		log.Error().Err(err).Int64("schedule_id", sch.ID).Msg("scheduler: could not update bookkeeping")
	}
}

// MaintenanceTick enqueues a stats-collection job for every target with an
// enabled schedule. These are fire-and-forget: a target that already has an
// equivalent job pending or running is skipped.
func (s *Scheduler) MaintenanceTick() {
	targets, err := schedules.GetActiveTargets()
	if err != nil {
		log.Error().Err(err).Msg("scheduler: could not load active targets")
		return
	}
	for _, target := range targets {
		active, err := jobs.CountActiveForTarget(TypeRepoStats, target)
		if err != nil {
			log.Error().Err(err).Int64("target_id", target).Msg("scheduler: stats guard query failed")
			continue
		}
		if active > 0 {
			continue
		}
		payload, err := json.Marshal(statsPayload{TargetID: target})
		if err != nil {
			continue
		}
		if _, err := s.q.Enqueue(models.QueueDefault, TypeRepoStats, payload, 1, "scheduler"); err != nil {
			log.Error().Err(err).Int64("target_id", target).Msg("scheduler: stats enqueue failed")
			continue
		}
		go metrics.Increment("scheduler.stats.enqueued")
	}
}

// FailStuckJobs is the watchdog: running jobs that have not reported
// progress within StuckAfter are marked failed. Guard races with a worker
// finishing at the same moment are harmless; terminal transitions are
// idempotent and a finished job is no longer running.
func (s *Scheduler) FailStuckJobs() {
	olderThan := s.now().Add(-s.StuckAfter)
	stuck, err := jobs.GetStuckRunningJobs(olderThan)
	if err != nil {
		log.Error().Err(err).Msg("scheduler: could not query stuck jobs")
		return
	}
	for _, job := range stuck {
		msg := fmt.Sprintf("no progress reported for %s, marked as stuck", s.StuckAfter)
		if err := s.q.Fail(job, msg); err != nil {
			// Likely a race with a finishing worker; the next tick
			// catches anything genuinely stuck.
			log.Warn().Err(err).Int64("job_id", job.ID).Msg("scheduler: could not fail stuck job")
			continue
		}
		log.Info().Int64("job_id", job.ID).Str("type", job.Type).Msg("scheduler: failed stuck job")
		go metrics.Increment("scheduler.stuck.failed")
	}
}
