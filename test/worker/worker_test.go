package test_worker

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/treeline/backstop/models"
	"github.com/treeline/backstop/models/jobs"
	"github.com/treeline/backstop/queue"
	"github.com/treeline/backstop/test"
	"github.com/treeline/backstop/test/factory"
	"github.com/treeline/backstop/worker"
)

func echoHandler(ctx context.Context, job *models.Job, q *queue.Queue) (string, error) {
	var payload struct {
		N int `json:"n"`
	}
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return "", err
	}
	if err := q.UpdateProgress(job, 50, "echoing"); err != nil {
		return "", err
	}
	return fmt.Sprintf("ok:%d", payload.N), nil
}

// waitForStatus polls until the job reaches the given status or the
// deadline passes.
func waitForStatus(t *testing.T, id int64, want models.JobStatus) *models.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := jobs.Get(id)
		require.NoError(t, err)
		if job.Status == want {
			return job
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %d never reached status %s", id, want)
	return nil
}

func startPool(t *testing.T, handlers map[string]worker.Handler) *worker.Pool {
	t.Helper()
	pool := worker.NewPool(models.QueueDefault, queue.New(nil), handlers)
	require.NoError(t, pool.Add(2))
	return pool
}

func TestEndToEnd(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	job := factory.CreatePendingJob(t, "echo", json.RawMessage(`{"n": 5}`))

	pool := startPool(t, map[string]worker.Handler{
		"echo": worker.HandlerFunc(echoHandler),
	})
	defer pool.Shutdown(time.Second)

	done := waitForStatus(t, job.ID, models.StatusCompleted)
	require.NotNil(t, done.Output)
	assert.Equal(t, "ok:5", *done.Output)
	assert.Equal(t, uint8(100), done.Progress)
	assert.Equal(t, uint8(1), done.Attempts)
	require.NotNil(t, done.CompletedAt)
}

func TestHandlerErrorFailsJob(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	job := factory.CreatePendingJob(t, "echo", factory.EmptyData)

	pool := startPool(t, map[string]worker.Handler{
		"echo": worker.HandlerFunc(func(ctx context.Context, job *models.Job, q *queue.Queue) (string, error) {
			return "", fmt.Errorf("rsync exited with code 23")
		}),
	})
	defer pool.Shutdown(time.Second)

	failed := waitForStatus(t, job.ID, models.StatusFailed)
	require.NotNil(t, failed.Error)
	assert.Equal(t, "rsync exited with code 23", *failed.Error)
}

func TestHandlerPanicFailsJobAndLoopSurvives(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	panicking := factory.CreatePendingJob(t, "echo", json.RawMessage(`{"panic": true}`))
	healthy := factory.CreatePendingJob(t, "echo", json.RawMessage(`{"n": 2}`))

	pool := startPool(t, map[string]worker.Handler{
		"echo": worker.HandlerFunc(func(ctx context.Context, job *models.Job, q *queue.Queue) (string, error) {
			var payload struct {
				N     int  `json:"n"`
				Panic bool `json:"panic"`
			}
			if err := json.Unmarshal(job.Payload, &payload); err != nil {
				return "", err
			}
			if payload.Panic {
				panic("handler blew up")
			}
			return fmt.Sprintf("ok:%d", payload.N), nil
		}),
	})
	defer pool.Shutdown(time.Second)

	failed := waitForStatus(t, panicking.ID, models.StatusFailed)
	require.NotNil(t, failed.Error)
	assert.Contains(t, *failed.Error, "handler panic")

	// the same worker loop keeps claiming after the panic
	done := waitForStatus(t, healthy.ID, models.StatusCompleted)
	assert.Equal(t, "ok:2", *done.Output)
}

func TestUnregisteredTypeFailsFast(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	job := factory.CreatePendingJob(t, "certificate.issue", factory.EmptyData)

	pool := startPool(t, map[string]worker.Handler{
		"echo": worker.HandlerFunc(echoHandler),
	})
	defer pool.Shutdown(time.Second)

	failed := waitForStatus(t, job.ID, models.StatusFailed)
	require.NotNil(t, failed.Error)
	assert.Contains(t, *failed.Error, "no handler registered")
}

func TestShutdownIdleDrainsImmediately(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	pool := startPool(t, map[string]worker.Handler{})
	assert.Equal(t, 2, pool.NumWorkers())

	start := time.Now()
	require.NoError(t, pool.Shutdown(5*time.Second))
	assert.True(t, time.Since(start) < 5*time.Second)
	assert.Equal(t, 0, pool.NumWorkers())
}

func TestShutdownGraceCancelsStuckHandler(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	factory.CreatePendingJob(t, "echo", factory.EmptyData)

	claimed := make(chan struct{})
	released := make(chan struct{})
	pool := startPool(t, map[string]worker.Handler{
		"echo": worker.HandlerFunc(func(ctx context.Context, job *models.Job, q *queue.Queue) (string, error) {
			close(claimed)
			<-ctx.Done()
			close(released)
			return "", ctx.Err()
		}),
	})

	select {
	case <-claimed:
	case <-time.After(5 * time.Second):
		t.Fatal("job was never claimed")
	}

	err := pool.Shutdown(100 * time.Millisecond)
	assert.Equal(t, worker.ErrShutdownTimeout, err)

	// the cancellation token reached the handler
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("handler context was never cancelled")
	}
}
