// Run a backstop worker.
//
// Each worker process drains one queue lane, set by WORKER_QUEUE. Job
// handlers are registered in an explicit map at startup; this binary ships
// with a demonstration handler only. You will want to copy it and register
// handlers that run your actual backup tooling.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/rs/zerolog/log"
	"github.com/treeline/backstop/config"
	"github.com/treeline/backstop/models"
	"github.com/treeline/backstop/notify"
	"github.com/treeline/backstop/queue"
	"github.com/treeline/backstop/setup"
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

func main() {
	dbConns := config.GetIntOrDefault("PG_WORKER_POOL_SIZE", 20)
	if err := setup.DB(setup.DefaultConnection, dbConns); err != nil {
		log.Fatal().Err(err).Msg("could not connect to the database")
	}

	go setup.MeasureActiveQueries(1 * time.Second)
	go setup.MeasureQueueDepth(5 * time.Second)
	go setup.MeasureRunningJobs(1 * time.Second)

	metrics.Namespace = "backstop.worker"
	metrics.Start("worker")

	lane := config.Get("WORKER_QUEUE", models.QueueDefault)
	concurrency := config.GetIntOrDefault("WORKER_CONCURRENCY", 4)
	grace := config.GetDurationOrDefault("WORKER_SHUTDOWN_GRACE", 30*time.Second)

	q := queue.New(&notify.PGPublisher{})
	pool := worker.NewPool(lane, q, map[string]worker.Handler{
		"echo": worker.HandlerFunc(echoHandler),
	})
	if err := pool.Add(concurrency); err != nil {
		log.Fatal().Err(err).Msg("could not start worker pool")
	}
	log.Info().Str("queue", lane).Int("concurrency", concurrency).Msg("workers started")

	sigterm := make(chan os.Signal, 1)
	signal.Notify(sigterm, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigterm
	log.Info().Str("signal", sig.String()).Msg("shutting down")
	if err := pool.Shutdown(grace); err != nil {
		log.Error().Err(err).Msg("pool did not drain before the grace period")
		os.Exit(1)
	}
	log.Info().Msg("pool shut down, quitting")
}
