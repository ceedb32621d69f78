// Run the backstop scheduler.
//
// A single scheduler process evaluates every enabled backup schedule once a
// minute, enqueues maintenance jobs for active backup targets, and fails
// running jobs that have been stuck past their ceiling. Run exactly one;
// the duplicate-enqueue guard tolerates overlap but does not require it.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/rs/zerolog/log"
	"github.com/treeline/backstop/config"
	"github.com/treeline/backstop/notify"
	"github.com/treeline/backstop/queue"
	"github.com/treeline/backstop/scheduler"
	"github.com/treeline/backstop/setup"
)

func main() {
	dbConns := config.GetIntOrDefault("PG_SCHEDULER_POOL_SIZE", 5)
	if err := setup.DB(setup.DefaultConnection, dbConns); err != nil {
		log.Fatal().Err(err).Msg("could not connect to the database")
	}

	metrics.Namespace = "backstop.scheduler"
	metrics.Start("scheduler")

	go setup.MeasureActiveQueries(5 * time.Second)

	s := scheduler.New(queue.New(&notify.PGPublisher{}))
	s.TickInterval = config.GetDurationOrDefault("SCHEDULER_TICK", s.TickInterval)
	s.MaintenanceInterval = config.GetDurationOrDefault("SCHEDULER_MAINTENANCE_INTERVAL", s.MaintenanceInterval)
	s.StuckAfter = config.GetDurationOrDefault("SCHEDULER_STUCK_AFTER", s.StuckAfter)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigterm := make(chan os.Signal, 1)
		signal.Notify(sigterm, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigterm
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	s.Run(ctx)
	log.Info().Msg("scheduler stopped")
}
