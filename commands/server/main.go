// Run the backstop API server.
//
// Serves the job and schedule APIs plus the event stream. Authentication is
// HTTP basic auth; set BACKSTOP_AUTH_USER and BACKSTOP_AUTH_PASSWORD, or the
// server falls back to a test user suitable only for development.
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/gorilla/handlers"
	"github.com/rs/zerolog/log"
	"github.com/treeline/backstop/config"
	"github.com/treeline/backstop/notify"
	"github.com/treeline/backstop/queue"
	"github.com/treeline/backstop/server"
	"github.com/treeline/backstop/setup"
)

func configure() (http.Handler, error) {
	dbConns := config.GetIntOrDefault("PG_SERVER_POOL_SIZE", 10)
	if err := setup.DB(setup.DefaultConnection, dbConns); err != nil {
		return nil, err
	}

	metrics.Namespace = "backstop.server"
	metrics.Start("web")

	go setup.MeasureActiveQueries(5 * time.Second)

	user := config.Get("BACKSTOP_AUTH_USER", "test")
	password := config.Get("BACKSTOP_AUTH_PASSWORD", "")
	if password == "" {
		password = "deepsix"
		log.Warn().Msg("no BACKSTOP_AUTH_PASSWORD configured, using the development default")
	}
	server.AddUser(user, password)

	var hub *server.EventHub
	listener, err := notify.NewListener(os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Warn().Err(err).Msg("could not start event listener, clients will poll")
	} else {
		hub = server.NewEventHub(listener)
	}

	q := queue.New(&notify.PGPublisher{})
	return server.Get(server.DefaultAuthorizer, q, hub), nil
}

func main() {
	s, err := configure()
	if err != nil {
		log.Fatal().Err(err).Msg("could not configure server")
	}

	port := config.Get("PORT", "9090")
	log.Info().Str("port", port).Msg("listening")
	err = http.ListenAndServe(fmt.Sprintf(":%s", port), handlers.LoggingHandler(os.Stdout, s))
	log.Fatal().Err(err).Msg("server exited")
}
