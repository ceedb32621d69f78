// Run the backstop server.
//
// All of the project defaults are used. There is one authenticated user for
// basic auth, the user is "test" and the password is "deepsix". You will
// want to copy this and add your own authentication scheme.
package backstop

import (
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

func Example_server() {
	dbConns := config.GetIntOrDefault("PG_SERVER_POOL_SIZE", 10)
	if err := setup.DB(setup.DefaultConnection, dbConns); err != nil {
		log.Fatal().Err(err).Msg("could not connect to the database")
	}

	metrics.Namespace = "backstop.server"
	metrics.Start("web")

	go setup.MeasureActiveQueries(5 * time.Second)

	// Change this user to a private value
	server.AddUser("test", "deepsix")

	var hub *server.EventHub
	if listener, err := notify.NewListener(os.Getenv("DATABASE_URL")); err == nil {
		hub = server.NewEventHub(listener)
	}

	s := server.Get(server.DefaultAuthorizer, queue.New(&notify.PGPublisher{}), hub)
	log.Info().Str("port", "9090").Msg("listening")
	log.Fatal().Err(http.ListenAndServe(":9090", handlers.LoggingHandler(os.Stdout, s))).Msg("server exited")
}
