package main

import (
	"github.com/rs/zerolog/log"
	"github.com/treeline/backstop/setup"
	"github.com/treeline/backstop/test"
)

func main() {
	if err := setup.DB(setup.DefaultConnection, 1); err != nil {
		log.Fatal().Err(err).Msg("could not connect")
	}
	if err := test.TruncateTables(nil); err != nil {
		log.Fatal().Err(err).Msg("could not truncate tables")
	}
}
