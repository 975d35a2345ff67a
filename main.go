package main

import (
	"context"

	"github.com/SanteonNL/orca/subscriptionengine/cmd"
	_ "github.com/SanteonNL/orca/subscriptionengine/globals"
	"github.com/SanteonNL/orca/subscriptionengine/lib/logging"
	"github.com/rs/zerolog/log"
)

func main() {
	log.Logger = log.Logger.Hook(logging.TracingHook{})
	config, err := cmd.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := config.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	log.Info().Msgf("Public interface listens on %s", config.Public.Address)
	log.Info().Msgf("Evaluating subscriptions against %s store", config.Store.Type)
	if err := cmd.Start(context.Background(), *config); err != nil {
		log.Fatal().Err(err).Msg("Failed to start server")
	}
	log.Info().Msg("Goodbye!")
}
