package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nlabh01/brooklyn-server/cmd/brooklyn/commands"
	"github.com/nlabh01/brooklyn-server/pkg/telemetry"
)

// Set via -ldflags at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	// Used until the settings file configures the plane's own logger.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if lvl, ok := os.LookupEnv("LOG_LEVEL"); ok {
		zerolog.SetGlobalLevel(telemetry.ParseLevel(lvl))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := commands.Execute(ctx, Version, Commit, BuildDate)
	if ctx.Err() != nil {
		log.Info().Msg("Interrupted, plane shut down")
	}
	stop()
	if err != nil {
		log.Error().Err(err).Msg("Command execution failed")
		os.Exit(1)
	}
}
