package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/mlpipe/cmd/mlpipe/commands"
	"github.com/openfroyo/mlpipe/pkg/telemetry"
)

// Set with -ldflags "-X main.Version=..." at release time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	// Bootstrap logger until a command loads the telemetry configuration.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(telemetry.ParseLevel(os.Getenv("MLPIPE_LOG_LEVEL")))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := commands.Execute(ctx, Version, Commit, BuildDate); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}
