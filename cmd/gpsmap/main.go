package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/phuslu/log"

	"nuha.dev/gpsmap/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	level, _ := config.ParseLevel(cfg.LogLevel)
	log.DefaultLogger.Level = level

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("mode", cfg.Mode).Str("source", cfg.Source).Msg("starting gpsmap")
	switch cfg.Mode {
	case config.MODE_LOCAL:
		err = runLocal(ctx, cfg)
	case config.MODE_SERVER:
		err = runServer(ctx, cfg)
	case config.MODE_RELAY:
		err = runRelay(ctx, cfg)
	}
	if err != nil {
		log.Error().Err(err).Msg("exiting")
		os.Exit(1)
	}
	log.Info().Msg("stopped")
}
