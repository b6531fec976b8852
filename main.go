package main

import (
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"
)

func main() {
	bootLogger := NewLogger(LoggerConfig{Level: LogLevelInfo, Format: LogFormatJSON})

	settings, err := LoadSettings(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := NewLogger(LoggerConfig{
		Level:  LogLevel(settings.LogLevel),
		Format: LogFormat(settings.LogFormat),
	})
	settings.LogSettings(logger)

	store := NewStore()
	LoadBitmap(store, settings.StateFile, logger)

	metrics := NewMetrics()
	LoadMetrics(metrics, settings.MetricsFile, logger)
	metrics.SetCheckedBits(store.CountOnes())

	server := NewServer(settings, logger, store, metrics)
	if err := server.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	sig := <-sigCh

	logger.Info().Str("signal", sig.String()).Msg("shutting down")
	server.Shutdown()
	os.Exit(0)
}
