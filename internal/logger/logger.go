// Package logger provides the bridge's structured logging setup.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the global logger instance, configured by Initialize.
var Log zerolog.Logger

// Initialize sets up the global logger with configuration.
func Initialize(level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().
		Str("service", "mochi-link-bridge").
		Logger()

	Log.Info().
		Str("level", logLevel.String()).
		Bool("pretty", pretty).
		Msg("logger initialized")
}

// GetLogger returns the global logger instance.
func GetLogger() *zerolog.Logger {
	return &Log
}

// Session creates a logger scoped to session lifecycle events.
func Session() *zerolog.Logger {
	l := Log.With().Str("component", "session").Logger()
	return &l
}

// Hub creates a logger scoped to hub registry events.
func Hub() *zerolog.Logger {
	l := Log.With().Str("component", "hub").Logger()
	return &l
}

// Auth creates a logger scoped to handshake/authentication events.
func Auth() *zerolog.Logger {
	l := Log.With().Str("component", "auth").Logger()
	return &l
}

// Broker creates a logger scoped to the request broker.
func Broker() *zerolog.Logger {
	l := Log.With().Str("component", "broker").Logger()
	return &l
}

// Dispatcher creates a logger scoped to event fan-out.
func Dispatcher() *zerolog.Logger {
	l := Log.With().Str("component", "dispatcher").Logger()
	return &l
}

// Lifecycle creates a logger scoped to lifecycle reporting.
func Lifecycle() *zerolog.Logger {
	l := Log.With().Str("component", "lifecycle").Logger()
	return &l
}

// Storage creates a logger scoped to the storage collaborator.
func Storage() *zerolog.Logger {
	l := Log.With().Str("component", "storage").Logger()
	return &l
}

// HTTP creates a logger scoped to the bridge's own HTTP listener.
func HTTP() *zerolog.Logger {
	l := Log.With().Str("component", "http").Logger()
	return &l
}
