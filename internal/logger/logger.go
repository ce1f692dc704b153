package logger

import (
	"io"
	"log/slog"
	"os"
)

const (
	envLocal       = "local"
	envDevelopment = "development"
	envDev         = "dev"
	envProduction  = "production"
	envProd        = "prod"
)

// Setup picks a handler for the environment. Local and development runs get
// readable text at debug level, production gets JSON at info level.
func Setup(env string) *slog.Logger {
	return New(os.Stdout, env)
}

// New is Setup with an explicit writer.
func New(w io.Writer, env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal, envDevelopment:
		log = slog.New(
			slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envDev:
		log = slog.New(
			slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envProduction, envProd:
		log = slog.New(
			slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	default:
		log = slog.New(
			slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	}

	return log
}

// Discard returns a logger that drops everything. Tests use it.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
