package logging

import (
	"log/slog"
	"os"
)

const serviceName = "chat-sync"

// NewLogger creates a structured logger appropriate for the environment.
// Production uses JSON at info level with source locations, everything
// else uses human-readable text at debug level.
func NewLogger(env string) *slog.Logger {
	var handler slog.Handler

	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level:     slog.LevelInfo,
			AddSource: true,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	}

	return slog.New(handler).With(slog.String("service", serviceName))
}
