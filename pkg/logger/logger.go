// Package logger centralizes slog configuration for the library and its
// embedding process.
package logger

import (
	"log/slog"
	"os"
)

// Setup configures the global logger based on the environment and returns it.
// Production gets JSON for machine parsing (Datadog, Splunk, etc.);
// everything else gets human-readable text at debug level.
func Setup(env string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}

	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	log := slog.New(handler)
	slog.SetDefault(log)
	return log
}

// ForRealm returns a child logger tagged with the realm and component it
// serves, so per-realm background loops are distinguishable in aggregate.
func ForRealm(log *slog.Logger, realm, component string) *slog.Logger {
	if log == nil {
		log = slog.Default()
	}
	return log.With("realm", realm, "component", component)
}
