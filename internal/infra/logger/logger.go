// Package logger builds the coordinator's root slog logger and the tagged
// child loggers the subsystems log through.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"agentcore/internal/infra/config"
)

// target is a resolved log destination. close is a no-op for the standard
// streams and closes the handle for file targets.
type target struct {
	w     io.Writer
	close func() error
}

// New creates the root *slog.Logger from config. The returned closer must be
// deferred so file targets are flushed and closed on shutdown.
func New(cfg config.LoggerConfig) (*slog.Logger, func() error, error) {
	tgt, err := resolveTarget(cfg.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("open log output: %w", err)
	}
	return slog.New(newHandler(tgt.w, cfg)), tgt.close, nil
}

// Component returns a child logger tagged with the subsystem it serves, so
// registry, instance, messaging, workflow and health lines are separable in
// one shared output.
func Component(log *slog.Logger, name string) *slog.Logger {
	return log.With("component", name)
}

func newHandler(w io.Writer, cfg config.LoggerConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: Level(cfg.Level)}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Level maps a config level string to a slog.Level. Unknown strings resolve
// to info rather than failing startup.
func Level(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func resolveTarget(output string) (target, error) {
	nop := func() error { return nil }

	switch strings.ToLower(output) {
	case "stdout":
		return target{w: os.Stdout, close: nop}, nil
	case "stderr", "":
		return target{w: os.Stderr, close: nop}, nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return target{}, err
		}
		return target{w: f, close: f.Close}, nil
	}
}
