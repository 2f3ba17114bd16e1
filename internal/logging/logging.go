// Package logging builds the engine's slog.Logger instances: one console
// logger for operational output and, per spec.md §6, separate rotated-file
// loggers for the audit trail and the order-lifecycle log. Rotation uses
// lumberjack since the teacher's own cmd/bot/main.go writes straight to
// os.Stdout and has no on-disk rotation story to adapt.
package logging

import (
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"tradingbus/internal/config"
)

// ParseLevel maps the config string level to an slog.Level, defaulting to
// Info for an empty or unrecognized value — matching cmd/bot/main.go's
// parseLogLevel switch.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewConsole builds the main operational logger, writing to stdout in
// either text or JSON form per cfg.Format. The returned LevelVar lets the
// `set_log_config`/`update_config` IPC actions adjust verbosity without a
// restart; its initial value is cfg.Level.
func NewConsole(cfg config.LoggingConfig) (*slog.Logger, *slog.LevelVar) {
	return New(cfg, os.Stdout)
}

// New builds a logger around an arbitrary writer, honoring cfg.Format/Level.
func New(cfg config.LoggingConfig, w *os.File) (*slog.Logger, *slog.LevelVar) {
	lvl := &slog.LevelVar{}
	lvl.Set(ParseLevel(cfg.Level))
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler), lvl
}

// NewRotatingFile builds a logger writing JSON lines to a lumberjack-
// rotated file under cfg.Dir/name, used for the audit trail and the
// order-lifecycle log (spec.md §6 "Logs on disk") — kept separate from
// the console logger so a symbol's order history survives independent of
// operator-facing log verbosity.
func NewRotatingFile(cfg config.LoggingConfig, name string) *slog.Logger {
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Dir, name),
		MaxSize:    cfg.MaxSizeMB,
		MaxAge:     cfg.MaxAgeDays,
		MaxBackups: cfg.MaxBackups,
		Compress:   true,
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	return slog.New(slog.NewJSONHandler(rotator, opts))
}
