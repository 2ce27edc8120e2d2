package async

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel is the verbosity of the persistence and sync layers.
type LogLevel int

const (
	// LogNone disables all output.
	LogNone LogLevel = iota
	// LogError only reports failures.
	LogError
	// LogDebug reports everything, including per-collection progress.
	LogDebug
)

// String returns the configuration name of the level.
func (l LogLevel) String() string {
	switch l {
	case LogNone:
		return "none"
	case LogError:
		return "error"
	case LogDebug:
		return "debug"
	default:
		return "unknown"
	}
}

// ParseLogLevel parses "none", "error" or "debug" (case insensitive).
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "off":
		return LogNone, nil
	case "error", "":
		return LogError, nil
	case "debug":
		return LogDebug, nil
	default:
		return LogNone, fmt.Errorf("unknown log level %q (supported: none, error, debug)", s)
	}
}

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelError + 64
	}
}

// LogOptions configures NewLogger.
type LogOptions struct {
	Level LogLevel

	// Output receives log lines. Ignored when File is set. Defaults to stderr.
	Output io.Writer

	// File, when set, writes to a size-rotated log file.
	File string
	// MaxSizeMB is the rotation threshold for File (default 10).
	MaxSizeMB int
	// MaxBackups is the number of rotated files kept (default 3).
	MaxBackups int

	// JSON selects the JSON handler instead of text.
	JSON bool
}

// NewLogger builds a *slog.Logger gated by opts.Level.
func NewLogger(opts LogOptions) *slog.Logger {
	if opts.Level == LogNone {
		return slog.New(discardHandler{})
	}

	var w io.Writer = os.Stderr
	if opts.Output != nil {
		w = opts.Output
	}
	if opts.File != "" {
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		backups := opts.MaxBackups
		if backups <= 0 {
			backups = 3
		}
		w = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    maxSize,
			MaxBackups: backups,
		}
	}

	hopts := &slog.HandlerOptions{Level: opts.Level.slogLevel()}
	if opts.JSON {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
