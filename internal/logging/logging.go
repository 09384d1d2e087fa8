// Package logging wires the process logger: leveled slog to stderr plus a
// rotated file under ~/.aleph/logs so crashed sessions leave evidence.
package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options for Setup; zero values fall back to sane rotation limits.
type Options struct {
	Level      string // debug, info, warn, error
	FilePath   string // empty disables the file sink
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Setup installs the default slog logger and returns a closer for the file
// sink.
func Setup(opts Options) func() {
	level := parseLevel(opts.Level)

	sinks := []io.Writer{os.Stderr}
	closer := func() {}
	if opts.FilePath != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    orDefault(opts.MaxSizeMB, 10),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 28),
			Compress:   true,
		}
		sinks = append(sinks, lj)
		closer = func() { lj.Close() }
	}

	handler := slog.NewTextHandler(io.MultiWriter(sinks...), &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
	return closer
}

func parseLevel(s string) slog.Level {
	switch s {
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

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
