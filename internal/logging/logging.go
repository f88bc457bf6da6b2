// Package logging builds the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// ParseLevel maps debug, warn and error to their slog levels; anything
// else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// New returns a JSON logger writing to stdout and, when file is set, to a
// rotating log file as well. If the log directory cannot be created the
// logger falls back to stdout only.
func New(level, file string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(writer(os.Stdout, file), &slog.HandlerOptions{
		Level: ParseLevel(level),
	}))
}

func writer(stdout io.Writer, file string) io.Writer {
	if file == "" {
		return stdout
	}
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return stdout
	}
	rotating := &lumberjack.Logger{
		Filename:   file,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	return io.MultiWriter(stdout, rotating)
}
