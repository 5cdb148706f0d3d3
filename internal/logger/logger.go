package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

func ParseLevel(s string) slog.Level {
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

// New builds the process logger: JSON to stdout and, when logFile is set,
// JSON to that file as well. The returned func closes the file.
func New(stdout io.Writer, logFile string, level slog.Level) (*slog.Logger, func() error) {
	opts := &slog.HandlerOptions{Level: level}
	stdoutHandler := slog.NewJSONHandler(stdout, opts)

	if logFile == "" {
		return slog.New(NewContextHandler(stdoutHandler)), func() error { return nil }
	}

	if err := os.MkdirAll(filepath.Dir(logFile), 0o750); err != nil {
		slog.Error("failed to create log directory, using stdout only", "error", err, "file", logFile)
		return slog.New(NewContextHandler(stdoutHandler)), func() error { return nil }
	}
	f, err := os.OpenFile(filepath.Clean(logFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) // #nosec G304 -- path is from application config, not user input
	if err != nil {
		slog.Error("failed to open log file, using stdout only", "error", err, "file", logFile)
		return slog.New(NewContextHandler(stdoutHandler)), func() error { return nil }
	}

	fileHandler := slog.NewJSONHandler(f, opts)
	return slog.New(NewContextHandler(slogmulti.Fanout(stdoutHandler, fileHandler))), f.Close
}
