package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dnl0037/db-migrations/internal/config"
)

// Setup initializes a logger writing to stdout and a dated file in directory.
// The returned closer releases the log file.
func Setup(level, directory string) (*slog.Logger, io.Closer, error) {
	return SetupTo(level, directory, os.Stdout)
}

// SetupTo is Setup with the console copy going to console. A nil console
// logs to the file only, as needed while a full-screen view owns the terminal.
func SetupTo(level, directory string, console io.Writer) (*slog.Logger, io.Closer, error) {
	if directory == "" {
		directory = config.ExpandHome("~/.dbmigrate/logs/")
	} else {
		directory = config.ExpandHome(directory)
	}

	if err := os.MkdirAll(directory, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}

	filename := fmt.Sprintf("dbmigrate-%s.log", time.Now().Format("2006-01-02"))
	file, err := os.OpenFile(filepath.Join(directory, filename), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}

	if console == nil {
		return New(file, level), file, nil
	}
	return New(io.MultiWriter(console, file), level), file, nil
}

// New returns a text logger at the given level writing to w.
func New(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
	}))
}

// ParseLevel maps a config level name to a slog level; unknown names mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
