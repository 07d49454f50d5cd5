// Package logging builds the process logger. Lines go to the terminal and are
// also appended to .autocycle/logs/autocycle.log so failures can be inspected
// after the process exits.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"autocycle/internal/config"
)

type Options struct {
	Level     string
	Format    string // console or json
	Workspace string // empty disables the log file
	Out       io.Writer
}

// Logger wraps zerolog with the log file it owns.
type Logger struct {
	zerolog.Logger
	file *os.File
}

// New creates (or reuses) the log file for the workspace.
func New(opts Options) (*Logger, error) {
	level := zerolog.InfoLevel
	if s := strings.ToLower(strings.TrimSpace(opts.Level)); s != "" {
		parsed, err := zerolog.ParseLevel(s)
		if err != nil {
			return nil, fmt.Errorf("logging: unknown level %q", opts.Level)
		}
		level = parsed
	}
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	switch opts.Format {
	case "", "console":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	case "json":
	default:
		return nil, fmt.Errorf("logging: unknown format %q", opts.Format)
	}
	l := &Logger{}
	writers := []io.Writer{out}
	if opts.Workspace != "" {
		logDir := filepath.Join(config.DataDir(opts.Workspace), "logs")
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, fmt.Errorf("logging: ensure log dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(logDir, "autocycle.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("logging: open log file: %w", err)
		}
		l.file = f
		writers = append(writers, f)
	}
	l.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(level).With().Timestamp().Logger()
	return l, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

// Close releases the file handle.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}
