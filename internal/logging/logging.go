// Package logging builds the progress logger shared by every component of
// a search run.
//
// Records go to an append-only progress file, one line per event, and are
// mirrored to stderr when stderr is a terminal.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// DefaultFile is the progress log name used when no path is given.
const DefaultFile = "Progress.log"

type Options struct {
	// Path of the progress file. Empty means DefaultFile; "-" disables the
	// file.
	Path  string
	Level slog.Level
	JSON  bool
	// Mirror forces the stderr copy on or off. Nil mirrors only when stderr
	// is a terminal.
	Mirror *bool
	// Stderr overrides the mirror destination.
	Stderr io.Writer
}

// Logger wraps slog.Logger with the file it writes to.
type Logger struct {
	*slog.Logger
	file *os.File
}

func New(opts Options) (*Logger, error) {
	var writers []io.Writer
	var file *os.File

	path := opts.Path
	if path == "" {
		path = DefaultFile
	}
	if path != "-" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open progress log %s: %w", path, err)
		}
		file = f
		writers = append(writers, f)
	}

	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	mirror := stderrIsTerminal()
	if opts.Mirror != nil {
		mirror = *opts.Mirror
	}
	if mirror {
		writers = append(writers, stderr)
	}

	var out io.Writer = io.Discard
	switch len(writers) {
	case 0:
	case 1:
		out = writers[0]
	default:
		out = io.MultiWriter(writers...)
	}

	handlerOpts := &slog.HandlerOptions{Level: opts.Level}
	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}
	return &Logger{Logger: slog.New(handler), file: file}, nil
}

// Discard returns a logger that drops every record.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}

func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// ParseLevel accepts debug, info, warn or error.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

func stderrIsTerminal() bool {
	fd := os.Stderr.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
