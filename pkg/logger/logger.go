// Package logger owns the process-wide slog loggers: the application logger
// and a separate, rotated audit trail for run lifecycle and access events.
package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Config describes how the application logger should behave.
type Config struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	AddSource   bool        `json:"add_source"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig controls the rotated audit trail.
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

// sink is one configured set of loggers plus the files they write to.
type sink struct {
	app     *slog.Logger
	audit   *slog.Logger
	closers []io.Closer
}

func (s *sink) Close() error {
	var err error
	for _, c := range s.closers {
		err = errors.Join(err, c.Close())
	}
	s.closers = nil
	return err
}

var (
	mu      sync.RWMutex
	current *sink
	level   = new(slog.LevelVar)
)

// Init configures the global loggers. Calling it again replaces the previous
// configuration and closes the files it opened.
func Init(cfg Config) error {
	level.Set(parseLevel(cfg.Level))
	next, err := build(cfg)
	if err != nil {
		return err
	}

	mu.Lock()
	prev := current
	current = next
	mu.Unlock()

	if prev != nil {
		return prev.Close()
	}
	return nil
}

// SetLevel changes the application log level at runtime.
func SetLevel(l slog.Level) { level.Set(l) }

func build(cfg Config) (*sink, error) {
	s := &sink{}
	writer, err := s.outputs(cfg.OutputPaths)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource}
	if strings.EqualFold(cfg.Format, "text") {
		s.app = slog.New(slog.NewTextHandler(writer, opts))
	} else {
		s.app = slog.New(slog.NewJSONHandler(writer, opts))
	}

	s.audit = s.app
	if cfg.Audit.Enabled {
		if cfg.Audit.Path == "" {
			_ = s.Close()
			return nil, errors.New("audit log path cannot be empty when enabled")
		}
		rotating, err := newRotatingWriter(cfg.Audit)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.closers = append(s.closers, rotating)
		s.audit = slog.New(slog.NewJSONHandler(rotating, &slog.HandlerOptions{Level: slog.LevelInfo})).
			With(slog.String("stream", "audit"))
	}
	return s, nil
}

// outputs opens every configured destination; "stdout" and "stderr" are
// reserved names, anything else is an append-only file.
func (s *sink) outputs(paths []string) (io.Writer, error) {
	if len(paths) == 0 {
		return os.Stdout, nil
	}
	writers := make([]io.Writer, 0, len(paths))
	for _, path := range paths {
		switch strings.ToLower(path) {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("create log directory: %w", err)
			}
			file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("open log file %s: %w", path, err)
			}
			s.closers = append(s.closers, file)
			writers = append(writers, file)
		}
	}
	if len(writers) == 1 {
		return writers[0], nil
	}
	return io.MultiWriter(writers...), nil
}

func parseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
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

func loaded() *sink {
	mu.RLock()
	s := current
	mu.RUnlock()
	if s != nil {
		return s
	}
	_ = Init(Config{})
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// L returns the application logger, initialising a JSON stdout logger on first use.
func L() *slog.Logger { return loaded().app }

// Audit returns the audit logger; it is the application logger unless an audit file is configured.
func Audit() *slog.Logger { return loaded().audit }

// Sync closes the log files opened by Init.
func Sync() error {
	mu.Lock()
	s := current
	mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}

// Named returns a child logger tagged with a component name.
func Named(name string) *slog.Logger {
	return L().With(slog.String("component", name))
}

// ForRun returns a logger carrying the audit run identifier.
func ForRun(base *slog.Logger, runID string) *slog.Logger {
	if base == nil {
		base = L()
	}
	return base.With(slog.String("run_id", runID))
}

// Discard returns a logger that drops every record. Useful in tests.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
