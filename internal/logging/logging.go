// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging provides the structured logger used throughout the
// coordinator: a thin wrapper over charmbracelet/log that adds an
// optional syslog forwarder and a package-level default instance.
package logging

import (
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

// Level is the coordinator's own severity enum, decoupled from the
// underlying logging library's.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) charm() log.Level {
	switch l {
	case LevelDebug:
		return log.DebugLevel
	case LevelWarn:
		return log.WarnLevel
	case LevelError:
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// Config controls logger construction.
type Config struct {
	Output io.Writer
	Level  Level
	Syslog SyslogConfig
}

// DefaultConfig returns sensible defaults: info level, stderr, syslog
// forwarding disabled.
func DefaultConfig() Config {
	return Config{
		Output: os.Stderr,
		Level:  LevelInfo,
		Syslog: DefaultSyslogConfig(),
	}
}

// Logger is a structured, leveled logger that accepts alternating
// key/value pairs, matching the call shape used across the coordinator
// (e.g. logger.Info("rule installed", "downstream", id)).
type Logger struct {
	base *log.Logger
}

// New builds a Logger from cfg. If cfg.Syslog.Enabled, log lines are also
// forwarded to the configured syslog collector; a syslog dial failure is
// logged locally and does not prevent Logger construction.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	writer := out
	if cfg.Syslog.Enabled {
		sw, err := NewSyslogWriter(cfg.Syslog)
		if err != nil {
			base := log.NewWithOptions(out, log.Options{ReportTimestamp: true, Level: cfg.Level.charm()})
			base.Error("failed to initialize syslog forwarding", "error", err)
		} else {
			writer = io.MultiWriter(out, sw)
		}
	}

	base := log.NewWithOptions(writer, log.Options{
		ReportTimestamp: true,
		Level:           cfg.Level.charm(),
	})

	return &Logger{base: base}
}

// WithComponent returns a child logger that tags every line with the
// given component name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{base: l.base.With("component", name)}
}

// With returns a child logger with the given key/value pairs attached to
// every subsequent line.
func (l *Logger) With(keyvals ...any) *Logger {
	return &Logger{base: l.base.With(keyvals...)}
}

func (l *Logger) Debug(msg string, keyvals ...any) { l.base.Debug(msg, keyvals...) }
func (l *Logger) Info(msg string, keyvals ...any)  { l.base.Info(msg, keyvals...) }
func (l *Logger) Warn(msg string, keyvals ...any)  { l.base.Warn(msg, keyvals...) }
func (l *Logger) Error(msg string, keyvals ...any) { l.base.Error(msg, keyvals...) }

var (
	defaultLogger atomic.Pointer[Logger]
	defaultOnce   sync.Once
)

// SetDefault installs l as the package-level default logger.
func SetDefault(l *Logger) { defaultLogger.Store(l) }

// Default returns the package-level default logger, lazily initializing
// it with DefaultConfig() on first use.
func Default() *Logger {
	defaultOnce.Do(func() {
		if defaultLogger.Load() == nil {
			defaultLogger.Store(New(DefaultConfig()))
		}
	})
	return defaultLogger.Load()
}
