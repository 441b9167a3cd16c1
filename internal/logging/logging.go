// Package logging builds the process-wide zap logger. The level and format
// are mutable at runtime through the variable registry; everything else is
// fixed at construction.
//
// © 2025 nvecd authors. MIT License.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects the initial level and output format.
type Options struct {
	Level string // trace|debug|info|warn|error (trace maps to debug)
	JSON  bool
}

// Logger wraps a *zap.Logger with an atomically swappable level so that a
// runtime `SET logging.level` takes effect without rebuilding the core.
type Logger struct {
	*zap.Logger
	level zap.AtomicLevel
	json  bool
}

// New constructs a Logger. Invalid level strings fail; the caller treats
// that as a startup configuration error.
func New(opts Options) (*Logger, error) {
	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	atom := zap.NewAtomicLevelAt(lvl)
	cfg := zap.NewProductionConfig()
	cfg.Level = atom
	if !opts.JSON {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zl, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{Logger: zl, level: atom, json: opts.JSON}, nil
}

// Nop returns a no-op Logger, the default when no logging is wired.
func Nop() *Logger {
	return &Logger{Logger: zap.NewNop(), level: zap.NewAtomicLevelAt(zapcore.InfoLevel)}
}

// SetLevel applies a new level string at runtime.
func (l *Logger) SetLevel(level string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	l.level.SetLevel(lvl)
	return nil
}

// Level returns the current level as a string.
func (l *Logger) Level() string {
	return l.level.Level().String()
}

// ParseLevel maps the protocol-facing level names onto zap levels. "trace"
// is accepted as an alias for debug.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "trace", "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("logging: unknown level %q", s)
	}
}
