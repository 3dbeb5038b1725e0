// Package logger provides structured logging for all components,
// backed by zerolog. Every entry carries a component field so the
// interleaved output of concurrent agent loops stays attributable.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Logger wraps a zerolog.Logger with formatted-message helpers.
type Logger struct {
	zl zerolog.Logger
}

var (
	mu   sync.RWMutex
	root = newRoot(os.Stdout, zerolog.InfoLevel)
)

func newRoot(w io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Configure resets the global output and level. Level strings follow
// zerolog names (debug, info, warn, error); unknown strings mean info.
func Configure(w io.Writer, level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	mu.Lock()
	root = newRoot(w, lvl)
	mu.Unlock()
}

// Component returns a logger tagged with a component name.
func Component(name string) *Logger {
	mu.RLock()
	defer mu.RUnlock()
	return &Logger{zl: root.With().Str("component", name).Logger()}
}

// WithField returns a copy of the logger with an extra field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{zl: l.zl.With().Interface(key, value).Logger()}
}

// WithAgent tags the logger with an agent id.
func (l *Logger) WithAgent(agentID string) *Logger {
	return &Logger{zl: l.zl.With().Str("agent", agentID).Logger()}
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.zl.Debug().Msgf(format, args...)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.zl.Info().Msgf(format, args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.zl.Warn().Msgf(format, args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.zl.Error().Msgf(format, args...)
}

// Error logs a message with an attached error value.
func (l *Logger) Error(msg string, err error) {
	l.zl.Error().Err(err).Msg(msg)
}
