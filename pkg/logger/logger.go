// Package logger writes the per-run diagnostic log (droid-agent.log in the
// report directory). Human-readable progress goes to stdout elsewhere; this
// file is for post-mortems. All functions are no-ops until Init.
package logger

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu      sync.Mutex
	base    *zerolog.Logger
	logFile *os.File
	level   = zerolog.InfoLevel
)

// Init opens (appending) the log at logPath and makes it the global sink.
// A previously opened log is closed.
func Init(logPath string) error {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
	}

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}

	logFile = f
	w := zerolog.ConsoleWriter{Out: f, NoColor: true, TimeFormat: "15:04:05.000000"}
	l := zerolog.New(w).Level(level).With().Timestamp().Logger()
	base = &l
	return nil
}

// SetVerbose switches between info and debug records. It may be called
// before or after Init.
func SetVerbose(verbose bool) {
	mu.Lock()
	defer mu.Unlock()

	level = zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	if base != nil {
		l := base.Level(level)
		base = &l
	}
}

// WithRun tags every following record with the run id.
func WithRun(runID string) {
	mu.Lock()
	defer mu.Unlock()

	if base != nil {
		l := base.With().Str("run", runID).Logger()
		base = &l
	}
}

// Close flushes and closes the log file.
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	base = nil
}

func emit(lvl zerolog.Level, format string, v []interface{}) {
	mu.Lock()
	defer mu.Unlock()

	if base != nil {
		base.WithLevel(lvl).Msgf(format, v...)
	}
}

// Info logs an info message.
func Info(format string, v ...interface{}) { emit(zerolog.InfoLevel, format, v) }

// Debug logs a debug message; dropped unless verbose.
func Debug(format string, v ...interface{}) { emit(zerolog.DebugLevel, format, v) }

// Warn logs a warning message.
func Warn(format string, v ...interface{}) { emit(zerolog.WarnLevel, format, v) }

// Error logs an error message.
func Error(format string, v ...interface{}) { emit(zerolog.ErrorLevel, format, v) }

// GetWriter returns the log file for subprocess output, or io.Discard.
func GetWriter() io.Writer {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		return logFile
	}
	return io.Discard
}
