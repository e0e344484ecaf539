package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogConfig holds logging configuration
type LogConfig struct {
	Level      string // trace, debug, info, warn, error
	Format     string // json, console
	TimeFormat string
	Output     string // stdout, stderr, or file path
}

// DefaultConfig returns the console configuration used by the CLI
func DefaultConfig() LogConfig {
	return LogConfig{
		Level:      "info",
		Format:     "console",
		TimeFormat: time.RFC3339,
		Output:     "stdout",
	}
}

// Setup initializes the global logger with the provided configuration
func Setup(config LogConfig) error {
	level, err := zerolog.ParseLevel(strings.ToLower(config.Level))
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)

	var output io.Writer
	switch config.Output {
	case "", "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return err
		}
		output = file
	}

	if strings.ToLower(config.Format) != "json" {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: config.TimeFormat,
		}
	}

	log.Logger = zerolog.New(output).With().
		Timestamp().
		Logger()

	if config.TimeFormat != "" {
		zerolog.TimeFieldFormat = config.TimeFormat
	}
	return nil
}

// Logger provides structured logging for one component of the worker
type Logger struct {
	prefix string
}

// NewLogger creates a new logger with a component prefix
func NewLogger(prefix string) *Logger {
	return &Logger{prefix: prefix}
}

// Info logs an informational message with key-value pairs
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.logWithKV(zerolog.InfoLevel, msg, keysAndValues...)
}

// Warn logs a warning message with key-value pairs
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.logWithKV(zerolog.WarnLevel, msg, keysAndValues...)
}

// Error logs an error message with key-value pairs
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.logWithKV(zerolog.ErrorLevel, msg, keysAndValues...)
}

// Debug logs a debug message with key-value pairs
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.logWithKV(zerolog.DebugLevel, msg, keysAndValues...)
}

// Zerolog returns the underlying component logger for callers that want the
// fluent API directly.
func (l *Logger) Zerolog() zerolog.Logger {
	return log.Logger.With().Str("component", l.prefix).Logger()
}

func (l *Logger) logWithKV(level zerolog.Level, msg string, keysAndValues ...interface{}) {
	// Resolved per call so loggers created before Setup pick up its output.
	zl := log.Logger
	ev := zl.WithLevel(level)
	if ev == nil {
		return
	}
	ev = ev.Str("component", l.prefix)
	if len(keysAndValues) > 0 {
		ev = ev.Fields(pairs(keysAndValues))
	}
	ev.Msg(msg)
}

// pairs drops a dangling key and stringifies non-string keys.
func pairs(kv []interface{}) []interface{} {
	out := make([]interface{}, 0, len(kv))
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		val := kv[i+1]
		if err, isErr := val.(error); isErr && err != nil {
			val = err.Error()
		}
		out = append(out, key, val)
	}
	return out
}
