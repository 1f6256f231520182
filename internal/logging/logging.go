// Package logging wires up the process-wide zerolog logger and adapts it
// to the core's Logger interface, so internal/pubsub, internal/reliability
// and internal/alloc never import zerolog directly.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config selects level and output format.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, pretty
}

// New builds a structured logger in the gateway's own style: timestamp,
// caller, a fixed service field, JSON by default with an optional
// console-pretty mode for local development.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "pretty" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "embedbus").
		Logger()
}

// Level mirrors the core's errors.Level so this package does not need to
// import internal/errors just for a log-level enum.
type Level int

const (
	LevelInfo Level = iota
	LevelWarning
	LevelError
	LevelFatal
)

// CoreLogger adapts a zerolog.Logger to the core's single-method Logger
// interface (see SPEC_FULL.md §6), keeping zerolog an implementation
// detail of this package alone.
type CoreLogger struct {
	zl zerolog.Logger
}

func NewCoreLogger(zl zerolog.Logger) *CoreLogger {
	return &CoreLogger{zl: zl}
}

// Log emits a single structured event at the given level with the
// supplied fields attached.
func (c *CoreLogger) Log(level Level, msg string, fields map[string]any) {
	var event *zerolog.Event
	switch level {
	case LevelWarning:
		event = c.zl.Warn()
	case LevelError:
		event = c.zl.Error()
	case LevelFatal:
		event = c.zl.WithLevel(zerolog.FatalLevel)
	default:
		event = c.zl.Info()
	}
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}
