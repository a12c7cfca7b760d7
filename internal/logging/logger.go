// Package logging wraps zerolog with component-tagged structured loggers.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Standard field keys.
const (
	FieldComponent = "component"
	FieldFlowID    = "flow_id"
	FieldRunID     = "run_id"
	FieldNode      = "node"
	FieldLine      = "line"
	FieldTool      = "tool"
	FieldWorker    = "worker"
	FieldStatus    = "status"
	FieldDuration  = "duration_ms"
	FieldError     = "error"
)

// Config contains logging configuration.
type Config struct {
	Level     string `mapstructure:"level" validate:"omitempty,oneof=trace debug info warn error fatal"`
	Format    string `mapstructure:"format" validate:"omitempty,oneof=json console"`
	Output    string `mapstructure:"output" validate:"omitempty,oneof=stdout stderr"`
	NoColor   bool   `mapstructure:"no_color"`
	Timestamp bool   `mapstructure:"timestamp"`
}

// ApplyDefaults fills empty fields. Logs go to stderr by default because
// worker processes reserve stdout for result envelopes.
func (c *Config) ApplyDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "console"
	}
	if c.Output == "" {
		c.Output = "stderr"
	}
	c.Timestamp = true
}

// Validate checks the level and format values.
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch c.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console (got: %s)", c.Format)
	}
	return nil
}

// Logger wraps zerolog.Logger with additional context.
type Logger struct {
	logger  zerolog.Logger
	service string
}

// New creates a logger from configuration.
func New(cfg Config, service string) *Logger {
	cfg.ApplyDefaults()
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var w io.Writer = os.Stderr
	if strings.ToLower(cfg.Output) == "stdout" {
		w = os.Stdout
	}
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, NoColor: cfg.NoColor, TimeFormat: "15:04:05.000"}
	}

	zl := zerolog.New(w).Level(level).With().Str("service", service).Logger()
	if cfg.Timestamp {
		zl = zl.With().Timestamp().Logger()
	}
	return &Logger{logger: zl, service: service}
}

// NewDefault creates a console logger at info level.
func NewDefault(service string) *Logger {
	return New(Config{}, service)
}

// NewWriter creates a JSON logger writing to w, mostly for tests.
func NewWriter(w io.Writer, level string) *Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return &Logger{logger: zerolog.New(w).Level(lvl)}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

// WithComponent returns a logger tagged with a component name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{logger: l.logger.With().Str(FieldComponent, name).Logger(), service: l.service}
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	zc := l.logger.With()
	for k, v := range fields {
		zc = zc.Interface(k, v)
	}
	return &Logger{logger: zc.Logger(), service: l.service}
}

// WithError returns a logger with an error field.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{logger: l.logger.With().Err(err).Logger(), service: l.service}
}

// Zerolog returns the underlying logger.
func (l *Logger) Zerolog() zerolog.Logger { return l.logger }

func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	emit(l.logger.Debug(), msg, fields)
}

func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	emit(l.logger.Info(), msg, fields)
}

func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	emit(l.logger.Warn(), msg, fields)
}

func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	emit(l.logger.Error(), msg, fields)
}

func emit(event *zerolog.Event, msg string, fields []map[string]interface{}) {
	for _, fm := range fields {
		for k, v := range fm {
			if err, ok := v.(error); ok {
				event.AnErr(k, err)
				continue
			}
			event.Interface(k, v)
		}
	}
	event.Msg(msg)
}

// Fields builds a field map from alternating key-value pairs.
//
//	log.Info("node completed", logging.Fields("node", name, "duration_ms", 12))
func Fields(kvs ...interface{}) map[string]interface{} {
	m := make(map[string]interface{}, len(kvs)/2)
	for i := 0; i < len(kvs)-1; i += 2 {
		if key, ok := kvs[i].(string); ok {
			m[key] = kvs[i+1]
		}
	}
	return m
}
