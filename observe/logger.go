package observe

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LoggingConfig configures the logging subsystem.
type LoggingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Level is one of debug, info, warn or error.
	// Default: info
	Level string `yaml:"level"`

	// Format is json or console.
	// Default: json
	Format string `yaml:"format"`

	// Output is stdout, stderr, file or both (stderr plus file).
	// Default: stderr
	Output string `yaml:"output"`

	// FilePath is the rotated log file; required for file and both.
	FilePath string `yaml:"file_path"`

	// MaxSizeMB is the size at which the file is rotated.
	// Default: 100
	MaxSizeMB int `yaml:"max_size_mb"`

	// MaxBackups is the number of rotated files kept.
	// Default: 3
	MaxBackups int `yaml:"max_backups"`

	// MaxAgeDays is the retention of rotated files.
	// Default: 28
	MaxAgeDays int `yaml:"max_age_days"`

	Compress bool `yaml:"compress"`
}

// Validate validates the logging configuration.
func (c LoggingConfig) Validate() error {
	if !slices.Contains(ValidLogLevels, c.Level) {
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.Level)
	}
	if !slices.Contains(ValidLogFormats, c.Format) {
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, c.Format)
	}
	if !slices.Contains(ValidLogOutputs, c.Output) {
		return fmt.Errorf("%w: %q", ErrInvalidLogOutput, c.Output)
	}
	if (c.Output == "file" || c.Output == "both") && c.FilePath == "" {
		return ErrMissingLogFile
	}
	return nil
}

// ParseLogLevel parses a string log level. Unknown values map to info.
func ParseLogLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// zeroLogger is a Logger backed by zerolog.
type zeroLogger struct {
	zl     zerolog.Logger
	closer io.Closer
}

// NewLogger builds a Logger from cfg, opening a rotated file when the
// output asks for one. The returned Logger implements io.Closer when it
// owns a file.
func NewLogger(cfg LoggingConfig) (Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		writers []io.Writer
		closer  io.Closer
	)

	console := func(w io.Writer) io.Writer {
		if cfg.Format == "console" {
			return zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
		}
		return w
	}

	switch cfg.Output {
	case "stdout":
		writers = append(writers, console(os.Stdout))
	case "stderr", "":
		writers = append(writers, console(os.Stderr))
	}

	if cfg.Output == "file" || cfg.Output == "both" {
		if cfg.Output == "both" {
			writers = append(writers, console(os.Stderr))
		}
		file := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 3),
			MaxAge:     orDefault(cfg.MaxAgeDays, 28),
			Compress:   cfg.Compress,
		}
		// Files always get JSON.
		writers = append(writers, file)
		closer = file
	}

	var w io.Writer = writers[0]
	if len(writers) > 1 {
		w = zerolog.MultiLevelWriter(writers...)
	}

	return &zeroLogger{
		zl:     zerolog.New(w).Level(ParseLogLevel(cfg.Level)).With().Timestamp().Logger(),
		closer: closer,
	}, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// NewLoggerWithWriter creates a JSON logger writing to w.
func NewLoggerWithWriter(level string, w io.Writer) Logger {
	return &zeroLogger{
		zl: zerolog.New(w).Level(ParseLogLevel(level)).With().Timestamp().Logger(),
	}
}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger {
	return &zeroLogger{zl: zerolog.Nop()}
}

func (l *zeroLogger) With(fields ...Field) Logger {
	zc := l.zl.With()
	for _, f := range fields {
		if isRedactedField(f.Key) {
			zc = zc.Str(f.Key, "[REDACTED]")
			continue
		}
		zc = zc.Interface(f.Key, f.Value)
	}
	return &zeroLogger{zl: zc.Logger(), closer: l.closer}
}

func (l *zeroLogger) Info(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, l.zl.Info(), msg, fields)
}

func (l *zeroLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, l.zl.Warn(), msg, fields)
}

func (l *zeroLogger) Error(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, l.zl.Error(), msg, fields)
}

func (l *zeroLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, l.zl.Debug(), msg, fields)
}

// Close closes the rotated log file, if any.
func (l *zeroLogger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func (l *zeroLogger) log(ctx context.Context, ev *zerolog.Event, msg string, fields []Field) {
	// Disabled levels yield a nil event.
	if ev == nil {
		return
	}

	if ctx != nil {
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			ev = ev.Str("trace_id", sc.TraceID().String()).Str("span_id", sc.SpanID().String())
		}
	}

	for _, f := range fields {
		if isRedactedField(f.Key) {
			ev = ev.Str(f.Key, "[REDACTED]")
			continue
		}
		switch v := f.Value.(type) {
		case string:
			ev = ev.Str(f.Key, v)
		case int:
			ev = ev.Int(f.Key, v)
		case int64:
			ev = ev.Int64(f.Key, v)
		case float64:
			ev = ev.Float64(f.Key, v)
		case bool:
			ev = ev.Bool(f.Key, v)
		case time.Duration:
			ev = ev.Dur(f.Key, v)
		case error:
			ev = ev.AnErr(f.Key, v)
		default:
			ev = ev.Interface(f.Key, v)
		}
	}

	ev.Msg(msg)
}

// isRedactedField returns true if the field should be redacted.
func isRedactedField(key string) bool {
	for _, k := range RedactedFields {
		if k == key {
			return true
		}
	}
	return false
}

var _ io.Closer = (*zeroLogger)(nil)
