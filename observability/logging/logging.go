package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

type setupOptions struct {
	level  slog.Leveler
	out    io.Writer
	rotate *lumberjack.Logger
}

// Option adjusts Setup.
type Option func(*setupOptions)

// WithLevel sets the minimum level emitted.
func WithLevel(level slog.Leveler) Option {
	return func(o *setupOptions) {
		if level != nil {
			o.level = level
		}
	}
}

// WithWriter replaces stdout as the primary sink.
func WithWriter(w io.Writer) Option {
	return func(o *setupOptions) {
		if w != nil {
			o.out = w
		}
	}
}

// WithFile tees every line into a size-rotated file. An empty path is a no-op.
func WithFile(path string, maxSizeMB, maxBackups int) Option {
	return func(o *setupOptions) {
		path = strings.TrimSpace(path)
		if path == "" {
			return
		}
		if maxSizeMB <= 0 {
			maxSizeMB = 100
		}
		o.rotate = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			Compress:   true,
		}
	}
}

// ParseLevel maps debug/info/warn/error onto slog levels, defaulting to info.
func ParseLevel(raw string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Setup configures the standard library logger to emit structured JSON and returns
// the underlying slog.Logger for richer logging within the service. All log lines
// include the service name and environment when provided. The returned closer
// releases the rotated file, if any.
func Setup(service, env string, opts ...Option) (*slog.Logger, io.Closer) {
	o := setupOptions{level: slog.LevelInfo, out: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}
	out := o.out
	var closer io.Closer = nopCloser{}
	if o.rotate != nil {
		out = io.MultiWriter(o.out, o.rotate)
		closer = o.rotate
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: o.level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if len(groups) > 0 {
				return attr
			}
			switch attr.Key {
			case slog.TimeKey:
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			case slog.LevelKey:
				return slog.String("severity", strings.ToUpper(attr.Value.String()))
			case slog.MessageKey:
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	})

	attrs := []slog.Attr{
		slog.String("service", strings.TrimSpace(service)),
	}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}

	withArgs := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		withArgs = append(withArgs, attr)
	}

	base := slog.New(handler).With(withArgs...)
	slog.SetDefault(base)

	// Bridge the standard library logger so existing packages continue to work.
	stdBridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base, closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
