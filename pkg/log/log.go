package log

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured logging interface used across robopeer components.
// Arguments after msg are key-value pairs; a lone error or zap.Field is also accepted.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(err error, msg string, keysAndValues ...any)

	// WithName appends name to the logger name, separated by a dot.
	WithName(name string) Logger

	// WithValues returns a logger that adds the given pairs to every entry.
	WithValues(keysAndValues ...any) Logger

	// Logr adapts the logger for controller-runtime and client-go.
	Logr() logr.Logger
}

var _ Logger = (*zapLogger)(nil)

type zapLogger struct {
	core *zap.Logger
}

// New builds a Logger from opts. A nil opts uses NewOptions.
func New(opts *Options) (Logger, error) {
	if opts == nil {
		opts = NewOptions()
	}

	level, err := zapcore.ParseLevel(opts.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}
	runtimeLevel.SetLevel(level)

	format := opts.Format
	if format == "" {
		format = FormatConsole
	}
	outputPaths := opts.OutputPaths
	if len(outputPaths) == 0 {
		outputPaths = []string{"stdout"}
	}

	cfg := zap.Config{
		Level:            runtimeLevel,
		Development:      opts.Development,
		DisableCaller:    opts.DisableCaller,
		Encoding:         format,
		EncoderConfig:    encoderConfig(opts),
		OutputPaths:      outputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}
	if opts.SamplingInitial > 0 {
		cfg.Sampling = &zap.SamplingConfig{
			Initial:    opts.SamplingInitial,
			Thereafter: max(opts.SamplingThereafter, 1),
		}
	}

	core, err := cfg.Build(zap.AddCallerSkip(opts.CallerSkip))
	if err != nil {
		return nil, fmt.Errorf("failed to build zap logger: %w", err)
	}
	if opts.Name != "" {
		core = core.Named(opts.Name)
	}

	return &zapLogger{core: core}, nil
}

// NewLogger is New for callers that already validated opts. It panics on error.
func NewLogger(opts *Options) Logger {
	l, err := New(opts)
	if err != nil {
		panic(err)
	}
	return l
}

// encoderConfig starts from zap's production keys and switches to
// human-readable timestamps, capital levels and millisecond durations.
func encoderConfig(opts *Options) zapcore.EncoderConfig {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "timestamp"
	ec.MessageKey = "message"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeLevel = zapcore.CapitalLevelEncoder
	ec.EncodeDuration = zapcore.MillisDurationEncoder
	if opts.Format != FormatJSON && opts.EnableColor {
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return ec
}

func Debug(msg string, keysAndValues ...any)            { std.Debug(msg, keysAndValues...) }
func Info(msg string, keysAndValues ...any)             { std.Info(msg, keysAndValues...) }
func Warn(msg string, keysAndValues ...any)             { std.Warn(msg, keysAndValues...) }
func Error(err error, msg string, keysAndValues ...any) { std.Error(err, msg, keysAndValues...) }
func WithName(name string) Logger                       { return std.WithName(name) }
func WithValues(keysAndValues ...any) Logger            { return std.WithValues(keysAndValues...) }
func Logr() logr.Logger                                 { return std.Logr() }

func (z *zapLogger) Debug(msg string, keysAndValues ...any) {
	z.core.Debug(msg, toFields(keysAndValues...)...)
}

func (z *zapLogger) Info(msg string, keysAndValues ...any) {
	z.core.Info(msg, toFields(keysAndValues...)...)
}

func (z *zapLogger) Warn(msg string, keysAndValues ...any) {
	z.core.Warn(msg, toFields(keysAndValues...)...)
}

func (z *zapLogger) Error(err error, msg string, keysAndValues ...any) {
	fields := toFields(keysAndValues...)
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	z.core.Error(msg, fields...)
}

func (z *zapLogger) WithName(name string) Logger {
	return &zapLogger{core: z.core.Named(name)}
}

func (z *zapLogger) WithValues(keysAndValues ...any) Logger {
	return &zapLogger{core: z.core.With(toFields(keysAndValues...)...)}
}

func (z *zapLogger) Logr() logr.Logger {
	return zapr.NewLogger(z.core)
}

var (
	once sync.Once
	std  = NewNopLogger()

	// runtimeLevel is shared by every logger built with New so the level can be
	// changed on a running process.
	runtimeLevel = zap.NewAtomicLevel()
)

// Init replaces the global logger. Only the first call has an effect.
func Init(opts *Options) {
	once.Do(func() {
		std = NewLogger(opts)
	})
}

// Std returns the global logger instance.
func Std() Logger {
	return std
}

// Flush writes out buffered entries of the global logger.
func Flush() {
	if z, ok := std.(*zapLogger); ok {
		_ = z.core.Sync()
	}
}

// LevelHandler serves GET and PUT of the current level as {"level":"debug"}.
func LevelHandler() http.Handler {
	return runtimeLevel
}

// NewNopLogger returns a logger that performs no operations.
func NewNopLogger() Logger {
	return &zapLogger{core: zap.NewNop()}
}
