package log

import (
	"fmt"

	"github.com/spf13/pflag"
	"go.uber.org/zap/zapcore"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Options contains configuration settings for the logger.
type Options struct {
	// Name is added to every entry as the "logger" field.
	Name string `json:"name,omitempty" mapstructure:"name"`

	// Level is the minimum level: debug, info, warn or error. It can be
	// changed at runtime through LevelHandler.
	Level string `json:"level,omitempty" mapstructure:"level"`

	// Format is console or json.
	Format string `json:"format,omitempty" mapstructure:"format"`

	EnableColor   bool `json:"enable-color,omitempty" mapstructure:"enable-color"`
	DisableCaller bool `json:"disable-caller,omitempty" mapstructure:"disable-caller"`

	// Development turns warnings into stack-traced entries and makes DPanic panic.
	Development bool `json:"development,omitempty" mapstructure:"development"`

	// CallerSkip is the number of wrapper frames between the caller and zap.
	CallerSkip int `json:"caller-skip,omitempty" mapstructure:"caller-skip"`

	// SamplingInitial and SamplingThereafter throttle repeated entries per
	// second; state reports from a large fleet are the usual source. Zero disables sampling.
	SamplingInitial    int `json:"sampling-initial,omitempty" mapstructure:"sampling-initial"`
	SamplingThereafter int `json:"sampling-thereafter,omitempty" mapstructure:"sampling-thereafter"`

	// OutputPaths are zap sink URLs or file paths; "stdout" and "stderr" are accepted.
	OutputPaths []string `json:"output-paths,omitempty" mapstructure:"output-paths"`
}

// NewOptions creates a new Options object with default values.
func NewOptions() *Options {
	return &Options{
		Level:       "info",
		Format:      FormatConsole,
		EnableColor: true,
		CallerSkip:  2, // package-level helpers plus the zapLogger method
		OutputPaths: []string{"stdout"},
	}
}

// Validate checks the level and format names.
func (o *Options) Validate() []error {
	var errs []error

	if _, err := zapcore.ParseLevel(o.Level); err != nil {
		errs = append(errs, fmt.Errorf("invalid log.level %q", o.Level))
	}
	if o.Format != FormatConsole && o.Format != FormatJSON {
		errs = append(errs, fmt.Errorf("invalid log.format %q, must be %s or %s", o.Format, FormatConsole, FormatJSON))
	}
	if o.SamplingInitial < 0 || o.SamplingThereafter < 0 {
		errs = append(errs, fmt.Errorf("log sampling values must not be negative"))
	}

	return errs
}

// AddFlags binds command-line flags to the Options fields.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Name, "log.name", o.Name, "An optional name for the logger.")
	fs.StringVar(&o.Level, "log.level", o.Level, "Minimum log level (debug, info, warn, error).")
	fs.StringVar(&o.Format, "log.format", o.Format, "Log output format (console or json).")
	fs.BoolVar(&o.EnableColor, "log.enable-color", o.EnableColor, "Colorize levels in console format.")
	fs.BoolVar(&o.DisableCaller, "log.disable-caller", o.DisableCaller, "Omit the caller file and line.")
	fs.BoolVar(&o.Development, "log.development", o.Development, "Enable development mode (stack traces on warnings).")
	fs.IntVar(&o.CallerSkip, "log.caller-skip", o.CallerSkip, "Number of caller frames to skip.")
	fs.IntVar(&o.SamplingInitial, "log.sampling-initial", o.SamplingInitial,
		"Entries with the same level and message logged per second before sampling starts. 0 disables sampling.")
	fs.IntVar(&o.SamplingThereafter, "log.sampling-thereafter", o.SamplingThereafter,
		"Once sampling starts, log every Nth repeated entry.")
	fs.StringSliceVar(&o.OutputPaths, "log.output-paths", o.OutputPaths, "Log sinks (stdout, stderr or file paths).")
}
