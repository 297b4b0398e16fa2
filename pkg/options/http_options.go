package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*HttpOptions)(nil)

// HttpOptions configure the operations HTTP server: probes, metrics and the /v1 API.
type HttpOptions struct {
	Network string `json:"network" mapstructure:"network"`
	Addr    string `json:"addr" mapstructure:"addr"`

	// Timeout bounds writing a response and is also the status client's request timeout.
	Timeout           time.Duration `json:"timeout" mapstructure:"timeout"`
	ReadHeaderTimeout time.Duration `json:"read-header-timeout" mapstructure:"read-header-timeout"`

	// ShutdownTimeout is how long in-flight requests get to finish on exit.
	ShutdownTimeout time.Duration `json:"shutdown-timeout" mapstructure:"shutdown-timeout"`

	// EnableDebug mounts /debug/loglevel for changing the log level at runtime.
	EnableDebug bool `json:"enable-debug" mapstructure:"enable-debug"`
}

// NewHttpOptions creates a HttpOptions object with default parameters.
func NewHttpOptions() *HttpOptions {
	return &HttpOptions{
		Network:           "tcp",
		Addr:              "0.0.0.0:8080",
		Timeout:           30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
	}
}

func (o *HttpOptions) Validate() []error {
	if o == nil {
		return nil
	}

	var errs []error
	if err := ValidateAddress(o.Addr); err != nil {
		errs = append(errs, err)
	}
	if o.Network != "tcp" && o.Network != "tcp4" && o.Network != "tcp6" {
		errs = append(errs, fmt.Errorf("http.network must be tcp, tcp4 or tcp6, got %q", o.Network))
	}
	if o.Timeout <= 0 || o.ReadHeaderTimeout <= 0 {
		errs = append(errs, fmt.Errorf("http.timeout and http.read-header-timeout must be positive"))
	}
	if o.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("http.shutdown-timeout must not be negative"))
	}
	return errs
}

func (o *HttpOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Network, join(prefixes, "http.network"), o.Network, "Network of the HTTP listener (tcp, tcp4 or tcp6).")
	fs.StringVar(&o.Addr, join(prefixes, "http.addr"), o.Addr, "HTTP server bind address and port.")
	fs.DurationVar(&o.Timeout, join(prefixes, "http.timeout"), o.Timeout, "Maximum time to write a response.")
	fs.DurationVar(&o.ReadHeaderTimeout, join(prefixes, "http.read-header-timeout"), o.ReadHeaderTimeout, "Maximum time to read request headers.")
	fs.DurationVar(&o.ShutdownTimeout, join(prefixes, "http.shutdown-timeout"), o.ShutdownTimeout, "Grace period for in-flight requests on shutdown.")
	fs.BoolVar(&o.EnableDebug, join(prefixes, "http.enable-debug"), o.EnableDebug, "Serve /debug/loglevel to read and change the log level.")
}
