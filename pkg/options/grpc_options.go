package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*GrpcOptions)(nil)

// GrpcOptions configure the gRPC health endpoint. Leaving Addr empty disables it.
type GrpcOptions struct {
	Network string `json:"network" mapstructure:"network"`
	Addr    string `json:"addr" mapstructure:"addr"`

	// Timeout bounds every unary call served.
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`

	// ShutdownTimeout caps GracefulStop; open watch streams are cut after it.
	ShutdownTimeout time.Duration `json:"shutdown-timeout" mapstructure:"shutdown-timeout"`

	EnableReflection bool `json:"enable-reflection" mapstructure:"enable-reflection"`
}

// NewGrpcOptions creates a GrpcOptions object with default parameters.
func NewGrpcOptions() *GrpcOptions {
	return &GrpcOptions{
		Network:          "tcp",
		Addr:             "0.0.0.0:8091",
		Timeout:          10 * time.Second,
		ShutdownTimeout:  5 * time.Second,
		EnableReflection: true,
	}
}

// Enabled reports whether the gRPC server should run.
func (o *GrpcOptions) Enabled() bool {
	return o != nil && o.Addr != ""
}

func (o *GrpcOptions) Validate() []error {
	if !o.Enabled() {
		return nil
	}

	var errs []error
	if err := ValidateAddress(o.Addr); err != nil {
		errs = append(errs, err)
	}
	if o.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("grpc.shutdown-timeout must not be negative"))
	}
	return errs
}

func (o *GrpcOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Network, join(prefixes, "grpc.network"), o.Network, "Network of the gRPC listener.")
	fs.StringVar(&o.Addr, join(prefixes, "grpc.addr"), o.Addr, "gRPC health server bind address and port. Empty disables the server.")
	fs.DurationVar(&o.Timeout, join(prefixes, "grpc.timeout"), o.Timeout, "Timeout applied to each unary call.")
	fs.DurationVar(&o.ShutdownTimeout, join(prefixes, "grpc.shutdown-timeout"), o.ShutdownTimeout, "Grace period before open streams are closed on shutdown.")
	fs.BoolVar(&o.EnableReflection, join(prefixes, "grpc.enable-reflection"), o.EnableReflection, "Register the gRPC reflection service.")
}
