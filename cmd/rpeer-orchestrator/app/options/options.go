package options

import (
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/autopeer-io/robopeer/internal/orchestrator"
	"github.com/autopeer-io/robopeer/pkg/app"
	"github.com/autopeer-io/robopeer/pkg/log"
	"github.com/autopeer-io/robopeer/pkg/options"
)

type OrchestratorOptions struct {
	HttpOptions         *options.HttpOptions         `json:"http" mapstructure:"http"`
	GrpcOptions         *options.GrpcOptions         `json:"grpc" mapstructure:"grpc"`
	MqttOptions         *options.MqttOptions         `json:"mqtt" mapstructure:"mqtt"`
	S3Options           *options.S3Options           `json:"s3" mapstructure:"s3"`
	OrchestratorOptions *options.OrchestratorOptions `json:"orchestrator" mapstructure:"orchestrator"`
	SafetyOptions       *options.SafetyOptions       `json:"safety" mapstructure:"safety"`
	Log                 *log.Options                 `json:"log" mapstructure:"log"`
}

var (
	_ app.NamedFlagSetOptions = (*OrchestratorOptions)(nil)
	_ app.LogOptionsProvider  = (*OrchestratorOptions)(nil)
)

func NewOrchestratorOptions() *OrchestratorOptions {
	o := &OrchestratorOptions{
		HttpOptions:         options.NewHttpOptions(),
		GrpcOptions:         options.NewGrpcOptions(),
		MqttOptions:         options.NewMqttOptions(),
		S3Options:           options.NewS3Options(),
		OrchestratorOptions: options.NewOrchestratorOptions(),
		SafetyOptions:       options.NewSafetyOptions(),
		Log:                 log.NewOptions(),
	}
	return o
}

func (o *OrchestratorOptions) Flags() cliflag.NamedFlagSets {
	fss := cliflag.NamedFlagSets{}
	o.HttpOptions.AddFlags(fss.FlagSet("http"))
	o.GrpcOptions.AddFlags(fss.FlagSet("grpc"))
	o.MqttOptions.AddFlags(fss.FlagSet("mqtt"))
	o.S3Options.AddFlags(fss.FlagSet("s3"))
	o.OrchestratorOptions.AddFlags(fss.FlagSet("orchestrator"))
	o.SafetyOptions.AddFlags(fss.FlagSet("safety"))
	o.Log.AddFlags(fss.FlagSet("log"))
	return fss
}

func (o *OrchestratorOptions) Complete() error {
	if o.Log.Name == "" {
		o.Log.Name = "rpeer-orchestrator"
	}
	return nil
}

func (o *OrchestratorOptions) Validate() error {
	errs := []error{}
	errs = append(errs, o.HttpOptions.Validate()...)
	errs = append(errs, o.GrpcOptions.Validate()...)
	errs = append(errs, o.MqttOptions.Validate()...)
	errs = append(errs, o.S3Options.Validate()...)
	errs = append(errs, o.OrchestratorOptions.Validate()...)
	errs = append(errs, o.SafetyOptions.Validate()...)
	errs = append(errs, o.Log.Validate()...)
	return utilerrors.NewAggregate(errs)
}

func (o *OrchestratorOptions) LogOptions() *log.Options { return o.Log }

func (o *OrchestratorOptions) Config() (*orchestrator.Config, error) {
	return &orchestrator.Config{
		HttpOptions:         o.HttpOptions,
		GrpcOptions:         o.GrpcOptions,
		MqttOptions:         o.MqttOptions,
		S3Options:           o.S3Options,
		OrchestratorOptions: o.OrchestratorOptions,
		SafetyOptions:       o.SafetyOptions,
	}, nil
}
