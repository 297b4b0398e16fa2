package options

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
)

var _ IOptions = (*S3Options)(nil)

// S3Options configure the fleet snapshot exporter. An empty Endpoint disables it.
type S3Options struct {
	Endpoint        string `json:"endpoint" mapstructure:"endpoint"`
	AccessKeyID     string `json:"access-key-id" mapstructure:"access-key-id"`
	SecretAccessKey string `json:"secret-access-key" mapstructure:"secret-access-key"`
	UseSSL          bool   `json:"use-ssl" mapstructure:"use-ssl"`
	BucketName      string `json:"bucket-name" mapstructure:"bucket-name"`
	Region          string `json:"region" mapstructure:"region"`

	// Schedule is a cron expression (robfig/cron syntax, descriptors allowed).
	Schedule string `json:"schedule" mapstructure:"schedule"`

	// Prefix is prepended to every object key.
	Prefix string `json:"prefix" mapstructure:"prefix"`
}

func NewS3Options() *S3Options {
	return &S3Options{
		UseSSL:     true,
		BucketName: "fleet-snapshots",
		Region:     "us-east-1",
		Schedule:   "@every 1m",
		Prefix:     "snapshots",
	}
}

// Enabled reports whether snapshot export is configured.
func (o *S3Options) Enabled() bool {
	return o != nil && o.Endpoint != ""
}

func (o *S3Options) Validate() []error {
	if !o.Enabled() {
		return nil
	}

	errors := []error{}

	if o.BucketName == "" {
		errors = append(errors, fmt.Errorf("s3.bucket-name is required when s3.endpoint is set"))
	}
	if _, err := cron.ParseStandard(o.Schedule); err != nil {
		errors = append(errors, fmt.Errorf("invalid s3.schedule %q: %w", o.Schedule, err))
	}

	return errors
}

func (o *S3Options) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Endpoint, join(prefixes, "s3.endpoint"), o.Endpoint, "S3 service endpoint (e.g. minio.local:9000). Empty disables snapshot export.")
	fs.StringVar(&o.AccessKeyID, join(prefixes, "s3.access-key-id"), o.AccessKeyID, "S3 access key ID")
	fs.StringVar(&o.SecretAccessKey, join(prefixes, "s3.secret-access-key"), o.SecretAccessKey, "S3 secret access key")
	fs.BoolVar(&o.UseSSL, join(prefixes, "s3.use-ssl"), o.UseSSL, "Enable SSL for S3 connection")
	fs.StringVar(&o.BucketName, join(prefixes, "s3.bucket-name"), o.BucketName, "S3 bucket name for fleet snapshots")
	fs.StringVar(&o.Region, join(prefixes, "s3.region"), o.Region, "S3 region")
	fs.StringVar(&o.Schedule, join(prefixes, "s3.schedule"), o.Schedule, "Cron schedule for snapshot export")
	fs.StringVar(&o.Prefix, join(prefixes, "s3.prefix"), o.Prefix, "Object key prefix for snapshots")
}
