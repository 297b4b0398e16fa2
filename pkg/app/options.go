package app

import (
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/autopeer-io/robopeer/pkg/log"
)

// NamedFlagSetOptions is implemented by every command's option set.
type NamedFlagSetOptions interface {
	// Flags returns the command flags grouped by section.
	Flags() cliflag.NamedFlagSets

	// Complete fills in defaults derived from other fields.
	Complete() error

	// Validate checks the options after completion.
	Validate() error
}

// LogOptionsProvider is implemented by options that configure the logger.
type LogOptionsProvider interface {
	LogOptions() *log.Options
}
