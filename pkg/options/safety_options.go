package options

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

var _ IOptions = (*SafetyOptions)(nil)

// SafetyOptions locate the safety rule set and tune the checker.
type SafetyOptions struct {
	// RulesFile is a YAML document with a top-level safety_rules list.
	// When empty, the built-in default rules are used.
	RulesFile string `json:"rules-file" mapstructure:"rules-file"`

	// HistorySize bounds the in-memory rejection history.
	HistorySize int `json:"history-size" mapstructure:"history-size"`

	// WatchRules reports on-disk changes of RulesFile. Rules are never reloaded at runtime.
	WatchRules bool `json:"watch-rules" mapstructure:"watch-rules"`
}

// NewSafetyOptions creates a SafetyOptions object with default parameters.
func NewSafetyOptions() *SafetyOptions {
	return &SafetyOptions{
		HistorySize: 1000,
		WatchRules:  true,
	}
}

// Validate is used to parse and validate the parameters entered by the user at
// the command line when the program starts.
func (o *SafetyOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errors := []error{}

	if o.RulesFile != "" {
		if _, err := os.Stat(o.RulesFile); err != nil {
			errors = append(errors, fmt.Errorf("safety.rules-file: %w", err))
		}
	}
	if o.HistorySize < 0 {
		errors = append(errors, fmt.Errorf("safety.history-size must not be negative"))
	}

	return errors
}

// AddFlags adds flags for SafetyOptions to the specified FlagSet.
func (o *SafetyOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.RulesFile, join(prefixes, "safety.rules-file"), o.RulesFile, "Path to the safety rules YAML file. Built-in defaults are used when empty.")
	fs.IntVar(&o.HistorySize, join(prefixes, "safety.history-size"), o.HistorySize, "Number of rejected commands kept for audit queries.")
	fs.BoolVar(&o.WatchRules, join(prefixes, "safety.watch-rules"), o.WatchRules, "Warn when the rules file changes on disk (a restart is required to apply it).")
}
