// Package app builds cobra commands from a NamedFlagSetOptions, loading
// configuration from flags, a config file and the environment.
package app

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	cliflag "k8s.io/component-base/cli/flag"
	"k8s.io/component-base/cli/globalflag"
	"k8s.io/component-base/term"

	"github.com/autopeer-io/robopeer/pkg/log"
)

// RunFunc is the main body of an application.
type RunFunc func() error

type App struct {
	name        string
	shortDesc   string
	description string
	envPrefix   string
	run         RunFunc
	options     NamedFlagSetOptions
	noConfig    bool
	args        cobra.PositionalArgs
	subcommands []*cobra.Command
	cmd         *cobra.Command
	viper       *viper.Viper
}

type Option func(*App)

func WithOptions(opts NamedFlagSetOptions) Option {
	return func(a *App) { a.options = opts }
}

func WithRunFunc(run RunFunc) Option {
	return func(a *App) { a.run = run }
}

func WithDescription(desc string) Option {
	return func(a *App) { a.description = desc }
}

// WithNoConfig drops the --config flag.
func WithNoConfig() Option {
	return func(a *App) { a.noConfig = true }
}

// WithEnvPrefix overrides the environment variable prefix.
func WithEnvPrefix(prefix string) Option {
	return func(a *App) { a.envPrefix = prefix }
}

// WithDefaultValidArgs rejects positional arguments.
func WithDefaultValidArgs() Option {
	return func(a *App) {
		a.args = func(cmd *cobra.Command, args []string) error {
			for _, arg := range args {
				if len(arg) > 0 {
					return fmt.Errorf("%q does not take any arguments, got %q", cmd.CommandPath(), args)
				}
			}
			return nil
		}
	}
}

func WithSubcommands(cmds ...*cobra.Command) Option {
	return func(a *App) { a.subcommands = append(a.subcommands, cmds...) }
}

func NewApp(name, shortDesc string, opts ...Option) *App {
	a := &App{
		name:      name,
		shortDesc: shortDesc,
		envPrefix: envPrefixFor(name),
		viper:     viper.New(),
	}
	for _, o := range opts {
		o(a)
	}
	a.buildCommand()
	return a
}

// Command returns the root cobra command.
func (a *App) Command() *cobra.Command { return a.cmd }

// Run executes the command and exits non-zero on failure.
func (a *App) Run() {
	err := a.cmd.Execute()
	log.Flush()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func (a *App) buildCommand() {
	cmd := &cobra.Command{
		Use:           a.name,
		Short:         a.shortDesc,
		Long:          a.description,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          a.args,
	}
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)
	cmd.Flags().SortFlags = true
	cmd.AddCommand(a.subcommands...)

	var fss cliflag.NamedFlagSets
	if a.options != nil {
		fss = a.options.Flags()
	}
	globalflag.AddGlobalFlags(fss.FlagSet("global"), cmd.Name())

	var cfgFile *string
	if !a.noConfig {
		cfgFile = addConfigFlag(a.name, fss.FlagSet("global"))
	}
	for _, f := range fss.FlagSets {
		cmd.Flags().AddFlagSet(f)
	}

	cols, _, _ := term.TerminalSize(cmd.OutOrStdout())
	cliflag.SetUsageAndHelpFunc(cmd, fss, cols)

	if a.run != nil {
		cmd.RunE = func(cmd *cobra.Command, _ []string) error {
			file := ""
			if cfgFile != nil {
				file = *cfgFile
			}
			return a.runCommand(cmd, file)
		}
	}
	a.cmd = cmd
}

func (a *App) runCommand(cmd *cobra.Command, cfgFile string) error {
	if a.options != nil {
		if err := loadConfig(a.viper, cfgFile, a.envPrefix, cmd.Flags()); err != nil {
			return err
		}
		if err := decodeInto(a.viper, a.options); err != nil {
			return fmt.Errorf("failed to decode configuration: %w", err)
		}
		if err := a.options.Complete(); err != nil {
			return err
		}
		if err := a.options.Validate(); err != nil {
			return err
		}
		if lp, ok := a.options.(LogOptionsProvider); ok {
			log.Init(lp.LogOptions())
		}
	}

	log.Info("Starting application", "name", a.name, "workdir", printWorkingDir(), "config", cfgFile)
	return a.run()
}
