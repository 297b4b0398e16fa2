package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const configFlagName = "config"

func addConfigFlag(name string, fs *pflag.FlagSet) *string {
	return fs.StringP(configFlagName, "c", "", fmt.Sprintf("Read %s configuration from the specified file. Supports JSON, TOML and YAML.", name))
}

// loadConfig merges the config file and environment into v. Values given on
// the command line take precedence over both.
func loadConfig(v *viper.Viper, cfgFile, envPrefix string, fs *pflag.FlagSet) error {
	if err := v.BindPFlags(fs); err != nil {
		return err
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if cfgFile == "" {
		return nil
	}
	v.SetConfigFile(cfgFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read configuration file %s: %w", cfgFile, err)
	}
	return nil
}

func decodeInto(v *viper.Viper, out any) error {
	return v.Unmarshal(out, func(c *mapstructure.DecoderConfig) {
		c.TagName = "mapstructure"
		c.WeaklyTypedInput = true
	})
}

// envPrefixFor derives RPEER from rpeer-orchestrator.
func envPrefixFor(name string) string {
	base, _, _ := strings.Cut(name, "-")
	return strings.ToUpper(base)
}

func printWorkingDir() string {
	wd, _ := os.Getwd()
	return wd
}
