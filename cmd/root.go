package cmd

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// envPrefix namespaces environment overrides, e.g. BLIS_HORIZON.
const envPrefix = "BLIS"

// newViper returns a config registry reading BLIS_* environment variables.
// Flag names map to variables by upper-casing and replacing '-' with '_'.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// NewRootCmd builds the blis command tree.
func NewRootCmd() *cobra.Command {
	v := newViper()
	root := &cobra.Command{
		Use:           "blis",
		Short:         "Discrete-event simulator for multi-instance LLM inference clusters",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			level, err := logrus.ParseLevel(v.GetString("log"))
			if err != nil {
				return err
			}
			logrus.SetLevel(level)
			return nil
		},
	}
	root.PersistentFlags().String("log", "warn", "Log level (trace, debug, info, warn, error, fatal, panic)")

	root.AddCommand(newRunCmd(v), newValidateCmd(v))
	return root
}

// Execute runs the CLI root command
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}
