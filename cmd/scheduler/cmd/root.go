package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/batsched/batsched/internal/common"
	"github.com/batsched/batsched/internal/scheduler/configuration"
)

const (
	CustomConfigLocation string = "config"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "scheduler",
		SilenceUsage: true,
		Short:        "Energy-budgeted batch job scheduler",
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")

	cmd.AddCommand(
		simulateCmd(),
	)

	return cmd
}

func loadConfig() (configuration.Configuration, error) {
	var config configuration.Configuration
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)

	err := common.LoadConfig(&config, "./config/scheduler", userSpecifiedConfigs)
	if err != nil {
		return config, err
	}
	config.Scheduling.ApplyProfileDefaults()
	return config, nil
}
