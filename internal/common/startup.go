package common

import (
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	commonconfig "github.com/batsched/batsched/internal/common/config"
)

// ConfigureLogging sets up the process-wide logrus configuration.
// This should be called once at application startup.
func ConfigureLogging() {
	log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	log.SetOutput(os.Stdout)
}

// BindCommandlineArguments makes all registered pflag flags available through viper.
func BindCommandlineArguments() {
	err := viper.BindPFlags(pflag.CommandLine)
	if err != nil {
		log.Error(err)
		os.Exit(-1)
	}
}

// LoadConfig reads the named config file from path, applies any user-specified
// override files on top, and unmarshals the result into config.
// The loaded config is validated; validation failure refuses startup.
func LoadConfig(config interface{}, path string, overrideConfigs []string) error {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(path)
	if err := v.ReadInConfig(); err != nil {
		return errors.WithMessagef(err, "error reading config from %s", path)
	}
	log.Infof("Read config from %s", v.ConfigFileUsed())

	for _, overrideConfig := range overrideConfigs {
		v.SetConfigFile(overrideConfig)
		if err := v.MergeInConfig(); err != nil {
			return errors.WithMessagef(err, "error reading config from %s", overrideConfig)
		}
		log.Infof("Read config from %s", v.ConfigFileUsed())
	}

	if err := v.Unmarshal(config, commonconfig.CustomHooks...); err != nil {
		return errors.WithMessage(err, "error unmarshalling config")
	}

	if err := commonconfig.Validate(config); err != nil {
		commonconfig.LogValidationErrors(err)
		return errors.New("config validation failed")
	}
	return nil
}
