package common

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/scanalign/scanalign/internal/common/config"
)

// LoadConfig reads config.yaml from defaultPath, optionally overlaying a user
// specified file on top, and unmarshals the result into config. Exits the
// process on failure; there is nothing sensible to do without configuration.
func LoadConfig(cfg interface{}, defaultPath string, userSpecifiedPath string) {
	viper.SetConfigName("config")
	viper.AddConfigPath(defaultPath)
	if err := viper.ReadInConfig(); err != nil {
		log.Error(err)
		os.Exit(-1)
	}

	if userSpecifiedPath != "" {
		viper.SetConfigFile(userSpecifiedPath)
		if err := viper.MergeInConfig(); err != nil {
			log.Error(err)
			os.Exit(-1)
		}
	}

	if err := viper.Unmarshal(cfg, config.CustomHooks...); err != nil {
		log.Error(err)
		os.Exit(-1)
	}
}

func ConfigureLogging() {
	log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	log.SetOutput(os.Stdout)
}

func BindCommandlineArguments() {
	err := viper.BindPFlags(pflag.CommandLine)
	if err != nil {
		log.Error(err)
		os.Exit(-1)
	}
}
