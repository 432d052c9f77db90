package main

import (
	"context"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/scanalign/scanalign/internal/common"
	"github.com/scanalign/scanalign/internal/scanalign"
	"github.com/scanalign/scanalign/internal/scanalign/configuration"
	"github.com/scanalign/scanalign/internal/vision/native"
)

const CustomConfigLocation string = "config"

func init() {
	pflag.String(CustomConfigLocation, "", "Fully qualified path to application configuration file")
	pflag.Parse()
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var config configuration.ScanalignConfig
	userSpecifiedConfig := viper.GetString(CustomConfigLocation)
	common.LoadConfig(&config, "./config/scanalign", userSpecifiedConfig)

	log.Info("Starting...")
	log.Infof("Config %+v", config)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := scanalign.StartUp(config, native.NewEngine())
	if err != nil {
		log.Fatalf("Could not start: %v", err)
	}
	if err := app.Run(ctx); err != nil {
		log.Fatalf("Stopped with error: %v", err)
	}
	log.Info("Shutdown complete")
}
