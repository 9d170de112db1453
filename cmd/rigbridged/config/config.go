package config

import (
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/viper"
)

func setViperDefaults() {
	viper.SetDefault("loglevel", "info")
	viper.SetDefault("logfile", "")
	viper.SetDefault("listenaddress", "localhost:8137")

	viper.SetDefault("samplerate", 48000)
	viper.SetDefault("framesperbuffer", 2048)
	viper.SetDefault("subscriberqueuedepth", 5)
	viper.SetDefault("inputdevice", "")
	viper.SetDefault("outputdevice", "")
	viper.SetDefault("recordfile", "")

	viper.SetDefault("serialport", "")
	viper.SetDefault("baudrate", 9600)
	viper.SetDefault("parity", "N")
	viper.SetDefault("stopbits", 1.0)
	viper.SetDefault("serialqueuecapacity", 32)
	viper.SetDefault("serialresponsetimeoutms", 2000)

	viper.SetDefault("ICEServers", []string{"stun:stun.l.google.com:19302"})
}

func LoadConfig(configFilePath string) {
	setViperDefaults()

	viper.SetConfigFile(configFilePath)
	if err := viper.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if notFound || errors.Is(err, os.ErrNotExist) {
			// The daemon runs on defaults until a config file appears.
			slog.Info("no config file found", "configFilePath", configFilePath)
		} else {
			slog.Error("error during config read", "err", err)
			panic(err)
		}
	}
}
