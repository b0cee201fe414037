package config

import (
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from a file and environment variables.
func Load(logger *slog.Logger, fileName string) (*Config, error) {
	v := viper.New()

	// 1. Set default values
	v.SetDefault("server.address", ":9000")
	v.SetDefault("server.region", "global")
	v.SetDefault("server.auth.jwtSecret", "default-secret-key-change-me")
	v.SetDefault("server.maxConnections", 10000)
	v.SetDefault("transport.readTimeout", "60s")
	v.SetDefault("transport.idleTimeout", "90s")
	v.SetDefault("transport.authTimeout", "10s")
	v.SetDefault("transport.sendQueueSize", 256)
	v.SetDefault("backplane.redisAddr", "")
	v.SetDefault("backplane.redisDB", 0)
	v.SetDefault("presence.ttl", "60s")
	v.SetDefault("presence.sweepInterval", "10s")
	v.SetDefault("channel.replayWindow", "2m")
	v.SetDefault("channel.exchangeTimeout", "30s")
	v.SetDefault("voice.heartbeatGrace", "10s")
	v.SetDefault("voice.sweepInterval", "1s")
	v.SetDefault("logging.level", "info")

	// 2. Set config file details
	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".") // look for config in the working directory

	// 3. Set up environment variable handling
	v.SetEnvPrefix("HARMONY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Read the configuration file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			return nil, err
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars")
	}

	// 5. Unmarshal the configuration into our struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
