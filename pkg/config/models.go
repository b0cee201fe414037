package config

import "time"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Transport TransportConfig `mapstructure:"transport"`
	Backplane BackplaneConfig `mapstructure:"backplane"`
	Presence  PresenceConfig  `mapstructure:"presence"`
	Channel   ChannelConfig   `mapstructure:"channel"`
	Voice     VoiceConfig     `mapstructure:"voice"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Address string     `mapstructure:"address"`
	Region  string     `mapstructure:"region"`
	Auth    AuthConfig `mapstructure:"auth"`
	// MaxConnections caps live sessions on this process. Zero disables the cap.
	MaxConnections int `mapstructure:"maxConnections"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

type TransportConfig struct {
	ReadTimeout   time.Duration `mapstructure:"readTimeout"`
	IdleTimeout   time.Duration `mapstructure:"idleTimeout"`
	AuthTimeout   time.Duration `mapstructure:"authTimeout"`
	SendQueueSize int           `mapstructure:"sendQueueSize"`
}

type BackplaneConfig struct {
	RedisAddr     string `mapstructure:"redisAddr"`
	RedisUsername string `mapstructure:"redisUsername"`
	RedisPassword string `mapstructure:"redisPassword"`
	RedisDB       int    `mapstructure:"redisDB"`
}

type PresenceConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweepInterval"`
}

type ChannelConfig struct {
	ReplayWindow    time.Duration `mapstructure:"replayWindow"`
	ExchangeTimeout time.Duration `mapstructure:"exchangeTimeout"`
}

type VoiceConfig struct {
	HeartbeatGrace time.Duration `mapstructure:"heartbeatGrace"`
	SweepInterval  time.Duration `mapstructure:"sweepInterval"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}
