package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config is shared by the mock service and the demo client. Unused fields
// cost nothing, so both read the same file.
type Config struct {
	Mode string `mapstructure:"mode"`
	Port int    `mapstructure:"port"`

	AppID  string `mapstructure:"app_id"`
	Secret string `mapstructure:"secret"`

	BaseURL    string `mapstructure:"base_url"`
	EndpointID string `mapstructure:"endpoint_id"`

	RateLimit    int           `mapstructure:"rate_limit"`
	RateInterval time.Duration `mapstructure:"rate_interval"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("app_id", "local-app")
	v.SetDefault("secret", "dev-secret")
	v.SetDefault("base_url", "http://127.0.0.1:8080")
	v.SetDefault("rate_limit", 0)
	v.SetDefault("rate_interval", "1s")

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
