package asterisk

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config carries the connection settings for one ARI endpoint. The engine
// core consumes no environment itself; only this transport layer does.
type Config struct {
	URL         string `env:"ARI_URL" envDefault:"http://localhost:8088/ari"`
	Username    string `env:"ARI_USERNAME"`
	Password    string `env:"ARI_PASSWORD"`
	Application string `env:"ARI_APPLICATION" envDefault:"ari-core"`
}

// ConfigFromEnv reads the connection settings from the ARI_* variables.
func ConfigFromEnv() (Config, error) {
	var config Config
	if err := env.Parse(&config); err != nil {
		return Config{}, fmt.Errorf("failed to parse configuration from environment: %w", err)
	}
	return config, nil
}
