// Package config loads the service configuration from the environment and
// analysis definitions from YAML files.
package config

import (
	"errors"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment variable read by this package.
const EnvPrefix = "BMFMC_"

// Config is the service configuration.
type Config struct {
	Environment string `env:"ENV" envDefault:"development"`
	HTTP        struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	}
	Logging struct {
		Level  string `env:"LOG_LEVEL" envDefault:"info"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}
	Analysis struct {
		// DataDir confines the data files an analysis submitted to the
		// service may read.
		DataDir       string `env:"DATA_DIR" envDefault:"data"`
		MaxConcurrent int    `env:"MAX_CONCURRENT" envDefault:"2"`
		// Workers is the default worker count of the variance reduction.
		Workers int `env:"WORKERS" envDefault:"0"`
	}
}

// Load reads an optional .env file and parses BMFMC_* variables.
func Load(dotenv ...string) (*Config, error) {
	if err := godotenv.Load(dotenv...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, err
	}

	// Set default logging level based on environment
	if cfg.Environment == "development" && cfg.Logging.Level == "" {
		cfg.Logging.Level = "debug"
	}
	if cfg.Analysis.MaxConcurrent < 1 {
		cfg.Analysis.MaxConcurrent = 1
	}
	return cfg, nil
}
