// Package config loads the service configuration from the environment.
package config

import (
	"time"

	"github.com/caarlos0/env/v10"
)

// Config is the full service configuration.
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
	Solver struct {
		MaxEval          int     `env:"SOLVER_MAX_EVAL" envDefault:"1000"`
		MaxTime          float64 `env:"SOLVER_MAX_TIME" envDefault:"0"`
		ConstraintTol    float64 `env:"SOLVER_CONSTRAINT_TOL" envDefault:"0.1"`
		LocalFtolRel     float64 `env:"SOLVER_LOCAL_FTOL_REL" envDefault:"1e-3"`
		Seed             uint64  `env:"SOLVER_SEED" envDefault:"3735928559"`
		WeightAccuracy   float64 `env:"SOLVER_WEIGHT_ACCURACY" envDefault:"1"`
		WeightSimplicity float64 `env:"SOLVER_WEIGHT_SIMPLICITY" envDefault:"0.1"`
		Verbose          bool    `env:"SOLVER_VERBOSE" envDefault:"false"`
	}
}

// Load parses the configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if cfg.Environment == "development" && cfg.Logging.Level == "" {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}
