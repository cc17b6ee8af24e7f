package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

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
		Level  string `env:"LOG_LEVEL"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}
	// Fit holds the defaults applied to fit requests that leave them out.
	Fit struct {
		MinError           float64 `env:"FIT_MIN_ERROR" envDefault:"1e-6"`
		MinErrorDifference float64 `env:"FIT_MIN_ERROR_DIFFERENCE" envDefault:"1e-12"`
		MaxIterations      int     `env:"FIT_MAX_ITERATIONS" envDefault:"1000"`
		InitialLambda      float64 `env:"FIT_INITIAL_LAMBDA" envDefault:"1e-3"`
		SingularTolerance  float64 `env:"FIT_SINGULAR_TOLERANCE" envDefault:"1e-11"`
		VerifySymmetric    bool    `env:"FIT_VERIFY_SYMMETRIC" envDefault:"false"`
		MaxJobs            int     `env:"FIT_MAX_JOBS" envDefault:"64"`
	}
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Development logs everything unless told otherwise
	if cfg.Logging.Level == "" {
		if cfg.Environment == "development" {
			cfg.Logging.Level = "debug"
		} else {
			cfg.Logging.Level = "info"
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects fit defaults the optimizer would refuse.
func (c *Config) Validate() error {
	switch {
	case !(c.Fit.MinError > 0):
		return fmt.Errorf("FIT_MIN_ERROR must be positive, got %v", c.Fit.MinError)
	case !(c.Fit.MinErrorDifference > 0):
		return fmt.Errorf("FIT_MIN_ERROR_DIFFERENCE must be positive, got %v", c.Fit.MinErrorDifference)
	case c.Fit.MaxIterations <= 0:
		return fmt.Errorf("FIT_MAX_ITERATIONS must be positive, got %d", c.Fit.MaxIterations)
	case !(c.Fit.InitialLambda > 0):
		return fmt.Errorf("FIT_INITIAL_LAMBDA must be positive, got %v", c.Fit.InitialLambda)
	case !(c.Fit.SingularTolerance > 0):
		return fmt.Errorf("FIT_SINGULAR_TOLERANCE must be positive, got %v", c.Fit.SingularTolerance)
	case c.Fit.MaxJobs <= 0:
		return fmt.Errorf("FIT_MAX_JOBS must be positive, got %d", c.Fit.MaxJobs)
	}
	return nil
}
