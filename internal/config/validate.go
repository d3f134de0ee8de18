package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate checks Config for problems that would stop the chat loop from starting.
// It collects all errors into a single joined error.
func (c *Config) Validate() error {
	var errs []string

	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
		} else {
			errs = append(errs, err.Error())
		}
	}

	if c.LLM.BackoffBase <= 0 {
		errs = append(errs, "LLM_BACKOFF_BASE must be positive")
	}

	if c.KB.Backend == "postgres" && c.DB.Password == "" {
		errs = append(errs, "DB_PASSWORD is required when KB_BACKEND=postgres")
	}
	if c.Profile.Backend == "redis" && !c.Redis.Enabled {
		errs = append(errs, "REDIS_ENABLED must be true when PROFILE_BACKEND=redis")
	}

	// Port ranges
	if c.DB.Port < 1 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Sprintf("DB_PORT must be 1–65535, got %d", c.DB.Port))
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Sprintf("REDIS_PORT must be 1–65535, got %d", c.Redis.Port))
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		errs = append(errs, fmt.Sprintf("METRICS_PORT must be 0–65535, got %d", c.Metrics.Port))
	}

	if c.KB.Embedder == "hash" {
		slog.Warn("KB_EMBEDDER=hash uses lexical feature hashing, nearest-article search will be approximate")
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}
