// Package config reads the PassGuard configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"

	"github.com/freestays/passguard/internal/domain"
)

const profileKey = "PASSGUARD_PROFILE"

// Load builds the configuration from the process environment.
func Load() (*domain.Config, error) {
	return LoadFrom(env.ToMap(os.Environ()))
}

// LoadFrom builds the configuration from the given variables. The profile
// picks the defaults; every other variable overrides one field.
func LoadFrom(environ map[string]string) (*domain.Config, error) {
	var cfg *domain.Config
	switch p := domain.Profile(strings.ToLower(environ[profileKey])); p {
	case "", domain.ProfileCommunity:
		cfg = domain.DefaultConfig()
	case domain.ProfilePro:
		cfg = domain.ProConfig()
	default:
		return nil, fmt.Errorf("unknown profile %q", p)
	}

	if err := env.ParseWithOptions(cfg, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.Profile = domain.Profile(strings.ToLower(string(cfg.Profile)))

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot start with.
func Validate(cfg *domain.Config) error {
	var errs []error

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", cfg.Server.Port))
	}

	switch cfg.Repository.Driver {
	case "sqlite":
		if cfg.Repository.SQLitePath == "" {
			errs = append(errs, errors.New("sqlite path is required"))
		}
	case "postgres":
		if cfg.Repository.PostgresHost == "" || cfg.Repository.PostgresDB == "" {
			errs = append(errs, errors.New("postgres host and database are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown repository driver %q", cfg.Repository.Driver))
	}

	switch cfg.Cache.Type {
	case "memory":
	case "redis":
		if cfg.Cache.RedisAddr == "" {
			errs = append(errs, errors.New("redis address is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache type %q", cfg.Cache.Type))
	}

	switch cfg.EventBus.Type {
	case "channel":
	case "nats":
		if cfg.EventBus.NATSUrl == "" {
			errs = append(errs, errors.New("nats url is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown event bus type %q", cfg.EventBus.Type))
	}

	if cfg.Fraud.EscalateAfter < 1 {
		errs = append(errs, fmt.Errorf("escalate after must be at least 1, got %d", cfg.Fraud.EscalateAfter))
	}
	if cfg.Fraud.DedupWindow <= 0 {
		errs = append(errs, errors.New("dedup window must be positive"))
	}
	if cfg.Fraud.HistoryTimeout <= 0 {
		errs = append(errs, errors.New("history timeout must be positive"))
	}
	if r := cfg.Tracing.SampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("trace sample ratio %v outside [0, 1]", r))
	}
	if cfg.Scheduler.Enabled && cfg.Scheduler.ExpirySchedule == "" {
		errs = append(errs, errors.New("expiry schedule is required when the scheduler is enabled"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", domain.ErrInvalidInput, errors.Join(errs...))
	}
	return nil
}
