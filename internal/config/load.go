package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load reads configuration from environment variables and an optional
// config file. Environment variables (prefix WANDERPLAN_) take precedence
// over values from the config file, which takes precedence over defaults.
// Returns a populated Config struct or an error if loading or validation
// fails.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Optional config.yaml alongside the binary or in the working directory.
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file is fine; env vars and defaults apply.
	}

	v.SetEnvPrefix("WANDERPLAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers the default value for every tunable so a bare
// environment (plus a database URL) is a valid deployment.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	// Registered empty so AutomaticEnv can bind WANDERPLAN_DATABASE_URL;
	// viper only unmarshals keys it knows about. Validation rejects the
	// empty default.
	v.SetDefault("database.url", "")

	v.SetDefault("tasks.worker_count", 10)
	v.SetDefault("tasks.queue_size", 100)
	v.SetDefault("tasks.poll_interval", "5s")
	v.SetDefault("tasks.sweep_interval", "30s")
	v.SetDefault("tasks.stale_after", "10m")
	v.SetDefault("tasks.zombie_after", "30m")
	v.SetDefault("tasks.cleanup_interval", "5m")
	v.SetDefault("tasks.retention", "24h")
	v.SetDefault("tasks.shutdown_grace", "30s")

	v.SetDefault("idempotency.default_ttl", "24h")
	v.SetDefault("idempotency.sweep_interval", "1h")
}
