package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load reads configuration from environment variables and an optional
// config file. Environment variables (prefix VOXNOTE_, nested keys
// joined with underscores, e.g. VOXNOTE_DATABASE_URL) take precedence
// over values from the config file.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/voxnote")

	v.SetEnvPrefix("VOXNOTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; env vars alone can carry the config.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers defaults for everything that has a sensible one.
// Secrets and endpoints have no defaults on purpose.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	// Empty defaults register the keys with viper so AutomaticEnv can
	// populate them during Unmarshal; validation rejects them if they
	// stay empty.
	v.SetDefault("database.url", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("llm.gemini_api_key", "")
	v.SetDefault("object_store.base_url", "")
	v.SetDefault("object_store.token", "")

	v.SetDefault("redis.stream", "voxnote:ingest")
	v.SetDefault("redis.group", "voxnote-pipeline")

	v.SetDefault("llm.model_name", "gemini-2.0-flash")
	v.SetDefault("llm.max_retries", 3)

	v.SetDefault("pipeline.confirm_timeout", 5*time.Second)

	v.SetDefault("client.backoff_base", time.Second)
	v.SetDefault("client.backoff_cap", 30*time.Second)
	v.SetDefault("client.fallback_after", 5)
	v.SetDefault("client.poll_interval", 10*time.Second)
}