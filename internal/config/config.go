package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"       validate:"required"`
	Database    DatabaseConfig    `mapstructure:"database"     validate:"required"`
	Redis       RedisConfig       `mapstructure:"redis"        validate:"required"`
	Auth        AuthConfig        `mapstructure:"auth"         validate:"required"`
	LLM         LLMConfig         `mapstructure:"llm"          validate:"required"`
	ObjectStore ObjectStoreConfig `mapstructure:"object_store" validate:"required"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	Client      ClientConfig      `mapstructure:"client"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required,url"`
}

// RedisConfig contains the queue and history store settings.
type RedisConfig struct {
	Addr   string `mapstructure:"addr"   validate:"required"`
	Stream string `mapstructure:"stream" validate:"required"`
	Group  string `mapstructure:"group"  validate:"required"`
}

// AuthConfig contains all authentication and authorization settings.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" validate:"required,min=32"`
}

// LLMConfig contains all model integration related settings.
type LLMConfig struct {
	GeminiAPIKey string `mapstructure:"gemini_api_key" validate:"required"`
	ModelName    string `mapstructure:"model_name"     validate:"required"`

	// MaxRetries bounds retry attempts against the model API for
	// transient failures; business failures are never retried.
	MaxRetries int `mapstructure:"max_retries" validate:"gte=0,lte=10"`
}

// ObjectStoreConfig locates the audio object storage.
type ObjectStoreConfig struct {
	BaseURL string `mapstructure:"base_url" validate:"required,url"`
	Token   string `mapstructure:"token"`
}

// PipelineConfig tunes orchestrator behavior.
type PipelineConfig struct {
	// ConfirmTimeout bounds the wait for confirmed delivery of the
	// terminal stage event. Expiry is logged and treated as non-fatal.
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
}

// ClientConfig tunes the status client's reconnection behavior.
type ClientConfig struct {
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffCap    time.Duration `mapstructure:"backoff_cap"`
	FallbackAfter int           `mapstructure:"fallback_after"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
}
