package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/avalos-dev/gradebatch-api/internal/grading"
)

// Config holds runtime configuration values for the API service.
type Config struct {
	AppName          string
	AppEnv           string
	AppPort          string
	DatabaseURL      string
	RedisURL         string
	NATSURL          string
	JWTSecret        string
	AIProvider       string
	OpenAIAPIKey     string
	OpenAIModel      string
	AnthropicAPIKey  string
	AnthropicModel   string
	ProgressCacheTTL time.Duration

	// Grading policy defaults; each batch may override them in its request.
	GradingConcurrency    int
	GradingMaxAttempts    int
	GradingMaxCorrections int
	GradingRequestTimeout time.Duration
	GradingRequestsPerSec float64
	GradingBurst          int
	GradingAbortThreshold int
	GradingInitialBackoff time.Duration
	GradingMaxBackoff     time.Duration
	GradingSinkWriteRetry int
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GRADEBATCH")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GradeBatch API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("ai.provider", "openai")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("anthropic.model", "claude-3-5-haiku-latest")
	v.SetDefault("progress.cache_ttl", "10m")
	v.SetDefault("grading.concurrency", 5)
	v.SetDefault("grading.max_attempts", 3)
	v.SetDefault("grading.max_corrections", 2)
	v.SetDefault("grading.request_timeout_ms", 60000)
	v.SetDefault("grading.requests_per_sec", 10.0)
	v.SetDefault("grading.burst", 5)
	v.SetDefault("grading.abort_threshold", 0)
	v.SetDefault("grading.initial_backoff_ms", 500)
	v.SetDefault("grading.max_backoff_ms", 8000)
	v.SetDefault("grading.sink_write_retry", 3)

	ttl, err := time.ParseDuration(v.GetString("progress.cache_ttl"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid progress cache ttl: %w", err)
	}

	cfg := Config{
		AppName:          v.GetString("app.name"),
		AppEnv:           v.GetString("app.env"),
		AppPort:          v.GetString("app.port"),
		DatabaseURL:      v.GetString("database.url"),
		RedisURL:         v.GetString("redis.url"),
		NATSURL:          v.GetString("nats.url"),
		JWTSecret:        v.GetString("jwt.secret"),
		AIProvider:       strings.ToLower(v.GetString("ai.provider")),
		OpenAIAPIKey:     v.GetString("openai_api_key"),
		OpenAIModel:      v.GetString("openai.model"),
		AnthropicAPIKey:  v.GetString("anthropic_api_key"),
		AnthropicModel:   v.GetString("anthropic.model"),
		ProgressCacheTTL: ttl,

		GradingConcurrency:    v.GetInt("grading.concurrency"),
		GradingMaxAttempts:    v.GetInt("grading.max_attempts"),
		GradingMaxCorrections: v.GetInt("grading.max_corrections"),
		GradingRequestTimeout: time.Duration(v.GetInt("grading.request_timeout_ms")) * time.Millisecond,
		GradingRequestsPerSec: v.GetFloat64("grading.requests_per_sec"),
		GradingBurst:          v.GetInt("grading.burst"),
		GradingAbortThreshold: v.GetInt("grading.abort_threshold"),
		GradingInitialBackoff: time.Duration(v.GetInt("grading.initial_backoff_ms")) * time.Millisecond,
		GradingMaxBackoff:     time.Duration(v.GetInt("grading.max_backoff_ms")) * time.Millisecond,
		GradingSinkWriteRetry: v.GetInt("grading.sink_write_retry"),
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	if cfg.GradingConcurrency <= 0 {
		cfg.GradingConcurrency = 5
	}

	if cfg.GradingRequestTimeout <= 0 {
		cfg.GradingRequestTimeout = 60 * time.Second
	}

	return cfg, nil
}

// GradingOptions maps the configured defaults onto a grading policy value.
func (c Config) GradingOptions() grading.Options {
	return grading.Options{
		Concurrency:                   c.GradingConcurrency,
		MaxProviderAttempts:           c.GradingMaxAttempts,
		MaxGradeAttempts:              c.GradingMaxCorrections,
		RequestTimeout:                c.GradingRequestTimeout,
		RequestsPerSecond:             c.GradingRequestsPerSec,
		Burst:                         c.GradingBurst,
		AbortAfterConsecutiveFailures: c.GradingAbortThreshold,
		InitialBackoff:                c.GradingInitialBackoff,
		MaxBackoff:                    c.GradingMaxBackoff,
		SinkWriteAttempts:             c.GradingSinkWriteRetry,
	}
}
