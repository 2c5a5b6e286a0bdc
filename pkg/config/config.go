package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration
type Config struct {
	Server       ServerConfig       `json:"server"`
	Breaker      BreakerConfig      `json:"breaker"`
	Quota        QuotaConfig        `json:"quota"`
	Irregularity IrregularityConfig `json:"irregularity"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Logging      LoggingConfig      `json:"logging"`
	Metrics      MetricsConfig      `json:"metrics"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// BreakerConfig contains circuit breaker tuning
type BreakerConfig struct {
	FailureThreshold         int           `json:"failure_threshold"`
	BaseCooldown             time.Duration `json:"base_cooldown"`
	MaxCooldown              time.Duration `json:"max_cooldown"`
	BackoffMultiplier        float64       `json:"backoff_multiplier"`
	RateLimitCooldown        time.Duration `json:"rate_limit_cooldown"`
	MaxRateLimitCooldown     time.Duration `json:"max_rate_limit_cooldown"`
	HalfOpenMaxTrials        int           `json:"half_open_max_trials"`
	HalfOpenSuccessThreshold int           `json:"half_open_success_threshold"`
}

// QuotaConfig contains monthly provider quota configuration
type QuotaConfig struct {
	Providers  []string `json:"providers"`
	MonthlyMax int      `json:"monthly_max"`
}

// IrregularityConfig contains the optional-signal damping rules
type IrregularityConfig struct {
	PerCallDeltaCap  float64  `json:"per_call_delta_cap"`
	Ceiling          float64  `json:"ceiling"`
	MaxEvents        int      `json:"max_events"`
	OptionalPrefixes []string `json:"optional_prefixes"`
}

// OrchestratorConfig contains mode derivation inputs
type OrchestratorConfig struct {
	ChatKey                string   `json:"chat_key"`
	HardAuxKeys            []string `json:"hard_aux_keys"`
	OptionalAuxKeys        []string `json:"optional_aux_keys"`
	WebCapability          string   `json:"web_capability"`
	WebMemberKeys          []string `json:"web_member_keys"`
	WebCombinedKey         string   `json:"web_combined_key"`
	StrikeThreshold        float64  `json:"strike_threshold"`
	CompressionThreshold   float64  `json:"compression_threshold"`
	SilentFailureThreshold float64  `json:"silent_failure_threshold"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	Namespace string `json:"namespace"`
	Enabled   bool   `json:"enabled"`
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	// Best-effort load of a local .env file
	_ = godotenv.Load()

	config := &Config{
		Server: ServerConfig{
			Host:         getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Breaker: BreakerConfig{
			FailureThreshold:         getEnvInt("BREAKER_FAILURE_THRESHOLD", 3),
			BaseCooldown:             getEnvDuration("BREAKER_BASE_COOLDOWN", 30*time.Second),
			MaxCooldown:              getEnvDuration("BREAKER_MAX_COOLDOWN", 10*time.Minute),
			BackoffMultiplier:        getEnvFloat("BREAKER_BACKOFF_MULTIPLIER", 2.0),
			RateLimitCooldown:        getEnvDuration("BREAKER_RATE_LIMIT_COOLDOWN", 60*time.Second),
			MaxRateLimitCooldown:     getEnvDuration("BREAKER_MAX_RATE_LIMIT_COOLDOWN", 15*time.Minute),
			HalfOpenMaxTrials:        getEnvInt("BREAKER_HALF_OPEN_MAX_TRIALS", 1),
			HalfOpenSuccessThreshold: getEnvInt("BREAKER_HALF_OPEN_SUCCESS_THRESHOLD", 1),
		},
		Quota: QuotaConfig{
			Providers:  getEnvStringSlice("QUOTA_PROVIDERS", []string{"websearch:brave", "websearch:naver"}),
			MonthlyMax: getEnvInt("QUOTA_MONTHLY_MAX", 2000),
		},
		Irregularity: IrregularityConfig{
			PerCallDeltaCap: getEnvFloat("IRREGULARITY_PER_CALL_CAP", 0.2),
			Ceiling:         getEnvFloat("IRREGULARITY_CEILING", 0.5),
			MaxEvents:       getEnvInt("IRREGULARITY_MAX_EVENTS", 4),
			OptionalPrefixes: getEnvStringSlice("IRREGULARITY_OPTIONAL_PREFIXES",
				[]string{"keyword_", "disambiguation_", "query_transformer_"}),
		},
		Orchestrator: OrchestratorConfig{
			ChatKey: getEnvString("ORCH_CHAT_KEY", "chat:draft"),
			HardAuxKeys: getEnvStringSlice("ORCH_HARD_AUX_KEYS",
				[]string{"keyword-selection:select", "fast-llm:complete"}),
			OptionalAuxKeys: getEnvStringSlice("ORCH_OPTIONAL_AUX_KEYS",
				[]string{"query-transformer:run-llm", "disambiguation:clarify"}),
			WebCapability:          getEnvString("ORCH_WEB_CAPABILITY", "websearch"),
			WebMemberKeys:          getEnvStringSlice("ORCH_WEB_MEMBER_KEYS", []string{"websearch:brave", "websearch:naver"}),
			WebCombinedKey:         getEnvString("ORCH_WEB_COMBINED_KEY", "websearch:hybrid"),
			StrikeThreshold:        getEnvFloat("ORCH_STRIKE_THRESHOLD", 0.60),
			CompressionThreshold:   getEnvFloat("ORCH_COMPRESSION_THRESHOLD", 0.35),
			SilentFailureThreshold: getEnvFloat("ORCH_SILENT_FAILURE_THRESHOLD", 0.25),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
		Metrics: MetricsConfig{
			Namespace: getEnvString("METRICS_NAMESPACE", "pipelineguard"),
			Enabled:   getEnvBool("METRICS_ENABLED", true),
		},
	}

	// Validate required configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker failure threshold must be at least 1")
	}

	if c.Breaker.BackoffMultiplier < 1.0 {
		return fmt.Errorf("breaker backoff multiplier must be at least 1.0")
	}

	if c.Breaker.MaxCooldown < c.Breaker.BaseCooldown {
		return fmt.Errorf("breaker max cooldown must not be shorter than base cooldown")
	}

	for _, v := range []struct {
		name  string
		value float64
	}{
		{"strike threshold", c.Orchestrator.StrikeThreshold},
		{"compression threshold", c.Orchestrator.CompressionThreshold},
		{"silent failure threshold", c.Orchestrator.SilentFailureThreshold},
		{"irregularity per-call cap", c.Irregularity.PerCallDeltaCap},
		{"irregularity ceiling", c.Irregularity.Ceiling},
	} {
		if v.value < 0 || v.value > 1 {
			return fmt.Errorf("%s must be within [0, 1]", v.name)
		}
	}

	if c.Orchestrator.CompressionThreshold > c.Orchestrator.StrikeThreshold {
		return fmt.Errorf("compression threshold must not exceed strike threshold")
	}

	if c.Quota.MonthlyMax < 0 {
		return fmt.Errorf("monthly quota must not be negative")
	}

	return nil
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
