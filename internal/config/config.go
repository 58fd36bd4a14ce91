// Package config provides configuration for the API server. Values come
// from an optional YAML file named by CONFIG_FILE, then from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Executor lock backends.
const (
	LockLocal = "local"
	LockRedis = "redis"
)

// Transcript backends.
const (
	TranscriptNATS   = "nats"
	TranscriptMemory = "memory"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string        `yaml:"port"`
	ServerReadTimeout  time.Duration `yaml:"read_timeout"`
	ServerWriteTimeout time.Duration `yaml:"write_timeout"`
	AllowedOrigins     []string      `yaml:"allowed_origins"`

	// Storage
	SQLitePath        string `yaml:"sqlite_path"`
	DocumentCacheSize int    `yaml:"document_cache_size"`
	Transcript        string `yaml:"transcript"`

	// Executor locking
	ExecutorLock string        `yaml:"executor_lock"`
	RedisURL     string        `yaml:"redis_url"`
	LockExpiry   time.Duration `yaml:"lock_expiry"`

	// Persistence retries
	PersistQueueSize       int           `yaml:"persist_queue_size"`
	PersistInitialInterval time.Duration `yaml:"persist_initial_interval"`
	PersistMaxInterval     time.Duration `yaml:"persist_max_interval"`
	PersistMaxElapsed      time.Duration `yaml:"persist_max_elapsed"`
	PersistSyncTimeout     time.Duration `yaml:"persist_sync_timeout"`

	// Sessions
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`

	// NATS settings
	NATSURL          string        `yaml:"nats_url"`
	NATSCAFile       string        `yaml:"nats_ca_file"`
	NATSCertFile     string        `yaml:"nats_cert_file"`
	NATSKeyFile      string        `yaml:"nats_key_file"`
	NATSToken        string        `yaml:"nats_token"`
	NATSStreamMaxAge time.Duration `yaml:"nats_stream_max_age"`
	NATSReplicas     int           `yaml:"nats_replicas"`

	// JWT settings
	JWTSecret     string        `yaml:"jwt_secret"`
	JWTExpiration time.Duration `yaml:"jwt_expiration"`
	DecideScope   string        `yaml:"decide_scope"`

	// LLM settings
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	DefaultLLM      string `yaml:"default_llm"`
	LLMModel        string `yaml:"llm_model"`
	LLMMaxTokens    int    `yaml:"llm_max_tokens"`

	// Rate limiting
	RateLimitRequests int           `yaml:"rate_limit_requests"`
	RateLimitWindow   time.Duration `yaml:"rate_limit_window"`
	TurnLimitRequests int           `yaml:"turn_limit_requests"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Tracing
	TracingEndpoint string `yaml:"tracing_endpoint"`
	TracingEnabled  bool   `yaml:"tracing_enabled"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		ServerPort:         "8080",
		ServerReadTimeout:  30 * time.Second,
		ServerWriteTimeout: 0, // turns stream for as long as the model talks

		SQLitePath:        "data/decks.db",
		DocumentCacheSize: 256,
		Transcript:        TranscriptNATS,

		ExecutorLock: LockLocal,
		LockExpiry:   10 * time.Second,

		PersistQueueSize:       256,
		PersistInitialInterval: 100 * time.Millisecond,
		PersistMaxInterval:     5 * time.Second,
		PersistMaxElapsed:      2 * time.Minute,
		PersistSyncTimeout:     3 * time.Second,

		SessionIdleTimeout: 30 * time.Minute,

		NATSURL:          "nats://localhost:4222",
		NATSStreamMaxAge: 30 * 24 * time.Hour,
		NATSReplicas:     1,

		JWTSecret:     "development-secret-change-in-production",
		JWTExpiration: 15 * time.Minute,

		DefaultLLM:   "anthropic",
		LLMMaxTokens: 4096,

		RateLimitRequests: 60,
		RateLimitWindow:   time.Minute,
		TurnLimitRequests: 20,

		LogLevel:  "info",
		LogFormat: "json",

		TracingEndpoint: "localhost:4318",
	}
}

// Load reads the optional CONFIG_FILE and then environment variables.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}
	cfg.overlayEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) overlayEnv() {
	// Server
	c.ServerPort = getEnv("PORT", c.ServerPort)
	c.ServerReadTimeout = getDurationEnv("SERVER_READ_TIMEOUT", c.ServerReadTimeout)
	c.ServerWriteTimeout = getDurationEnv("SERVER_WRITE_TIMEOUT", c.ServerWriteTimeout)
	c.AllowedOrigins = getListEnv("ALLOWED_ORIGINS", c.AllowedOrigins)

	// Storage
	c.SQLitePath = getEnv("SQLITE_PATH", c.SQLitePath)
	c.DocumentCacheSize = getIntEnv("DOCUMENT_CACHE_SIZE", c.DocumentCacheSize)
	c.Transcript = getEnv("TRANSCRIPT_BACKEND", c.Transcript)

	// Executor
	c.ExecutorLock = getEnv("EXECUTOR_LOCK", c.ExecutorLock)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.LockExpiry = getDurationEnv("LOCK_EXPIRY", c.LockExpiry)

	// Persistence
	c.PersistQueueSize = getIntEnv("PERSIST_QUEUE_SIZE", c.PersistQueueSize)
	c.PersistInitialInterval = getDurationEnv("PERSIST_INITIAL_INTERVAL", c.PersistInitialInterval)
	c.PersistMaxInterval = getDurationEnv("PERSIST_MAX_INTERVAL", c.PersistMaxInterval)
	c.PersistMaxElapsed = getDurationEnv("PERSIST_MAX_ELAPSED", c.PersistMaxElapsed)
	c.PersistSyncTimeout = getDurationEnv("PERSIST_SYNC_TIMEOUT", c.PersistSyncTimeout)

	// Sessions
	c.SessionIdleTimeout = getDurationEnv("SESSION_IDLE_TIMEOUT", c.SessionIdleTimeout)

	// NATS
	c.NATSURL = getEnv("NATS_URL", c.NATSURL)
	c.NATSCAFile = getEnv("NATS_CA_FILE", c.NATSCAFile)
	c.NATSCertFile = getEnv("NATS_CERT_FILE", c.NATSCertFile)
	c.NATSKeyFile = getEnv("NATS_KEY_FILE", c.NATSKeyFile)
	c.NATSToken = getEnv("NATS_TOKEN", c.NATSToken)
	c.NATSStreamMaxAge = getDurationEnv("NATS_STREAM_MAX_AGE", c.NATSStreamMaxAge)
	c.NATSReplicas = getIntEnv("NATS_REPLICAS", c.NATSReplicas)

	// JWT
	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	c.JWTExpiration = getDurationEnv("JWT_EXPIRATION", c.JWTExpiration)
	c.DecideScope = getEnv("DECIDE_SCOPE", c.DecideScope)

	// LLM
	c.AnthropicAPIKey = getEnv("ANTHROPIC_API_KEY", c.AnthropicAPIKey)
	c.OpenAIAPIKey = getEnv("OPENAI_API_KEY", c.OpenAIAPIKey)
	c.DefaultLLM = getEnv("DEFAULT_LLM", c.DefaultLLM)
	c.LLMModel = getEnv("LLM_MODEL", c.LLMModel)
	c.LLMMaxTokens = getIntEnv("LLM_MAX_TOKENS", c.LLMMaxTokens)

	// Rate limiting
	c.RateLimitRequests = getIntEnv("RATE_LIMIT_REQUESTS", c.RateLimitRequests)
	c.RateLimitWindow = getDurationEnv("RATE_LIMIT_WINDOW", c.RateLimitWindow)
	c.TurnLimitRequests = getIntEnv("TURN_LIMIT_REQUESTS", c.TurnLimitRequests)

	// Logging
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)

	// Tracing
	c.TracingEndpoint = getEnv("TRACING_ENDPOINT", c.TracingEndpoint)
	c.TracingEnabled = getBoolEnv("TRACING_ENABLED", c.TracingEnabled)
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	var errs []error
	switch c.ExecutorLock {
	case LockLocal:
	case LockRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required when EXECUTOR_LOCK=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("EXECUTOR_LOCK must be %q or %q, got %q", LockLocal, LockRedis, c.ExecutorLock))
	}
	switch c.Transcript {
	case TranscriptNATS, TranscriptMemory:
	default:
		errs = append(errs, fmt.Errorf("TRANSCRIPT_BACKEND must be %q or %q, got %q", TranscriptNATS, TranscriptMemory, c.Transcript))
	}
	if c.SQLitePath == "" {
		errs = append(errs, errors.New("SQLITE_PATH cannot be empty"))
	}
	if c.DocumentCacheSize < 0 {
		errs = append(errs, errors.New("DOCUMENT_CACHE_SIZE cannot be negative"))
	}
	return errors.Join(errs...)
}

// LLMAPIKey returns the key of the configured provider.
func (c *Config) LLMAPIKey() string {
	if c.DefaultLLM == "openai" {
		return c.OpenAIAPIKey
	}
	return c.AnthropicAPIKey
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
