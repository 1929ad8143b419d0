// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/promptdev/internal/domain"
)

// DefaultPauseNotice is returned to end users while a conversation is halted.
const DefaultPauseNotice = "This conversation is paused. An operator will be with you shortly."

// Config holds all application configuration.
type Config struct {
	Port              string
	FrontendURL       string
	DBPath            string
	GRPCHealthAddr    string
	LogLevel          string
	ProfilePath       string
	HistoryLimit      int
	PauseNotice       string
	RequireGuardrails bool
	LLM               LLMConfig
	Sentiment         SentimentConfig
	Sessions          SessionConfig
	RateLimit         RateLimitConfig
	ConversationLog   ConversationLogConfig
}

// LLMConfig selects and tunes the generation backend.
type LLMConfig struct {
	Provider    string // openai, anthropic or ollama
	Model       string
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	MaxRetries  int
	MaxTokens   int
	Temperature float64
}

// SentimentConfig controls asynchronous affect analysis.
type SentimentConfig struct {
	Enabled         bool
	Model           string
	BaseURL         string
	APIKey          string
	Timeout         time.Duration
	Workers         int
	QueueSize       int
	Windows         []domain.WindowType
	ContextMessages int
}

// SessionConfig controls session defaults and the idle reaper.
type SessionConfig struct {
	SentimentDefault bool
	IdleTTL          time.Duration
	ReaperSchedule   string
}

// RateLimitConfig bounds chat requests per user.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	windows, err := parseWindows(getEnv("SENTIMENT_WINDOWS", "hourly,daily"))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	llmKey := getEnv("LLM_API_KEY", "")
	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		FrontendURL:       getEnv("FRONTEND_URL", ""),
		DBPath:            getEnv("DB_PATH", "./data/promptdev.db"),
		GRPCHealthAddr:    getEnv("GRPC_HEALTH_ADDR", ":9090"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		ProfilePath:       getEnv("PROFILE_PATH", ""),
		HistoryLimit:      getEnvInt("HISTORY_LIMIT", 10),
		PauseNotice:       getEnv("PAUSE_NOTICE", DefaultPauseNotice),
		RequireGuardrails: getEnvBool("REQUIRE_GUARDRAILS", false),
		LLM: LLMConfig{
			Provider:    strings.ToLower(getEnv("LLM_PROVIDER", "openai")),
			Model:       getEnv("LLM_MODEL", "gpt-4o-mini"),
			BaseURL:     getEnv("LLM_BASE_URL", ""),
			APIKey:      llmKey,
			Timeout:     getEnvDuration("LLM_TIMEOUT", 30*time.Second),
			MaxRetries:  getEnvInt("LLM_MAX_RETRIES", 2),
			MaxTokens:   getEnvInt("LLM_MAX_TOKENS", 512),
			Temperature: getEnvFloat("LLM_TEMPERATURE", 0.7),
		},
		Sentiment: SentimentConfig{
			Enabled:         getEnvBool("SENTIMENT_ENABLED", true),
			Model:           getEnv("SENTIMENT_MODEL", "gpt-4o-mini"),
			BaseURL:         getEnv("SENTIMENT_BASE_URL", getEnv("LLM_BASE_URL", "")),
			APIKey:          getEnv("SENTIMENT_API_KEY", llmKey),
			Timeout:         getEnvDuration("SENTIMENT_TIMEOUT", 30*time.Second),
			Workers:         getEnvInt("SENTIMENT_WORKERS", 2),
			QueueSize:       getEnvInt("SENTIMENT_QUEUE_SIZE", 256),
			Windows:         windows,
			ContextMessages: getEnvInt("SENTIMENT_CONTEXT_MESSAGES", 5),
		},
		Sessions: SessionConfig{
			SentimentDefault: getEnvBool("SESSION_SENTIMENT_DEFAULT", false),
			IdleTTL:          getEnvDuration("SESSION_IDLE_TTL", 0),
			ReaperSchedule:   getEnv("SESSION_REAPER_SCHEDULE", "@every 10m"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 30),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT must be > 0")
	}
	if strings.TrimSpace(c.PauseNotice) == "" {
		return fmt.Errorf("PAUSE_NOTICE cannot be empty")
	}
	switch c.LLM.Provider {
	case "openai", "anthropic", "ollama":
	default:
		return fmt.Errorf("LLM_PROVIDER must be one of openai, anthropic, ollama (got %q)", c.LLM.Provider)
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("LLM_TIMEOUT must be > 0")
	}
	if c.LLM.MaxTokens <= 0 {
		return fmt.Errorf("LLM_MAX_TOKENS must be > 0")
	}
	if c.Sentiment.Enabled {
		if c.Sentiment.Workers <= 0 {
			return fmt.Errorf("SENTIMENT_WORKERS must be > 0")
		}
		if c.Sentiment.QueueSize <= 0 {
			return fmt.Errorf("SENTIMENT_QUEUE_SIZE must be > 0")
		}
		if c.Sentiment.Timeout <= 0 {
			return fmt.Errorf("SENTIMENT_TIMEOUT must be > 0")
		}
	}
	if c.Sessions.IdleTTL < 0 {
		return fmt.Errorf("SESSION_IDLE_TTL cannot be negative")
	}
	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origin list.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
}

func parseWindows(raw string) ([]domain.WindowType, error) {
	var out []domain.WindowType
	for _, part := range strings.Split(raw, ",") {
		w := domain.WindowType(strings.ToLower(strings.TrimSpace(part)))
		switch w {
		case "":
			continue
		case domain.WindowHourly, domain.WindowDaily:
			out = append(out, w)
		case domain.WindowSession:
			// always computed
		default:
			return nil, fmt.Errorf("unknown sentiment window %q", part)
		}
	}
	return out, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
