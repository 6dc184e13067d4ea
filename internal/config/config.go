package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr string

	// Upstream chat-completion API
	AIProvider     string
	OpenAIBaseURL  string
	OpenAIAPIKey   string
	OpenAIModel    string
	OllamaBaseURL  string
	OllamaModel    string
	GenTemperature float64
	GenMaxTokens   int
	GenTimeout     time.Duration

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Redis counter store; empty addr selects the in-process limiter
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Usage events; empty URL disables publishing
	RabbitURL   string
	RabbitQueue string

	LogLevel  string
	LogFormat string
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

func Load() Config {
	return Config{
		Addr: getenv("ADDR", ":8080"),

		AIProvider:     getenv("AI_PROVIDER", "openai"),
		OpenAIBaseURL:  getenv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIAPIKey:   os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:    getenv("OPENAI_MODEL", "gpt-3.5-turbo"),
		OllamaBaseURL:  getenv("OLLAMA_BASE_URL", "http://localhost:11434"),
		OllamaModel:    getenv("OLLAMA_MODEL", "llama3:latest"),
		GenTemperature: getenvFloat("GEN_TEMPERATURE", 0.7),
		GenMaxTokens:   getenvInt("GEN_MAX_TOKENS", 1000),
		GenTimeout:     getenvDuration("GEN_TIMEOUT", 60*time.Second),

		RateLimitRequests: getenvInt("RATE_LIMIT_REQUESTS", 10),
		RateLimitWindow:   getenvDuration("RATE_LIMIT_WINDOW", 10*time.Second),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getenvInt("REDIS_DB", 0),

		RabbitURL:   os.Getenv("RABBIT_URL"),
		RabbitQueue: getenv("RABBIT_QUEUE", "generation_events"),

		LogLevel:  getenv("LOG_LEVEL", "info"),
		LogFormat: getenv("LOG_FORMAT", "text"),
	}
}
