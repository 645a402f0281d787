// Package config provides configuration for the chat server.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the server configuration.
type Config struct {
	// Server settings
	HTTPPort int

	// Database
	DatabaseURL string

	// Provider API keys
	GoogleAPIKey     string
	CohereAPIKey     string
	MistralAPIKey    string
	GroqAPIKey       string
	OpenRouterAPIKey string

	// Streaming settings
	StreamWorkers      int64 // max concurrent model invocations
	StreamReadyTimeout time.Duration
	LLMTimeout         time.Duration

	// WebSocket settings
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		HTTPPort:           getEnvInt("HTTP_PORT", 8000),
		DatabaseURL:        getEnv("DATABASE_URL", "file:maiservant.db?cache=shared&mode=rwc"),
		GoogleAPIKey:       getEnv("GOOGLE_API_KEY", ""),
		CohereAPIKey:       getEnv("CO_API_KEY", ""),
		MistralAPIKey:      getEnv("MISTRAL_API_KEY", ""),
		GroqAPIKey:         getEnv("GROQ_API_KEY", ""),
		OpenRouterAPIKey:   getEnv("OPENROUTER_API_KEY", ""),
		StreamWorkers:      int64(getEnvInt("STREAM_WORKERS", 32)),
		StreamReadyTimeout: time.Duration(getEnvInt("STREAM_READY_TIMEOUT_MS", 30000)) * time.Millisecond,
		LLMTimeout:         time.Duration(getEnvInt("LLM_TIMEOUT_MS", 300000)) * time.Millisecond,
		PingInterval:       time.Duration(getEnvInt("WS_PING_INTERVAL_MS", 30000)) * time.Millisecond,
		WriteTimeout:       time.Duration(getEnvInt("WS_WRITE_TIMEOUT_MS", 10000)) * time.Millisecond,
		ReadTimeout:        time.Duration(getEnvInt("WS_READ_TIMEOUT_MS", 60000)) * time.Millisecond,
		MaxMessageSize:     int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 65536)),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
