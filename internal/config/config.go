package config

import (
	"os"
	"strconv"
)

// Config holds client defaults loaded from environment variables.
type Config struct {
	ServerURL string
	UserID    string
	DBPath    string
	PageSize  int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	return Config{
		ServerURL: envOrDefault("CHATKIT_SERVER", "http://localhost:8080"),
		UserID:    envOrDefault("CHATKIT_USER", "guest"),
		DBPath:    envOrDefault("CHATKIT_DB", "chatkit.db"),
		PageSize:  envOrDefaultInt("CHATKIT_PAGE_SIZE", 10),
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
