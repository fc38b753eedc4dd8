package config

import (
	"os"
	"strconv"
	"time"
)

// DefaultVersionURL is probed at connect time for the current WhatsApp web
// version. Probe failures fall back to the version bundled with whatsmeow.
const DefaultVersionURL = "https://wppconnect.io/whatsapp-versions/"

type Config struct {
	Port               string
	DBConnectionString string
	SessionDir         string
	VersionURL         string
	WebhookTimeout     time.Duration
	ReconnectBackoff   time.Duration
	LogLevel           string
}

func Load() *Config {
	return &Config{
		Port:               getEnv("PORT", "2121"),
		DBConnectionString: getEnv("APP_DATABASE_URL", ""),
		SessionDir:         getEnv("SESSION_DIR", "./data/sessions"),
		VersionURL:         getEnv("WA_VERSION_URL", DefaultVersionURL),
		WebhookTimeout:     time.Duration(GetEnvAsInt("WEBHOOK_TIMEOUT_SECONDS", 5)) * time.Second,
		ReconnectBackoff:   time.Duration(GetEnvAsInt("RECONNECT_BACKOFF_MS", 0)) * time.Millisecond,
		LogLevel:           getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func GetEnvAsInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}
