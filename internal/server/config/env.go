package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
)

// parseEnv overlays configuration from environment variables, loading a
// local .env file first if one exists (missing .env is not an error).
//
// Recognized variables: ADDRESS, DATABASE_DSN, SECRET_KEY,
// CHANGE_LOG_RETENTION, PURGE_INTERVAL (durations in time.ParseDuration
// syntax; invalid values are ignored).
func parseEnv(config *Config) {
	_ = godotenv.Load()

	if v := os.Getenv("ADDRESS"); v != "" {
		config.EndpointAddr = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		config.DatabaseDSN = v
	}
	if v := os.Getenv("SECRET_KEY"); v != "" {
		config.SecretKey = v
	}
	if v := os.Getenv("CHANGE_LOG_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ChangeLogRetention = d
		}
	}
	if v := os.Getenv("PURGE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.PurgeInterval = d
		}
	}
}
