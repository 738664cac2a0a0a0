// Package config loads server configuration from environment variables.
// Values are read once at startup and treated as immutable.
package config

import "os"

type Config struct {
	// Server
	Addr string

	// Database
	DBDriver string
	DBDSN    string

	// Cipher key: the base64 value takes precedence; otherwise the key file
	// is loaded, and created with a fresh key on first run.
	EncryptionKey string
	KeyFile       string

	// Cookie signing
	CookieSecret string
}

func Load() *Config {
	return &Config{
		Addr:          getEnv("RELAY_ADDR", ":8001"),
		DBDriver:      getEnv("RELAY_DB_DRIVER", "sqlite3"),
		DBDSN:         getEnv("RELAY_DB_DSN", "pigeon.db"),
		EncryptionKey: os.Getenv("RELAY_ENCRYPTION_KEY"),
		KeyFile:       getEnv("RELAY_KEY_FILE", "pigeon.key"),
		CookieSecret:  getEnv("RELAY_COOKIE_SECRET", "dev-only-cookie-secret"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
