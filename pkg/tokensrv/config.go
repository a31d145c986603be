package tokensrv

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds token service settings, loaded from the environment.
type Config struct {
	Addr string

	// RoomServerURL is handed to clients alongside the token so they need
	// no separate room server configuration.
	RoomServerURL string

	// APIKey/APISecret sign access tokens. Both are required.
	APIKey    string
	APISecret string

	TokenTTL time.Duration

	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration
}

// LoadFromEnv builds a Config from VAI_* environment variables.
func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("VAI_TOKEN_ADDR", ":8790"),
		RoomServerURL:       strings.TrimSpace(os.Getenv("VAI_ROOM_SERVER_URL")),
		APIKey:              strings.TrimSpace(os.Getenv("VAI_API_KEY")),
		APISecret:           strings.TrimSpace(os.Getenv("VAI_API_SECRET")),
		TokenTTL:            time.Hour,
		ReadHeaderTimeout:   10 * time.Second,
		ReadTimeout:         30 * time.Second,
		ShutdownGracePeriod: 10 * time.Second,
	}

	if raw := strings.TrimSpace(os.Getenv("VAI_TOKEN_TTL")); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse VAI_TOKEN_TTL: %w", err)
		}
		if ttl <= 0 {
			return Config{}, fmt.Errorf("VAI_TOKEN_TTL must be positive")
		}
		cfg.TokenTTL = ttl
	}

	if cfg.APIKey == "" || cfg.APISecret == "" {
		return Config{}, fmt.Errorf("VAI_API_KEY and VAI_API_SECRET are required")
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
