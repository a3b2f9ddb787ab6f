package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries everything the API process needs from the environment.
type Config struct {
	ListenAddr  string
	PostgresDSN string

	// Channel-manager provider endpoints and client credentials.
	ProviderBaseURL      string
	ProviderTokenURL     string
	ProviderClientID     string
	ProviderClientSecret string
	ProviderTimeout      time.Duration
	ProviderRatePerSec   int

	// Shared secret accepted by the sync trigger and internal token endpoints.
	SyncSharedSecret string

	// Safety margin applied before a cached access token's expiry.
	TokenSafetyMargin time.Duration

	// How far ahead calendar syncs pull availability.
	CalendarHorizon time.Duration

	RateBurst  int
	RatePerSec int
}

// Load reads configuration from the environment. A .env file is honored when
// present so local runs do not need exported variables.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		ListenAddr:  getEnv("STAYSYNC_LISTEN_ADDR", ":8080"),
		PostgresDSN: getEnv("STAYSYNC_PG_DSN", ""),

		ProviderBaseURL:      getEnv("STAYSYNC_PROVIDER_BASE_URL", "https://api.channel-manager.example"),
		ProviderTokenURL:     getEnv("STAYSYNC_PROVIDER_TOKEN_URL", "https://auth.channel-manager.example/oauth/token"),
		ProviderClientID:     getEnv("STAYSYNC_PROVIDER_CLIENT_ID", ""),
		ProviderClientSecret: getEnv("STAYSYNC_PROVIDER_CLIENT_SECRET", ""),
		ProviderTimeout:      time.Duration(getEnvInt("STAYSYNC_PROVIDER_TIMEOUT_SEC", 20)) * time.Second,
		ProviderRatePerSec:   getEnvInt("STAYSYNC_PROVIDER_RATE_PER_SEC", 5),

		SyncSharedSecret: getEnv("STAYSYNC_SYNC_SECRET", ""),

		TokenSafetyMargin: time.Duration(getEnvInt("STAYSYNC_TOKEN_SAFETY_MARGIN_SEC", 60)) * time.Second,
		CalendarHorizon:   time.Duration(getEnvInt("STAYSYNC_CALENDAR_HORIZON_DAYS", 365)) * 24 * time.Hour,

		RateBurst:  getEnvInt("STAYSYNC_RATE_BURST", 20),
		RatePerSec: getEnvInt("STAYSYNC_RATE_PER_SEC", 10),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}
