package config

import (
	"os"
	"testing"
	"time"
)

var configKeys = []string{
	"STAYSYNC_LISTEN_ADDR",
	"STAYSYNC_PG_DSN",
	"STAYSYNC_PROVIDER_BASE_URL",
	"STAYSYNC_PROVIDER_TOKEN_URL",
	"STAYSYNC_PROVIDER_CLIENT_ID",
	"STAYSYNC_PROVIDER_CLIENT_SECRET",
	"STAYSYNC_PROVIDER_TIMEOUT_SEC",
	"STAYSYNC_PROVIDER_RATE_PER_SEC",
	"STAYSYNC_SYNC_SECRET",
	"STAYSYNC_TOKEN_SAFETY_MARGIN_SEC",
	"STAYSYNC_CALENDAR_HORIZON_DAYS",
	"STAYSYNC_RATE_BURST",
	"STAYSYNC_RATE_PER_SEC",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range configKeys {
		t.Setenv(key, "") // registers restore on cleanup
		os.Unsetenv(key)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("unexpected listen addr %q", cfg.ListenAddr)
	}
	if cfg.PostgresDSN != "" {
		t.Fatalf("expected empty DSN, got %q", cfg.PostgresDSN)
	}
	if cfg.ProviderTimeout != 20*time.Second {
		t.Fatalf("unexpected provider timeout %v", cfg.ProviderTimeout)
	}
	if cfg.TokenSafetyMargin != 60*time.Second {
		t.Fatalf("unexpected safety margin %v", cfg.TokenSafetyMargin)
	}
	if cfg.CalendarHorizon != 365*24*time.Hour {
		t.Fatalf("unexpected calendar horizon %v", cfg.CalendarHorizon)
	}
	if cfg.RateBurst != 20 || cfg.RatePerSec != 10 {
		t.Fatalf("unexpected rate limits %d/%d", cfg.RateBurst, cfg.RatePerSec)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("STAYSYNC_LISTEN_ADDR", ":9090")
	t.Setenv("STAYSYNC_PG_DSN", "postgres://local/staysync")
	t.Setenv("STAYSYNC_SYNC_SECRET", "s3cret")
	t.Setenv("STAYSYNC_TOKEN_SAFETY_MARGIN_SEC", "120")
	t.Setenv("STAYSYNC_CALENDAR_HORIZON_DAYS", "30")

	cfg := Load()
	if cfg.ListenAddr != ":9090" {
		t.Fatalf("unexpected listen addr %q", cfg.ListenAddr)
	}
	if cfg.PostgresDSN != "postgres://local/staysync" {
		t.Fatalf("unexpected DSN %q", cfg.PostgresDSN)
	}
	if cfg.SyncSharedSecret != "s3cret" {
		t.Fatalf("unexpected sync secret %q", cfg.SyncSharedSecret)
	}
	if cfg.TokenSafetyMargin != 2*time.Minute {
		t.Fatalf("unexpected safety margin %v", cfg.TokenSafetyMargin)
	}
	if cfg.CalendarHorizon != 30*24*time.Hour {
		t.Fatalf("unexpected calendar horizon %v", cfg.CalendarHorizon)
	}
}

func TestLoadIgnoresMalformedInt(t *testing.T) {
	clearEnv(t)
	t.Setenv("STAYSYNC_RATE_BURST", "not-a-number")

	cfg := Load()
	if cfg.RateBurst != 20 {
		t.Fatalf("malformed value did not fall back: %d", cfg.RateBurst)
	}
}
