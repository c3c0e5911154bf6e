package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	for _, key := range []string{
		"PORT", "SERVER_PORT", "REDIS_URL", "TRANSACTION_REDIS_URL", "CHALLENGE_STORE",
		"OTP_TTL_MINUTES", "OTP_MAX_ATTEMPTS", "SCORER_TIMEOUT_SECONDS", "GEOLOCATION_TIMEOUT_SECONDS",
		"FEATURE_TIMEZONE", "EVENTS_EXCHANGE",
	} {
		unsetEnvWithCleanup(t, key)
	}

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.ServerPort)
	}
	if cfg.OTPTTL() != 10*time.Minute {
		t.Fatalf("expected 10 minute OTP window, got %s", cfg.OTPTTL())
	}
	if cfg.OTPMaxAttempts != 5 {
		t.Fatalf("expected 5 OTP attempts, got %d", cfg.OTPMaxAttempts)
	}
	if cfg.GeolocationTimeout() != 5*time.Second {
		t.Fatalf("expected 5s geolocation timeout, got %s", cfg.GeolocationTimeout())
	}
	if cfg.ScorerTimeout() != 10*time.Second {
		t.Fatalf("expected 10s scorer timeout, got %s", cfg.ScorerTimeout())
	}
	if cfg.ChallengeStore != ChallengeStoreMemory {
		t.Fatalf("expected memory challenge store without REDIS_URL, got %q", cfg.ChallengeStore)
	}
	if cfg.EventsExchange != "transfa.events" {
		t.Fatalf("expected default exchange, got %q", cfg.EventsExchange)
	}
	if cfg.FeatureTimezone != "Asia/Kolkata" {
		t.Fatalf("expected IST feature timezone, got %q", cfg.FeatureTimezone)
	}
}

func TestLoadConfig_PortOverridesServerPort(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVER_PORT", "9000")
	setEnvWithCleanup(t, "PORT", "7000")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "7000" {
		t.Fatalf("expected PORT to win, got %q", cfg.ServerPort)
	}
}

func TestLoadConfig_RedisURLSelectsRedisChallengeStore(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "CHALLENGE_STORE")
	setEnvWithCleanup(t, "REDIS_URL", " redis://localhost:6379/0 ")
	setEnvWithCleanup(t, "REDIS_KEY_PREFIX", "cs:")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ChallengeStore != ChallengeStoreRedis {
		t.Fatalf("expected redis challenge store, got %q", cfg.ChallengeStore)
	}
	if cfg.RedisURL != "redis://localhost:6379/0" {
		t.Fatalf("expected trimmed redis url, got %q", cfg.RedisURL)
	}
	if cfg.RedisKeyPrefix != "cs" {
		t.Fatalf("expected trailing colon stripped from prefix, got %q", cfg.RedisKeyPrefix)
	}
}

func TestLoadConfig_RedisStoreWithoutURLFallsBackToMemory(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "REDIS_URL")
	unsetEnvWithCleanup(t, "TRANSACTION_REDIS_URL")
	setEnvWithCleanup(t, "CHALLENGE_STORE", "redis")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ChallengeStore != ChallengeStoreMemory {
		t.Fatalf("expected memory fallback, got %q", cfg.ChallengeStore)
	}
}

func TestLoadConfig_NonPositiveValuesAreCoerced(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "OTP_MAX_ATTEMPTS", "0")
	setEnvWithCleanup(t, "SCORER_TIMEOUT_SECONDS", "-3")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.OTPMaxAttempts != 5 {
		t.Fatalf("expected OTP attempts coerced to 5, got %d", cfg.OTPMaxAttempts)
	}
	if cfg.ScorerTimeoutSeconds != 10 {
		t.Fatalf("expected scorer timeout coerced to 10, got %d", cfg.ScorerTimeoutSeconds)
	}
}

func TestConfig_AllowedOriginsAndLocation(t *testing.T) {
	cfg := Config{CORSAllowedOrigins: " https://a.example , ,https://b.example", FeatureTimezone: "Not/AZone"}
	origins := cfg.AllowedOrigins()
	if len(origins) != 2 || origins[0] != "https://a.example" || origins[1] != "https://b.example" {
		t.Fatalf("unexpected origins: %v", origins)
	}
	if cfg.Location() != time.UTC {
		t.Fatalf("expected UTC fallback for unknown timezone")
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}
