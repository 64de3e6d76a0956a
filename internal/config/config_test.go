package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "CRON_SECRET", "MAX_CHARGE_ATTEMPTS",
		"UNDO_NO_SHOW_WINDOW", "CHARGE_GATEWAY", "FAKE_CHARGE_MODE", "STALE_LOCK_AFTER",
		"CORS_ALLOWED_ORIGINS", "LATE_CANCEL_BATCH_SIZE", "CHARGE_QUEUE_BATCH_SIZE",
	} {
		t.Setenv(key, "")
	}
	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port, got %s", cfg.Port)
	}
	if cfg.Env != "development" {
		t.Fatalf("expected default env, got %s", cfg.Env)
	}
	if !cfg.UseMemoryStore() {
		t.Fatalf("expected memory store without DATABASE_URL")
	}
	if cfg.MaxChargeAttempts != 3 {
		t.Fatalf("expected 3 max attempts, got %d", cfg.MaxChargeAttempts)
	}
	if cfg.UndoNoShowWindow != 30*time.Minute {
		t.Fatalf("expected 30m undo window, got %s", cfg.UndoNoShowWindow)
	}
	if cfg.ChargeQueueBatchSize != 100 || cfg.LateCancelBatchSize != 200 {
		t.Fatalf("unexpected batch sizes %d/%d", cfg.ChargeQueueBatchSize, cfg.LateCancelBatchSize)
	}
	if cfg.ChargeGateway != "fake" || cfg.FakeChargeMode != "hex" {
		t.Fatalf("unexpected gateway defaults %s/%s", cfg.ChargeGateway, cfg.FakeChargeMode)
	}
	if cfg.StaleLockAfter != 30*time.Minute {
		t.Fatalf("expected 30m stale lock age, got %s", cfg.StaleLockAfter)
	}
	if cfg.CORSAllowedOrigins != nil {
		t.Fatalf("expected no cors origins, got %v", cfg.CORSAllowedOrigins)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "production")
	t.Setenv("DATABASE_URL", "postgres://user@host/db")
	t.Setenv("CRON_SECRET", "  s3cret ")
	t.Setenv("MAX_CHARGE_ATTEMPTS", "5")
	t.Setenv("UNDO_NO_SHOW_WINDOW", "45m")
	t.Setenv("CHARGE_GATEWAY", "Stripe")
	t.Setenv("FAKE_CHARGE_FAILURE_RATE", "0.5")
	t.Setenv("STALE_LOCK_AFTER", "0s")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, ,https://b.example")
	cfg := Load()
	if cfg.Port != "9090" {
		t.Fatalf("expected override port, got %s", cfg.Port)
	}
	if cfg.UseMemoryStore() {
		t.Fatalf("expected postgres store with DATABASE_URL set")
	}
	if cfg.CronSecret != "s3cret" {
		t.Fatalf("expected trimmed cron secret, got %q", cfg.CronSecret)
	}
	if cfg.MaxChargeAttempts != 5 {
		t.Fatalf("expected 5 attempts, got %d", cfg.MaxChargeAttempts)
	}
	if cfg.UndoNoShowWindow != 45*time.Minute {
		t.Fatalf("expected 45m window, got %s", cfg.UndoNoShowWindow)
	}
	if cfg.ChargeGateway != "stripe" {
		t.Fatalf("expected lower-cased gateway, got %s", cfg.ChargeGateway)
	}
	if cfg.FakeChargeFailureRate != 0.5 {
		t.Fatalf("expected failure rate override, got %v", cfg.FakeChargeFailureRate)
	}
	if cfg.StaleLockAfter != 0 {
		t.Fatalf("expected disabled stale sweep, got %s", cfg.StaleLockAfter)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected cors origins %v", cfg.CORSAllowedOrigins)
	}
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("MAX_CHARGE_ATTEMPTS", "three")
	t.Setenv("UNDO_NO_SHOW_WINDOW", "half an hour")
	cfg := Load()
	if cfg.MaxChargeAttempts != 3 {
		t.Fatalf("expected fallback attempts, got %d", cfg.MaxChargeAttempts)
	}
	if cfg.UndoNoShowWindow != 30*time.Minute {
		t.Fatalf("expected fallback window, got %s", cfg.UndoNoShowWindow)
	}
}

func TestAllowClinicHeaderOnlyInDevelopmentWithoutSecret(t *testing.T) {
	cases := []struct {
		env    string
		secret string
		want   bool
	}{
		{env: "development", want: true},
		{env: "Development", want: true},
		{env: "development", secret: "s", want: false},
		{env: "production", want: false},
	}
	for _, tc := range cases {
		cfg := &Config{Env: tc.env, ClinicJWTSecret: tc.secret}
		if got := cfg.AllowClinicHeader(); got != tc.want {
			t.Fatalf("env=%s secret=%q: expected %v, got %v", tc.env, tc.secret, tc.want, got)
		}
	}
}

func TestLoadRateLimitDefaults(t *testing.T) {
	t.Setenv("API_RATE_LIMIT", "")
	t.Setenv("API_RATE_BURST", "")
	cfg := Load()
	if cfg.APIRateLimit != 10 || cfg.APIRateBurst != 20 {
		t.Fatalf("unexpected rate limit defaults %v/%d", cfg.APIRateLimit, cfg.APIRateBurst)
	}
}
