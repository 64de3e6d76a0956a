package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port               string
	Env                string
	LogLevel           string
	DatabaseURL        string
	RedisAddr          string
	RedisPassword      string
	RedisTLS           bool
	SettingsCacheTTL   time.Duration
	CronSecret         string
	ClinicJWTSecret    string
	CORSAllowedOrigins []string
	APIRateLimit       float64
	APIRateBurst       int

	// Appointment lifecycle
	UndoNoShowWindow time.Duration

	// Fee pipeline
	MaxChargeAttempts      int
	ChargeQueueBatchSize   int
	ChargeAttemptBatchSize int
	LateCancelBatchSize    int
	StaleLockAfter         time.Duration
	LocalCronInterval      time.Duration

	// Charge gateway
	ChargeGateway         string
	FakeChargeMode        string
	FakeChargeFailureRate float64
	StripeSecretKey       string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:               getEnv("PORT", "8080"),
		Env:                getEnv("ENV", "development"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RedisAddr:          getEnv("REDIS_ADDR", ""),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		RedisTLS:           getEnvAsBool("REDIS_TLS", false),
		SettingsCacheTTL:   getEnvAsDuration("SETTINGS_CACHE_TTL", 5*time.Minute),
		CronSecret:         strings.TrimSpace(getEnv("CRON_SECRET", "")),
		ClinicJWTSecret:    getEnv("CLINIC_JWT_SECRET", ""),
		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS"),
		APIRateLimit:       getEnvAsFloat("API_RATE_LIMIT", 10),
		APIRateBurst:       getEnvAsInt("API_RATE_BURST", 20),

		UndoNoShowWindow: getEnvAsDuration("UNDO_NO_SHOW_WINDOW", 30*time.Minute),

		MaxChargeAttempts:      getEnvAsInt("MAX_CHARGE_ATTEMPTS", 3),
		ChargeQueueBatchSize:   getEnvAsInt("CHARGE_QUEUE_BATCH_SIZE", 100),
		ChargeAttemptBatchSize: getEnvAsInt("CHARGE_ATTEMPT_BATCH_SIZE", 100),
		LateCancelBatchSize:    getEnvAsInt("LATE_CANCEL_BATCH_SIZE", 200),
		StaleLockAfter:         getEnvAsDuration("STALE_LOCK_AFTER", 30*time.Minute),
		LocalCronInterval:      getEnvAsDuration("LOCAL_CRON_INTERVAL", 0),

		ChargeGateway:         strings.ToLower(strings.TrimSpace(getEnv("CHARGE_GATEWAY", "fake"))),
		FakeChargeMode:        strings.ToLower(strings.TrimSpace(getEnv("FAKE_CHARGE_MODE", "hex"))),
		FakeChargeFailureRate: getEnvAsFloat("FAKE_CHARGE_FAILURE_RATE", 0.25),
		StripeSecretKey:       getEnv("STRIPE_SECRET_KEY", ""),
	}
}

// UseMemoryStore reports whether the process runs without Postgres (local development only).
func (c *Config) UseMemoryStore() bool {
	return strings.TrimSpace(c.DatabaseURL) == ""
}

// AllowClinicHeader reports whether the staff API may trust X-Clinic-Id. Only a
// development process without a token secret does.
func (c *Config) AllowClinicHeader() bool {
	return strings.EqualFold(c.Env, "development") && strings.TrimSpace(c.ClinicJWTSecret) == ""
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
