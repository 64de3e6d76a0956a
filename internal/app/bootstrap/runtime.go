package bootstrap

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/noshow-platform/internal/appointments"
	"github.com/wolfman30/noshow-platform/internal/billing"
	"github.com/wolfman30/noshow-platform/internal/clinic"
	appconfig "github.com/wolfman30/noshow-platform/internal/config"
	"github.com/wolfman30/noshow-platform/internal/detection"
	"github.com/wolfman30/noshow-platform/internal/runlog"
	"github.com/wolfman30/noshow-platform/pkg/logging"
)

// DemoClinicID is seeded into the in-memory store so a local process has a tenant.
const DemoClinicID = "demo-clinic"

// AppointmentStore is the union of what the service, detectors and billing steps
// need from appointment storage.
type AppointmentStore interface {
	appointments.Repository
	detection.NoShowStore
	detection.LateCancelStore
	billing.QueueStore
	billing.AttemptStore
	billing.RetryStore
	billing.LockSweepStore
	billing.FeeLister
}

// ClinicStore lists tenants and reads their settings.
type ClinicStore interface {
	detection.Clinics
	billing.Clinics
}

// Stores bundles the storage backends of one process.
type Stores struct {
	Appointments AppointmentStore
	Clinics      ClinicStore
	// Rules serves the interactive path, cached when Redis is configured.
	Rules   appointments.RuleSource
	RunLog  *runlog.Recorder
	Health  func(ctx context.Context) error
	closers []func()
}

// Close releases pools and clients.
func (s *Stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// BuildStores connects Postgres (and Redis when configured). Without a
// DATABASE_URL it returns in-memory stores seeded with a demo clinic.
func BuildStores(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (*Stores, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	if cfg.UseMemoryStore() {
		logger.Warn("DATABASE_URL not set; using in-memory stores")
		clinics := clinic.NewMemoryStore()
		demo := clinic.DefaultSettings(DemoClinicID)
		demo.AutoChargeEnabled = true
		demo.NoShowFeeCents = 2500
		clinics.Put(demo)
		return &Stores{
			Appointments: appointments.NewMemoryStore(),
			Clinics:      clinics,
			Rules:        clinics,
		}, nil
	}

	pool, err := ConnectPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	stores := &Stores{closers: []func(){pool.Close}}

	sqlDB, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		stores.Close()
		return nil, fmt.Errorf("bootstrap: open run log db: %w", err)
	}
	sqlDB.SetMaxOpenConns(4)
	stores.closers = append(stores.closers, func() { _ = sqlDB.Close() })

	settings := clinic.NewSettingsStore(pool)
	stores.Appointments = appointments.NewPGStore(pool)
	stores.Clinics = settings
	stores.RunLog = runlog.NewRecorder(sqlDB)
	stores.Health = func(ctx context.Context) error { return pool.Ping(ctx) }

	redisClient := BuildRedisClient(ctx, cfg, logger, true)
	if redisClient != nil {
		stores.closers = append(stores.closers, func() { _ = redisClient.Close() })
		logger.Info("clinic settings cache enabled", "ttl", cfg.SettingsCacheTTL)
	}
	stores.Rules = clinic.NewCachedRules(settings, redisClient, cfg.SettingsCacheTTL, logger)
	return stores, nil
}

// ConnectPostgresPool opens and pings a pgx pool.
func ConnectPostgresPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("bootstrap: DATABASE_URL is empty")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: connect postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrap: ping postgres: %w", err)
	}
	return pool, nil
}

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "error", err)
		_ = client.Close()
		return nil
	}
	return client
}
