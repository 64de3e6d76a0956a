package clinic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wolfman30/noshow-platform/pkg/logging"
)

// SettingsReader is the read side shared by the Postgres and in-memory settings stores.
type SettingsReader interface {
	Get(ctx context.Context, clinicID string) (Settings, error)
}

// CachedRules serves billing rules for the interactive status-change path from Redis,
// falling back to the settings store. Batch jobs read the store directly.
type CachedRules struct {
	store  SettingsReader
	redis  *redis.Client
	ttl    time.Duration
	logger *logging.Logger
}

// NewCachedRules creates a read-through cache. A nil redis client disables caching.
func NewCachedRules(store SettingsReader, redisClient *redis.Client, ttl time.Duration, logger *logging.Logger) *CachedRules {
	if logger == nil {
		logger = logging.Default()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedRules{store: store, redis: redisClient, ttl: ttl, logger: logger}
}

func (c *CachedRules) key(clinicID string) string {
	return fmt.Sprintf("clinic:settings:%s", clinicID)
}

// Get returns clinic settings, consulting Redis first.
func (c *CachedRules) Get(ctx context.Context, clinicID string) (Settings, error) {
	if c.redis != nil {
		data, err := c.redis.Get(ctx, c.key(clinicID)).Bytes()
		switch {
		case err == nil:
			var st Settings
			if jsonErr := json.Unmarshal(data, &st); jsonErr == nil {
				return st, nil
			}
			c.logger.Warn("clinic: discarding corrupt cached settings", "clinic_id", clinicID)
		case !errors.Is(err, redis.Nil):
			c.logger.Warn("clinic: settings cache read failed", "clinic_id", clinicID, "error", err)
		}
	}

	st, err := c.store.Get(ctx, clinicID)
	if err != nil {
		return Settings{}, err
	}
	c.put(ctx, st)
	return st, nil
}

// BillingRule returns the clinic's billing rule. A clinic without settings never bills.
func (c *CachedRules) BillingRule(ctx context.Context, clinicID string) (BillingRule, error) {
	return ruleFrom(c.Get(ctx, clinicID))
}

func (c *CachedRules) put(ctx context.Context, st Settings) {
	if c.redis == nil {
		return
	}
	data, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, c.key(st.ClinicID), data, c.ttl).Err(); err != nil {
		c.logger.Warn("clinic: settings cache write failed", "clinic_id", st.ClinicID, "error", err)
	}
}
