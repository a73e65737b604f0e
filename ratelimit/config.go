package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mmdatafocus/synchub_backend/config"
	"github.com/mmdatafocus/synchub_backend/models"
	"github.com/mmdatafocus/synchub_backend/utils"
)

// Provider defaults come from env; per-tenant overrides live on the provider
// connection row. Lookups are cached briefly so the hot path does not hit the
// database per provider call.
const connectionCacheTTL = time.Minute

type cachedConfig struct {
	cfg    BucketConfig
	loaded time.Time
}

// ConfigFromConnections builds the production ConfigFunc: env defaults per
// provider, overridden by the tenant's connection row when set.
func ConfigFromConnections() ConfigFunc {
	var mu sync.Mutex
	cache := map[string]cachedConfig{}

	return func(tenantId string, provider string) BucketConfig {
		k := tenantId + "|" + provider
		mu.Lock()
		if c, ok := cache[k]; ok && time.Since(c.loaded) < connectionCacheTTL {
			mu.Unlock()
			return c.cfg
		}
		mu.Unlock()

		cfg := defaultBucket(provider)
		if config.GetDB() != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			conn, err := models.GetConnection(ctx, tenantId, provider)
			cancel()
			if err == nil && conn != nil {
				if conn.RateCapacity > 0 {
					cfg.Capacity = float64(conn.RateCapacity)
				}
				if conn.RatePerMinute > 0 {
					cfg.RefillPerMin = float64(conn.RatePerMinute)
				}
			}
		}

		mu.Lock()
		cache[k] = cachedConfig{cfg: cfg, loaded: time.Now()}
		mu.Unlock()
		return cfg
	}
}

// defaultBucket reads RATE_<PROVIDER>_CAPACITY / RATE_<PROVIDER>_PER_MINUTE,
// falling back to the global RATE_DEFAULT_* pair.
func defaultBucket(provider string) BucketConfig {
	prefix := "RATE_" + strings.ToUpper(provider)
	capacity := utils.IntFromEnv(prefix+"_CAPACITY", utils.IntFromEnv("RATE_DEFAULT_CAPACITY", 30))
	perMin := utils.IntFromEnv(prefix+"_PER_MINUTE", utils.IntFromEnv("RATE_DEFAULT_PER_MINUTE", 60))
	return BucketConfig{
		Capacity:     float64(capacity),
		RefillPerMin: float64(perMin),
	}
}
