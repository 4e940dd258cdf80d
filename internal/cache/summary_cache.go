// Package cache provides Redis-backed caching for telemetry summaries.
// When Redis is unavailable the cache degrades gracefully; callers fall
// back to the in-memory aggregator.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"botfleet/config"
	"botfleet/internal/logging"
	"botfleet/internal/telemetry"
)

// Key layouts
const (
	keyTenantSummary = "tenant:%s:telemetry"
	keySystemSummary = "system:telemetry"
)

// SummaryCache stores flushed telemetry summaries in Redis so status
// reads can be served without touching the aggregator. It implements
// telemetry.Publisher. A simple failure counter marks the backend
// unhealthy; writes are skipped until a probe succeeds again.
type SummaryCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *logging.Logger

	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastProbe    time.Time

	maxFailures   int
	probeInterval time.Duration
}

// NewSummaryCache connects to Redis. A failed initial connection does
// not error; the cache starts degraded and recovers on its own.
func NewSummaryCache(cfg config.RedisConfig, ttl time.Duration, logger *logging.Logger) (*SummaryCache, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	sc := &SummaryCache{
		client:        client,
		ttl:           ttl,
		logger:        logger.WithComponent("summary_cache"),
		maxFailures:   3,
		probeInterval: 30 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		sc.logger.Warn("Initial Redis connection failed, starting degraded", "error", err)
		return sc, nil
	}

	sc.healthy = true
	sc.lastProbe = time.Now()
	sc.logger.Info("Redis connected", "address", cfg.Address)
	return sc, nil
}

// IsHealthy returns whether Redis is currently usable.
func (sc *SummaryCache) IsHealthy() bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.healthy
}

func (sc *SummaryCache) recordFailure() {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.failureCount++
	if sc.failureCount >= sc.maxFailures && sc.healthy {
		sc.logger.Warn("Redis marked unhealthy", "failures", sc.failureCount)
		sc.healthy = false
	}
}

func (sc *SummaryCache) recordSuccess() {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if !sc.healthy {
		sc.logger.Info("Redis recovered")
	}
	sc.failureCount = 0
	sc.healthy = true
}

// usable reports whether an operation should be attempted, probing for
// recovery at most once per probe interval while unhealthy.
func (sc *SummaryCache) usable() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.healthy {
		return true
	}
	if time.Since(sc.lastProbe) < sc.probeInterval {
		return false
	}
	sc.lastProbe = time.Now()
	return true
}

// PublishSummary implements telemetry.Publisher. Failures degrade, not
// propagate; the aggregator keeps the authoritative copy.
func (sc *SummaryCache) PublishSummary(summary telemetry.TenantSummary) {
	if !sc.usable() {
		return
	}

	data, err := json.Marshal(summary)
	if err != nil {
		sc.logger.Error("Failed to marshal tenant summary", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	key := fmt.Sprintf(keyTenantSummary, summary.TenantID)
	if err := sc.client.Set(ctx, key, data, sc.ttl).Err(); err != nil {
		sc.recordFailure()
		return
	}
	sc.recordSuccess()
}

// PublishSystemSummary stores the fleet-wide rollup.
func (sc *SummaryCache) PublishSystemSummary(summary telemetry.SystemSummary) {
	if !sc.usable() {
		return
	}

	data, err := json.Marshal(summary)
	if err != nil {
		sc.logger.Error("Failed to marshal system summary", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := sc.client.Set(ctx, keySystemSummary, data, sc.ttl).Err(); err != nil {
		sc.recordFailure()
		return
	}
	sc.recordSuccess()
}

// TenantSummary reads a cached tenant summary. The boolean is false on
// a miss or when Redis is unavailable.
func (sc *SummaryCache) TenantSummary(ctx context.Context, tenantID string) (telemetry.TenantSummary, bool) {
	var out telemetry.TenantSummary
	if !sc.usable() {
		return out, false
	}

	key := fmt.Sprintf(keyTenantSummary, tenantID)
	data, err := sc.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		sc.recordSuccess()
		return out, false
	}
	if err != nil {
		sc.recordFailure()
		return out, false
	}
	sc.recordSuccess()

	if err := json.Unmarshal(data, &out); err != nil {
		sc.logger.Error("Corrupt cached summary", "tenant_id", tenantID, "error", err)
		return out, false
	}
	return out, true
}

// Invalidate removes a tenant's cached summary.
func (sc *SummaryCache) Invalidate(ctx context.Context, tenantID string) {
	if !sc.usable() {
		return
	}
	key := fmt.Sprintf(keyTenantSummary, tenantID)
	if err := sc.client.Del(ctx, key).Err(); err != nil {
		sc.recordFailure()
		return
	}
	sc.recordSuccess()
}

// Close releases the Redis client.
func (sc *SummaryCache) Close() error {
	return sc.client.Close()
}
