package tier

import (
	"context"
	"sync"
	"time"
)

// Tier represents the tenant's subscription level
type Tier string

const (
	TierFree         Tier = "free"
	TierBasic        Tier = "basic"
	TierPremium      Tier = "premium"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
)

// Unlimited marks a limit with no cap
const Unlimited = -1

// Limits defines the quota limits for a subscription tier
type Limits struct {
	MaxConcurrentBots   int     `json:"max_concurrent_bots"`
	MaxAllocatedCapital float64 `json:"max_allocated_capital"`
	MaxAPICallsPerHour  int     `json:"max_api_calls_per_hour"`
	RestartBudget       int     `json:"restart_budget"`
	MonthlyPrice        float64 `json:"monthly_price"`
}

// GetLimits returns the limits for a given tier
func GetLimits(t Tier) Limits {
	switch t {
	case TierFree:
		return Limits{
			MaxConcurrentBots:   1,
			MaxAllocatedCapital: 1000,
			MaxAPICallsPerHour:  100,
			RestartBudget:       2,
			MonthlyPrice:        0,
		}
	case TierBasic:
		return Limits{
			MaxConcurrentBots:   3,
			MaxAllocatedCapital: 10000,
			MaxAPICallsPerHour:  1000,
			RestartBudget:       3,
			MonthlyPrice:        29.99,
		}
	case TierPremium:
		return Limits{
			MaxConcurrentBots:   10,
			MaxAllocatedCapital: 100000,
			MaxAPICallsPerHour:  5000,
			RestartBudget:       5,
			MonthlyPrice:        99.99,
		}
	case TierProfessional:
		return Limits{
			MaxConcurrentBots:   50,
			MaxAllocatedCapital: 1000000,
			MaxAPICallsPerHour:  20000,
			RestartBudget:       8,
			MonthlyPrice:        299.99,
		}
	case TierEnterprise:
		return Limits{
			MaxConcurrentBots:   Unlimited,
			MaxAllocatedCapital: Unlimited,
			MaxAPICallsPerHour:  Unlimited,
			RestartBudget:       10,
			MonthlyPrice:        999.99,
		}
	default:
		return GetLimits(TierFree)
	}
}

// Valid reports whether t names a known tier
func Valid(t Tier) bool {
	switch t {
	case TierFree, TierBasic, TierPremium, TierProfessional, TierEnterprise:
		return true
	}
	return false
}

// Source resolves the current subscription tier for a tenant.
// Tier changes (upgrades/downgrades) are performed by the billing
// collaborator; the orchestrator only reads.
type Source interface {
	TierFor(ctx context.Context, tenantID string) (Tier, error)
}

// StaticSource is a Source backed by a fixed map, used in tests and
// single-tenant deployments without a subscription database.
type StaticSource struct {
	mu      sync.RWMutex
	tiers   map[string]Tier
	missing Tier // tier assigned to unknown tenants
}

// NewStaticSource creates a StaticSource. Unknown tenants resolve to the free tier.
func NewStaticSource(tiers map[string]Tier) *StaticSource {
	if tiers == nil {
		tiers = make(map[string]Tier)
	}
	return &StaticSource{tiers: tiers, missing: TierFree}
}

// TierFor returns the tier mapped for tenantID
func (s *StaticSource) TierFor(_ context.Context, tenantID string) (Tier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.tiers[tenantID]; ok {
		return t, nil
	}
	return s.missing, nil
}

// Set assigns a tier for a tenant
func (s *StaticSource) Set(tenantID string, t Tier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tiers[tenantID] = t
}

// CachedSource wraps a Source with a TTL cache so the admission path
// does not hit the subscription store on every request.
type CachedSource struct {
	inner Source
	ttl   time.Duration

	mu    sync.RWMutex
	cache map[string]cachedTier
}

type cachedTier struct {
	tier      Tier
	fetchedAt time.Time
}

// NewCachedSource wraps inner with a TTL cache
func NewCachedSource(inner Source, ttl time.Duration) *CachedSource {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedSource{
		inner: inner,
		ttl:   ttl,
		cache: make(map[string]cachedTier),
	}
}

// TierFor returns the cached tier when fresh, otherwise reads through
func (c *CachedSource) TierFor(ctx context.Context, tenantID string) (Tier, error) {
	c.mu.RLock()
	entry, ok := c.cache[tenantID]
	c.mu.RUnlock()

	if ok && time.Since(entry.fetchedAt) < c.ttl {
		return entry.tier, nil
	}

	t, err := c.inner.TierFor(ctx, tenantID)
	if err != nil {
		// Serve a stale entry rather than failing admission on a
		// transient store error.
		if ok {
			return entry.tier, nil
		}
		return "", err
	}

	c.mu.Lock()
	c.cache[tenantID] = cachedTier{tier: t, fetchedAt: time.Now()}
	c.mu.Unlock()

	return t, nil
}

// Invalidate drops the cached tier for a tenant (after a billing-side change)
func (c *CachedSource) Invalidate(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, tenantID)
}
