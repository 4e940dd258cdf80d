package meter

import (
	"sync"
	"time"

	"botfleet/internal/tier"
)

// Usage is a point-in-time view of one tenant's resource consumption.
type Usage struct {
	TenantID         string    `json:"tenant_id"`
	ActiveBots       int       `json:"active_bots"`
	AllocatedCapital float64   `json:"allocated_capital"`
	APICallsInWindow int       `json:"api_calls_in_window"`
	WindowStart      time.Time `json:"window_start"`
}

// tenantUsage holds the live counters for one tenant. All fields are
// guarded by mu so admission checks and updates stay atomic per tenant
// without any global lock.
type tenantUsage struct {
	mu               sync.Mutex
	activeBots       int
	allocatedCapital float64
	apiCalls         int
	windowStart      time.Time
	lastTouched      time.Time
}

// Meter tracks per-tenant resource usage and enforces tier limits at
// reservation time. API call accounting uses a fixed window anchored
// at the first call; the window length is one hour.
type Meter struct {
	tenants  sync.Map // tenantID -> *tenantUsage
	window   time.Duration
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

const apiWindow = time.Hour

// New creates a Meter with the standard one-hour API call window.
func New() *Meter {
	return &Meter{
		window:   apiWindow,
		stopChan: make(chan struct{}),
	}
}

func (m *Meter) usageFor(tenantID string) *tenantUsage {
	if u, ok := m.tenants.Load(tenantID); ok {
		return u.(*tenantUsage)
	}
	u, _ := m.tenants.LoadOrStore(tenantID, &tenantUsage{})
	return u.(*tenantUsage)
}

// Reserve atomically checks the bot count and capital limits and, if
// both pass, records one more bot with the given capital. A non-nil
// error means nothing was recorded.
func (m *Meter) Reserve(tenantID string, capital float64, limits tier.Limits) error {
	u := m.usageFor(tenantID)
	u.mu.Lock()
	defer u.mu.Unlock()

	if limits.MaxConcurrentBots != tier.Unlimited && u.activeBots >= limits.MaxConcurrentBots {
		return &QuotaError{
			TenantID: tenantID,
			Kind:     QuotaBots,
			Limit:    float64(limits.MaxConcurrentBots),
			Current:  float64(u.activeBots),
		}
	}
	if limits.MaxAllocatedCapital != tier.Unlimited && u.allocatedCapital+capital > limits.MaxAllocatedCapital {
		return &QuotaError{
			TenantID:  tenantID,
			Kind:      QuotaCapital,
			Limit:     limits.MaxAllocatedCapital,
			Current:   u.allocatedCapital,
			Requested: capital,
		}
	}

	u.activeBots++
	u.allocatedCapital += capital
	u.lastTouched = time.Now()
	return nil
}

// Release returns one bot slot and its capital to the tenant's budget.
// Counters never go below zero; a double release is clamped rather
// than propagated.
func (m *Meter) Release(tenantID string, capital float64) {
	u := m.usageFor(tenantID)
	u.mu.Lock()
	defer u.mu.Unlock()

	u.activeBots--
	if u.activeBots < 0 {
		u.activeBots = 0
	}
	u.allocatedCapital -= capital
	if u.allocatedCapital < 0 {
		u.allocatedCapital = 0
	}
	u.lastTouched = time.Now()
}

// ConsumeAPICalls records n API calls against the tenant's hourly
// window. When the window has elapsed the counter resets and the
// window re-anchors at the current call. Exceeding the limit returns
// ErrRateLimited wrapped in a QuotaError; the calls are not recorded.
func (m *Meter) ConsumeAPICalls(tenantID string, n int, limits tier.Limits) error {
	if n <= 0 {
		return nil
	}
	u := m.usageFor(tenantID)
	u.mu.Lock()
	defer u.mu.Unlock()

	now := time.Now()
	if u.windowStart.IsZero() || now.Sub(u.windowStart) >= m.window {
		u.windowStart = now
		u.apiCalls = 0
	}

	if limits.MaxAPICallsPerHour != tier.Unlimited && u.apiCalls+n > limits.MaxAPICallsPerHour {
		return &QuotaError{
			TenantID:  tenantID,
			Kind:      QuotaAPIRate,
			Limit:     float64(limits.MaxAPICallsPerHour),
			Current:   float64(u.apiCalls),
			Requested: float64(n),
		}
	}

	u.apiCalls += n
	u.lastTouched = now
	return nil
}

// Snapshot returns the tenant's current usage. Tenants the meter has
// never seen report zero usage.
func (m *Meter) Snapshot(tenantID string) Usage {
	v, ok := m.tenants.Load(tenantID)
	if !ok {
		return Usage{TenantID: tenantID}
	}
	u := v.(*tenantUsage)
	u.mu.Lock()
	defer u.mu.Unlock()
	return Usage{
		TenantID:         tenantID,
		ActiveBots:       u.activeBots,
		AllocatedCapital: u.allocatedCapital,
		APICallsInWindow: u.apiCalls,
		WindowStart:      u.windowStart,
	}
}

// Tenants lists every tenant the meter currently tracks.
func (m *Meter) Tenants() []string {
	var ids []string
	m.tenants.Range(func(k, _ interface{}) bool {
		ids = append(ids, k.(string))
		return true
	})
	return ids
}

// StartCleanup launches a background loop that evicts tenants that
// hold no resources and have been idle longer than maxIdle.
func (m *Meter) StartCleanup(interval, maxIdle time.Duration) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.evictIdle(maxIdle)
			case <-m.stopChan:
				return
			}
		}
	}()
}

func (m *Meter) evictIdle(maxIdle time.Duration) {
	cutoff := time.Now().Add(-maxIdle)
	m.tenants.Range(func(k, v interface{}) bool {
		u := v.(*tenantUsage)
		u.mu.Lock()
		idle := u.activeBots == 0 && u.allocatedCapital == 0 && u.lastTouched.Before(cutoff)
		u.mu.Unlock()
		if idle {
			m.tenants.Delete(k)
		}
		return true
	})
}

// Stop terminates the cleanup loop and waits for it to exit.
func (m *Meter) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
	m.wg.Wait()
}
