package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"botfleet/internal/tier"
)

// State is the lifecycle state of a managed bot.
type State string

const (
	StateCreated    State = "created"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StatePaused     State = "paused"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
	StateCrashed    State = "crashed"
	StateRestarting State = "restarting"
)

// Terminal reports whether s is a final state. Stopped bots keep no
// resources and never transition again.
func (s State) Terminal() bool {
	return s == StateStopped
}

// Active reports whether s counts against the tenant's quotas.
func (s State) Active() bool {
	return !s.Terminal()
}

// BotInstance is the registry's record of one managed bot. The
// supervisor owns the mutable fields; readers get copies.
type BotInstance struct {
	BotID        string    `json:"bot_id"`
	TenantID     string    `json:"tenant_id"`
	Strategy     string    `json:"strategy"`
	Tier         tier.Tier `json:"tier"`
	Capital      float64   `json:"capital"`
	State        State     `json:"state"`
	RestartCount int       `json:"restart_count"`
	LastError    string    `json:"last_error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	StoppedAt    time.Time `json:"stopped_at,omitempty"`
	LastBeat     time.Time `json:"last_beat,omitempty"`
}

// Uptime returns how long the bot has been up, zero if it never started.
func (b BotInstance) Uptime(now time.Time) time.Duration {
	if b.StartedAt.IsZero() {
		return 0
	}
	if !b.StoppedAt.IsZero() {
		return b.StoppedAt.Sub(b.StartedAt)
	}
	return now.Sub(b.StartedAt)
}

// ConflictError reports a bot ID collision within a tenant.
type ConflictError struct {
	TenantID string
	BotID    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("tenant %s: bot %s already exists", e.TenantID, e.BotID)
}

// Registry is the authoritative index of bot instances, keyed by
// tenant then bot ID. Terminal records are retained for status queries
// until the eviction sweep removes them.
type Registry struct {
	mu      sync.RWMutex
	tenants map[string]map[string]*BotInstance

	retention time.Duration
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// New creates a Registry that retains terminal records for the given
// duration before the sweep may evict them.
func New(retention time.Duration) *Registry {
	return &Registry{
		tenants:   make(map[string]map[string]*BotInstance),
		retention: retention,
		stopChan:  make(chan struct{}),
	}
}

// Insert adds a new record. The bot ID must be unique within the
// tenant; collisions with live or retained records are rejected.
func (r *Registry) Insert(inst BotInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	bots, ok := r.tenants[inst.TenantID]
	if !ok {
		bots = make(map[string]*BotInstance)
		r.tenants[inst.TenantID] = bots
	}
	if _, exists := bots[inst.BotID]; exists {
		return &ConflictError{TenantID: inst.TenantID, BotID: inst.BotID}
	}

	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now()
	}
	if inst.State == "" {
		inst.State = StateCreated
	}
	cp := inst
	bots[inst.BotID] = &cp
	return nil
}

// Lookup returns a copy of the record, if present.
func (r *Registry) Lookup(tenantID, botID string) (BotInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if inst, ok := r.tenants[tenantID][botID]; ok {
		return *inst, true
	}
	return BotInstance{}, false
}

// Update applies fn to the record under the registry lock and returns
// the updated copy. Returns false if the record does not exist.
func (r *Registry) Update(tenantID, botID string, fn func(*BotInstance)) (BotInstance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.tenants[tenantID][botID]
	if !ok {
		return BotInstance{}, false
	}
	fn(inst)
	return *inst, true
}

// SetState transitions the record to the given state, stamping
// StartedAt and StoppedAt at the relevant transitions.
func (r *Registry) SetState(tenantID, botID string, s State) (BotInstance, bool) {
	return r.Update(tenantID, botID, func(inst *BotInstance) {
		inst.State = s
		switch s {
		case StateRunning:
			if inst.StartedAt.IsZero() {
				inst.StartedAt = time.Now()
			}
		case StateStopped:
			inst.StoppedAt = time.Now()
		}
	})
}

// Heartbeat stamps the record's liveness marker.
func (r *Registry) Heartbeat(tenantID, botID string) {
	r.Update(tenantID, botID, func(inst *BotInstance) {
		inst.LastBeat = time.Now()
	})
}

// ListByTenant returns copies of the tenant's records, sorted by
// creation time then bot ID for stable output.
func (r *Registry) ListByTenant(tenantID string) []BotInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bots := r.tenants[tenantID]
	out := make([]BotInstance, 0, len(bots))
	for _, inst := range bots {
		out = append(out, *inst)
	}
	sortInstances(out)
	return out
}

// List returns copies of every record across all tenants.
func (r *Registry) List() []BotInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []BotInstance
	for _, bots := range r.tenants {
		for _, inst := range bots {
			out = append(out, *inst)
		}
	}
	sortInstances(out)
	return out
}

func sortInstances(out []BotInstance) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].BotID < out[j].BotID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
}

// ActiveCount returns the number of non-terminal records for a tenant.
func (r *Registry) ActiveCount(tenantID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, inst := range r.tenants[tenantID] {
		if inst.State.Active() {
			n++
		}
	}
	return n
}

// Remove deletes the record outright. Used by tests and the eviction
// sweep; normal shutdown leaves the terminal record in place.
func (r *Registry) Remove(tenantID, botID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	bots, ok := r.tenants[tenantID]
	if !ok {
		return false
	}
	if _, ok := bots[botID]; !ok {
		return false
	}
	delete(bots, botID)
	if len(bots) == 0 {
		delete(r.tenants, tenantID)
	}
	return true
}

// StartEviction launches a background sweep that drops terminal
// records older than the retention period.
func (r *Registry) StartEviction(interval time.Duration) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.evictTerminal()
			case <-r.stopChan:
				return
			}
		}
	}()
}

func (r *Registry) evictTerminal() {
	cutoff := time.Now().Add(-r.retention)

	r.mu.Lock()
	defer r.mu.Unlock()
	for tenantID, bots := range r.tenants {
		for botID, inst := range bots {
			if inst.State.Terminal() && !inst.StoppedAt.IsZero() && inst.StoppedAt.Before(cutoff) {
				delete(bots, botID)
			}
		}
		if len(bots) == 0 {
			delete(r.tenants, tenantID)
		}
	}
}

// Stop terminates the eviction sweep.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
	r.wg.Wait()
}
