package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"botfleet/internal/events"
	"botfleet/internal/logging"
	"botfleet/internal/meter"
	"botfleet/internal/notification"
	"botfleet/internal/registry"
	"botfleet/internal/strategy"
	"botfleet/internal/supervisor"
	"botfleet/internal/telemetry"
	"botfleet/internal/tier"
)

// CredentialSource resolves per-tenant exchange credentials. May be
// absent; strategies then run without keys (paper mode).
type CredentialSource interface {
	Credentials(ctx context.Context, tenantID string) (strategy.Credentials, error)
}

// CreateRequest describes one admission attempt.
type CreateRequest struct {
	TenantID string          `json:"tenant_id"`
	BotID    string          `json:"bot_id,omitempty"`
	Strategy string          `json:"strategy"`
	Capital  float64         `json:"capital"`
	Params   json.RawMessage `json:"params,omitempty"`
}

// TenantStatus is the per-tenant control plane view.
type TenantStatus struct {
	TenantID  string                  `json:"tenant_id"`
	Tier      tier.Tier               `json:"tier"`
	Limits    tier.Limits             `json:"limits"`
	Usage     meter.Usage             `json:"usage"`
	Bots      []registry.BotInstance  `json:"bots"`
	Telemetry telemetry.TenantSummary `json:"telemetry"`
}

// SystemStatus is the fleet wide control plane view.
type SystemStatus struct {
	Tenants   int                     `json:"tenants"`
	Bots      int                     `json:"bots"`
	ByState   map[string]int          `json:"by_state"`
	Telemetry telemetry.SystemSummary `json:"telemetry"`
}

// Orchestrator is the single entry point for bot lifecycle commands.
// Admission checks, launches and force-stop sweeps for one tenant are
// serialized through a per-tenant gate; tenants never contend with
// each other.
type Orchestrator struct {
	reg        *registry.Registry
	met        *meter.Meter
	sup        *supervisor.Supervisor
	bus        *events.Bus
	agg        *telemetry.Aggregator
	strategies *strategy.Registry
	tiers      tier.Source
	creds      CredentialSource
	notify     *notification.Manager
	logger     *logging.Logger

	handles  sync.Map // tenantID/botID -> *supervisor.Handle
	gates    sync.Map // tenantID -> *sync.Mutex
	shutdown atomic.Bool
}

// New wires an Orchestrator. agg, creds and notify may be nil.
func New(reg *registry.Registry, met *meter.Meter, sup *supervisor.Supervisor, bus *events.Bus, agg *telemetry.Aggregator, strategies *strategy.Registry, tiers tier.Source, creds CredentialSource, notify *notification.Manager, logger *logging.Logger) *Orchestrator {
	return &Orchestrator{
		reg:        reg,
		met:        met,
		sup:        sup,
		bus:        bus,
		agg:        agg,
		strategies: strategies,
		tiers:      tiers,
		creds:      creds,
		notify:     notify,
		logger:     logger.WithComponent("orchestrator"),
	}
}

func handleKey(tenantID, botID string) string {
	return tenantID + "/" + botID
}

func (o *Orchestrator) gate(tenantID string) *sync.Mutex {
	if g, ok := o.gates.Load(tenantID); ok {
		return g.(*sync.Mutex)
	}
	g, _ := o.gates.LoadOrStore(tenantID, &sync.Mutex{})
	return g.(*sync.Mutex)
}

// CreateAndStart admits a bot against the tenant's subscription limits
// and starts it. On any failure after the reservation, the reservation
// is rolled back before the error returns; a denial never leaks quota.
func (o *Orchestrator) CreateAndStart(ctx context.Context, req CreateRequest) (registry.BotInstance, error) {
	if o.shutdown.Load() {
		return registry.BotInstance{}, ErrShuttingDown
	}
	if req.Capital <= 0 {
		return registry.BotInstance{}, ErrInvalidCapital
	}
	if !o.strategies.Known(req.Strategy) {
		return registry.BotInstance{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, req.Strategy)
	}
	if req.BotID == "" {
		req.BotID = uuid.New().String()
	}

	g := o.gate(req.TenantID)
	g.Lock()
	defer g.Unlock()

	t, err := o.tiers.TierFor(ctx, req.TenantID)
	if err != nil {
		return registry.BotInstance{}, fmt.Errorf("resolve tier: %w", err)
	}
	limits := tier.GetLimits(t)

	if err := o.met.Reserve(req.TenantID, req.Capital, limits); err != nil {
		o.denied(req.TenantID, err)
		return registry.BotInstance{}, err
	}

	inst := registry.BotInstance{
		BotID:    req.BotID,
		TenantID: req.TenantID,
		Strategy: req.Strategy,
		Tier:     t,
		Capital:  req.Capital,
		State:    registry.StateCreated,
	}
	if err := o.reg.Insert(inst); err != nil {
		o.met.Release(req.TenantID, req.Capital)
		return registry.BotInstance{}, err
	}
	o.bus.PublishLifecycle(events.EventBotAdmitted, req.TenantID, req.BotID, req.Strategy)

	scfg := strategy.Config{
		TenantID: req.TenantID,
		BotID:    req.BotID,
		Capital:  req.Capital,
		Params:   req.Params,
	}
	if o.creds != nil {
		creds, err := o.creds.Credentials(ctx, req.TenantID)
		if err != nil {
			o.logger.Warn("Credential lookup failed, starting without keys",
				"tenant_id", req.TenantID,
				"error", err)
		} else {
			scfg.Credentials = creds
		}
	}

	factory, err := o.strategies.Factory(req.Strategy)
	if err != nil {
		o.abortAdmission(req, err)
		return registry.BotInstance{}, err
	}

	h, err := o.sup.Launch(ctx, inst, factory, scfg, limits)
	if err != nil {
		o.abortAdmission(req, err)
		return registry.BotInstance{}, err
	}

	o.watchHandle(handleKey(req.TenantID, req.BotID), h)

	out, _ := o.reg.Lookup(req.TenantID, req.BotID)
	return out, nil
}

// watchHandle publishes the handle and removes it once its loop exits.
// The compare-and-delete guards against a stale watcher from a prior
// incarnation of the same bot evicting the handle a restart stored.
func (o *Orchestrator) watchHandle(key string, h *supervisor.Handle) {
	o.handles.Store(key, h)
	go func() {
		<-h.Done()
		o.handles.CompareAndDelete(key, h)
	}()
}

// abortAdmission unwinds a failed launch: the record becomes terminal
// and the reservation goes back to the tenant.
func (o *Orchestrator) abortAdmission(req CreateRequest, cause error) {
	o.reg.Update(req.TenantID, req.BotID, func(b *registry.BotInstance) {
		b.State = registry.StateStopped
		b.StoppedAt = time.Now()
		b.LastError = cause.Error()
	})
	o.met.Release(req.TenantID, req.Capital)
	o.logger.Error("Bot launch failed",
		"tenant_id", req.TenantID,
		"bot_id", req.BotID,
		"error", cause)
}

func (o *Orchestrator) denied(tenantID string, err error) {
	if qe, ok := meter.IsQuotaError(err); ok {
		o.bus.PublishQuotaDenied(tenantID, string(qe.Kind))
		if o.notify != nil {
			o.notify.SendQuotaDenied(tenantID, string(qe.Kind), err.Error())
		}
	}
	o.logger.Info("Admission denied",
		"tenant_id", tenantID,
		"reason", DenialReason(err))
}

// Stop gracefully stops a bot. Stopping an already stopped bot is a
// no-op, not an error.
func (o *Orchestrator) Stop(ctx context.Context, tenantID, botID string) error {
	if h, ok := o.handles.Load(handleKey(tenantID, botID)); ok {
		return h.(*supervisor.Handle).Stop(ctx)
	}

	inst, ok := o.reg.Lookup(tenantID, botID)
	if !ok {
		return ErrBotNotFound
	}
	if inst.State.Terminal() {
		return nil
	}
	// The supervision loop already exited; close out the record.
	o.reg.SetState(tenantID, botID, registry.StateStopped)
	return nil
}

// Restart stops the bot and re-admits it under its original strategy
// and capital, resetting the restart budget. The slot freed by the
// stop may be claimed by a concurrent create; the quota check runs
// again and may deny.
func (o *Orchestrator) Restart(ctx context.Context, tenantID, botID string) (registry.BotInstance, error) {
	if o.shutdown.Load() {
		return registry.BotInstance{}, ErrShuttingDown
	}

	inst, ok := o.reg.Lookup(tenantID, botID)
	if !ok {
		return registry.BotInstance{}, ErrBotNotFound
	}

	if err := o.Stop(ctx, tenantID, botID); err != nil {
		return registry.BotInstance{}, err
	}

	g := o.gate(tenantID)
	g.Lock()
	defer g.Unlock()

	t, err := o.tiers.TierFor(ctx, tenantID)
	if err != nil {
		return registry.BotInstance{}, fmt.Errorf("resolve tier: %w", err)
	}
	limits := tier.GetLimits(t)

	if err := o.met.Reserve(tenantID, inst.Capital, limits); err != nil {
		o.denied(tenantID, err)
		return registry.BotInstance{}, err
	}

	fresh, _ := o.reg.Update(tenantID, botID, func(b *registry.BotInstance) {
		b.State = registry.StateCreated
		b.RestartCount = 0
		b.LastError = ""
		b.StartedAt = time.Time{}
		b.StoppedAt = time.Time{}
		b.Tier = t
	})

	factory, err := o.strategies.Factory(inst.Strategy)
	if err != nil {
		o.met.Release(tenantID, inst.Capital)
		return registry.BotInstance{}, err
	}

	scfg := strategy.Config{
		TenantID: tenantID,
		BotID:    botID,
		Capital:  inst.Capital,
	}
	h, err := o.sup.Launch(ctx, fresh, factory, scfg, limits)
	if err != nil {
		o.abortAdmission(CreateRequest{TenantID: tenantID, BotID: botID, Capital: inst.Capital}, err)
		return registry.BotInstance{}, err
	}

	o.watchHandle(handleKey(tenantID, botID), h)

	out, _ := o.reg.Lookup(tenantID, botID)
	return out, nil
}

// Pause suspends a running bot without releasing its reservation.
func (o *Orchestrator) Pause(tenantID, botID string) error {
	h, ok := o.handles.Load(handleKey(tenantID, botID))
	if !ok {
		return ErrBotNotFound
	}
	return h.(*supervisor.Handle).Pause()
}

// Resume returns a paused bot to work.
func (o *Orchestrator) Resume(tenantID, botID string) error {
	h, ok := o.handles.Load(handleKey(tenantID, botID))
	if !ok {
		return ErrBotNotFound
	}
	return h.(*supervisor.Handle).Resume()
}

// StartAll restarts every stopped bot a tenant owns, up to whatever
// the quota admits. Bots that fail to restart are skipped; the count
// of successful starts is returned alongside the first error seen.
func (o *Orchestrator) StartAll(ctx context.Context, tenantID string) (int, error) {
	if o.shutdown.Load() {
		return 0, ErrShuttingDown
	}

	started := 0
	var firstErr error
	for _, inst := range o.reg.ListByTenant(tenantID) {
		if !inst.State.Terminal() {
			continue
		}
		if _, err := o.Restart(ctx, tenantID, inst.BotID); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		started++
	}
	return started, firstErr
}

// ForceStopAll stops every non-terminal bot a tenant owns; an empty
// tenant ID sweeps every tenant in the system. The orchestrator keeps
// serving afterwards, unlike Shutdown. Each tenant's sweep holds that
// tenant's gate, so no admission for it can slip in mid-sweep.
// Returns the number of bots stopped.
func (o *Orchestrator) ForceStopAll(ctx context.Context, tenantID, reason string) (int, error) {
	if tenantID == "" {
		return o.forceStopEverything(ctx, reason)
	}
	return o.forceStopTenant(ctx, tenantID, reason)
}

// forceStopEverything sweeps tenant by tenant. Tenants are gathered
// from both the registry and the handle map so a bot whose record was
// evicted but whose loop still runs is not missed.
func (o *Orchestrator) forceStopEverything(ctx context.Context, reason string) (int, error) {
	tenants := make(map[string]struct{})
	for _, inst := range o.reg.List() {
		if !inst.State.Terminal() {
			tenants[inst.TenantID] = struct{}{}
		}
	}
	o.handles.Range(func(_, v interface{}) bool {
		tenants[v.(*supervisor.Handle).TenantID()] = struct{}{}
		return true
	})

	total := 0
	for tenantID := range tenants {
		stopped, err := o.forceStopTenant(ctx, tenantID, reason)
		total += stopped
		if err != nil {
			return total, err
		}
	}
	o.logger.Info("Global force stop sweep complete",
		"tenants", len(tenants),
		"stopped", total,
		"reason", reason)
	return total, nil
}

func (o *Orchestrator) forceStopTenant(ctx context.Context, tenantID, reason string) (int, error) {
	g := o.gate(tenantID)
	g.Lock()
	defer g.Unlock()

	var targets []*supervisor.Handle
	o.handles.Range(func(k, v interface{}) bool {
		h := v.(*supervisor.Handle)
		if h.TenantID() == tenantID {
			targets = append(targets, h)
		}
		return true
	})

	var wg sync.WaitGroup
	for _, h := range targets {
		wg.Add(1)
		go func(h *supervisor.Handle) {
			defer wg.Done()
			h.Stop(ctx)
		}(h)
	}
	wg.Wait()

	// Records whose loops already exited still need closing out.
	for _, inst := range o.reg.ListByTenant(tenantID) {
		if !inst.State.Terminal() {
			o.reg.SetState(tenantID, inst.BotID, registry.StateStopped)
		}
	}
	stopped := len(targets)

	o.bus.Publish(events.Event{
		Type: events.EventForceStopSweep,
		Data: map[string]interface{}{
			"tenant_id": tenantID,
			"stopped":   stopped,
			"reason":    reason,
		},
		Timestamp: time.Now(),
	})
	if o.notify != nil && stopped > 0 {
		o.notify.SendForceStop(tenantID, stopped, reason)
	}
	o.logger.Info("Force stop sweep complete",
		"tenant_id", tenantID,
		"stopped", stopped,
		"reason", reason)
	return stopped, nil
}

// Status returns one bot's record.
func (o *Orchestrator) Status(tenantID, botID string) (registry.BotInstance, error) {
	inst, ok := o.reg.Lookup(tenantID, botID)
	if !ok {
		return registry.BotInstance{}, ErrBotNotFound
	}
	return inst, nil
}

// TenantStatus returns the tenant's tier, usage and fleet.
func (o *Orchestrator) TenantStatus(ctx context.Context, tenantID string) (TenantStatus, error) {
	t, err := o.tiers.TierFor(ctx, tenantID)
	if err != nil {
		return TenantStatus{}, fmt.Errorf("resolve tier: %w", err)
	}

	st := TenantStatus{
		TenantID: tenantID,
		Tier:     t,
		Limits:   tier.GetLimits(t),
		Usage:    o.met.Snapshot(tenantID),
		Bots:     o.reg.ListByTenant(tenantID),
	}
	if o.agg != nil {
		if ts, ok := o.agg.TenantSummary(tenantID); ok {
			st.Telemetry = ts
		}
	}
	return st, nil
}

// SystemStatus returns the fleet wide rollup.
func (o *Orchestrator) SystemStatus() SystemStatus {
	byState := make(map[string]int)
	tenants := make(map[string]struct{})
	all := o.reg.List()
	for _, inst := range all {
		byState[string(inst.State)]++
		tenants[inst.TenantID] = struct{}{}
	}

	st := SystemStatus{
		Tenants: len(tenants),
		Bots:    len(all),
		ByState: byState,
	}
	if o.agg != nil {
		st.Telemetry = o.agg.System()
	}
	return st
}

// Shutdown refuses new admissions and stops every bot. Safe to call
// more than once.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	if !o.shutdown.CompareAndSwap(false, true) {
		return
	}
	o.logger.Info("Shutting down, stopping all bots")

	var wg sync.WaitGroup
	o.handles.Range(func(_, v interface{}) bool {
		h := v.(*supervisor.Handle)
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Stop(ctx)
		}()
		return true
	})
	wg.Wait()
}
