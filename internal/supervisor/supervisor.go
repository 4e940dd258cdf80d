package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"botfleet/internal/events"
	"botfleet/internal/logging"
	"botfleet/internal/meter"
	"botfleet/internal/notification"
	"botfleet/internal/registry"
	"botfleet/internal/strategy"
	"botfleet/internal/telemetry"
	"botfleet/internal/tier"
)

// ErrStartTimeout reports that a strategy did not acknowledge startup
// within the configured window.
var ErrStartTimeout = errors.New("strategy start timed out")

// ErrNotRunning reports a pause or resume against a bot that is not in
// the required state.
var ErrNotRunning = errors.New("bot is not running")

// ErrNotPaused is returned by Resume on a bot that is not paused.
var ErrNotPaused = errors.New("bot is not paused")

// Config tunes the supervision loops. Zero values take defaults.
type Config struct {
	TickInterval     time.Duration
	TickTimeout      time.Duration
	StartTimeout     time.Duration
	StopGrace        time.Duration
	FailureThreshold int
	BackoffBase      time.Duration
	BackoffCap       time.Duration
}

func (c *Config) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 5 * time.Second
	}
	if c.TickTimeout <= 0 {
		c.TickTimeout = 10 * time.Second
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = 30 * time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 10 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 5 * time.Minute
	}
}

// Supervisor launches and drives one goroutine per bot. It owns every
// lifecycle transition after admission: ticking, crash detection,
// bounded restarts with backoff, and the single terminal transition
// that releases the tenant's reservation.
type Supervisor struct {
	cfg    Config
	reg    *registry.Registry
	meter  *meter.Meter
	bus    *events.Bus
	agg    *telemetry.Aggregator
	notify *notification.Manager
	logger *logging.Logger
}

// New creates a Supervisor. The aggregator and notifier may be nil.
func New(cfg Config, reg *registry.Registry, m *meter.Meter, bus *events.Bus, agg *telemetry.Aggregator, notify *notification.Manager, logger *logging.Logger) *Supervisor {
	cfg.applyDefaults()
	return &Supervisor{
		cfg:    cfg,
		reg:    reg,
		meter:  m,
		bus:    bus,
		agg:    agg,
		notify: notify,
		logger: logger.WithComponent("supervisor"),
	}
}

// Handle is the caller's grip on one supervised bot.
type Handle struct {
	sup      *Supervisor
	tenantID string
	botID    string
	tag      string
	capital  float64
	limits   tier.Limits
	factory  strategy.Factory
	scfg     strategy.Config

	mu    sync.Mutex
	strat strategy.Strategy

	ctx      context.Context
	cancel   context.CancelFunc
	paused   atomic.Bool
	done     chan struct{}
	termOnce sync.Once
	stopMu   sync.Mutex
}

// TenantID returns the owning tenant.
func (h *Handle) TenantID() string { return h.tenantID }

// BotID returns the bot's identifier.
func (h *Handle) BotID() string { return h.botID }

// Done is closed when the supervision loop has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Launch starts the strategy synchronously and, on success, spawns the
// supervision loop. The registry record must already exist; the
// tenant's reservation must already be held. On error nothing runs and
// the caller keeps responsibility for the reservation.
func (s *Supervisor) Launch(ctx context.Context, inst registry.BotInstance, factory strategy.Factory, scfg strategy.Config, limits tier.Limits) (*Handle, error) {
	loopCtx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		sup:      s,
		tenantID: inst.TenantID,
		botID:    inst.BotID,
		tag:      inst.Strategy,
		capital:  inst.Capital,
		limits:   limits,
		factory:  factory,
		scfg:     scfg,
		strat:    factory(),
		ctx:      loopCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	s.reg.SetState(inst.TenantID, inst.BotID, registry.StateStarting)

	if err := s.startStrategy(ctx, h); err != nil {
		cancel()
		s.reg.Update(inst.TenantID, inst.BotID, func(b *registry.BotInstance) {
			b.LastError = err.Error()
		})
		return nil, err
	}

	s.reg.SetState(inst.TenantID, inst.BotID, registry.StateRunning)
	s.bus.PublishLifecycle(events.EventBotStarted, inst.TenantID, inst.BotID, inst.Strategy)
	s.logger.Info("Bot running",
		"tenant_id", inst.TenantID,
		"bot_id", inst.BotID,
		"strategy", inst.Strategy)

	go s.supervise(h)
	return h, nil
}

// startStrategy runs Strategy.Start under the start timeout with panic
// containment. The parent context bounds the whole attempt so shutdown
// interrupts a hung start.
func (s *Supervisor) startStrategy(parent context.Context, h *Handle) error {
	if parent == nil {
		parent = context.Background()
	}
	startCtx, cancel := context.WithTimeout(parent, s.cfg.StartTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("strategy start panicked: %v", r)
			}
		}()
		h.mu.Lock()
		strat := h.strat
		h.mu.Unlock()
		errCh <- strat.Start(startCtx, h.scfg)
	}()

	select {
	case err := <-errCh:
		return err
	case <-startCtx.Done():
		if errors.Is(startCtx.Err(), context.DeadlineExceeded) {
			return ErrStartTimeout
		}
		return startCtx.Err()
	}
}

// supervise is the per-bot loop. It only exits on a stop request or
// the terminal transition after the restart budget runs out.
func (s *Supervisor) supervise(h *Handle) {
	defer close(h.done)

	for {
		crashErr := s.tickLoop(h)
		if crashErr == nil {
			// Stop requested; Handle.Stop finishes the transition.
			return
		}

		inst, ok := s.reg.Update(h.tenantID, h.botID, func(b *registry.BotInstance) {
			b.State = registry.StateCrashed
			b.LastError = crashErr.Error()
		})
		if !ok {
			return
		}

		s.logger.Error("Bot crashed",
			"tenant_id", h.tenantID,
			"bot_id", h.botID,
			"restart_count", inst.RestartCount,
			"error", crashErr)
		s.bus.PublishBotCrashed(h.tenantID, h.botID, inst.RestartCount, crashErr)

		if inst.RestartCount >= h.limits.RestartBudget {
			s.logger.Error("Restart budget exhausted, stopping bot",
				"tenant_id", h.tenantID,
				"bot_id", h.botID,
				"restarts", inst.RestartCount)
			s.bus.PublishBotFatal(h.tenantID, h.botID, crashErr.Error())
			if s.notify != nil {
				s.notify.SendBotFatal(h.tenantID, h.botID, inst.RestartCount, crashErr.Error())
			}
			h.finalize()
			return
		}

		inst, _ = s.reg.Update(h.tenantID, h.botID, func(b *registry.BotInstance) {
			b.RestartCount++
			b.State = registry.StateRestarting
		})
		s.bus.PublishLifecycle(events.EventBotRestarting, h.tenantID, h.botID, h.tag)
		if s.notify != nil {
			s.notify.SendBotCrashed(h.tenantID, h.botID, inst.RestartCount, crashErr.Error())
		}

		if !s.backoff(h, inst.RestartCount) {
			return
		}

		s.reg.SetState(h.tenantID, h.botID, registry.StateStarting)
		h.mu.Lock()
		h.strat = h.factory()
		h.mu.Unlock()

		if err := s.startStrategy(h.ctx, h); err != nil {
			// A failed restart counts against the budget like a crash.
			continue
		}

		s.reg.SetState(h.tenantID, h.botID, registry.StateRunning)
		s.bus.PublishLifecycle(events.EventBotStarted, h.tenantID, h.botID, h.tag)
	}
}

// backoff sleeps exponentially by attempt, capped. Returns false when
// the loop context was cancelled during the wait.
func (s *Supervisor) backoff(h *Handle, attempt int) bool {
	d := s.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.cfg.BackoffCap {
			d = s.cfg.BackoffCap
			break
		}
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// tickLoop drives the strategy until a stop request (returns nil) or a
// crash (returns the cause).
func (s *Supervisor) tickLoop(h *Handle) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	failures := 0
	var lastErr error

	for {
		select {
		case <-h.ctx.Done():
			return nil
		case <-ticker.C:
			if h.paused.Load() {
				continue
			}

			h.mu.Lock()
			strat := h.strat
			h.mu.Unlock()

			calls := strat.Footprint().APICallsPerTick
			if err := s.meter.ConsumeAPICalls(h.tenantID, calls, h.limits); err != nil {
				// A rate limited tick is skipped, not failed. Work
				// resumes when the window rolls over.
				s.logger.Warn("Tick skipped, api window exhausted",
					"tenant_id", h.tenantID,
					"bot_id", h.botID)
				s.bus.PublishQuotaDenied(h.tenantID, string(meter.QuotaAPIRate))
				if s.notify != nil {
					s.notify.SendQuotaDenied(h.tenantID, string(meter.QuotaAPIRate), err.Error())
				}
				continue
			}

			snap, err := s.safeTick(h, strat)
			if err != nil {
				failures++
				lastErr = err
				s.logger.Warn("Tick failed",
					"tenant_id", h.tenantID,
					"bot_id", h.botID,
					"consecutive_failures", failures,
					"error", err)
				if failures >= s.cfg.FailureThreshold {
					return fmt.Errorf("%d consecutive tick failures: %w", failures, lastErr)
				}
				continue
			}

			failures = 0
			s.reg.Heartbeat(h.tenantID, h.botID)
			if s.agg != nil {
				s.agg.Ingest(telemetry.Sample{
					TenantID: h.tenantID,
					BotID:    h.botID,
					Strategy: h.tag,
					Snapshot: snap,
				})
			}
		}
	}
}

// safeTick runs one tick under the tick timeout, converting panics in
// strategy code into ordinary tick errors.
func (s *Supervisor) safeTick(h *Handle, strat strategy.Strategy) (snap strategy.Snapshot, err error) {
	tickCtx, cancel := context.WithTimeout(h.ctx, s.cfg.TickTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy tick panicked: %v", r)
		}
	}()

	return strat.Tick(tickCtx)
}

// Pause suspends ticking without giving up the tenant's reservation.
func (h *Handle) Pause() error {
	inst, ok := h.sup.reg.Lookup(h.tenantID, h.botID)
	if !ok || inst.State != registry.StateRunning {
		return ErrNotRunning
	}
	h.paused.Store(true)
	h.sup.reg.SetState(h.tenantID, h.botID, registry.StatePaused)
	h.sup.bus.PublishLifecycle(events.EventBotPaused, h.tenantID, h.botID, h.tag)
	return nil
}

// Resume returns a paused bot to ticking.
func (h *Handle) Resume() error {
	inst, ok := h.sup.reg.Lookup(h.tenantID, h.botID)
	if !ok || inst.State != registry.StatePaused {
		return ErrNotPaused
	}
	h.paused.Store(false)
	h.sup.reg.SetState(h.tenantID, h.botID, registry.StateRunning)
	h.sup.bus.PublishLifecycle(events.EventBotResumed, h.tenantID, h.botID, h.tag)
	return nil
}

// Stop transitions the bot to stopped. Safe to call any number of
// times and from any state; the terminal transition happens once.
func (h *Handle) Stop(ctx context.Context) error {
	h.stopMu.Lock()
	defer h.stopMu.Unlock()

	if inst, ok := h.sup.reg.Lookup(h.tenantID, h.botID); ok && inst.State.Terminal() {
		return nil
	}

	h.sup.reg.SetState(h.tenantID, h.botID, registry.StateStopping)
	h.sup.bus.PublishLifecycle(events.EventBotStopping, h.tenantID, h.botID, h.tag)
	h.cancel()

	grace := h.sup.cfg.StopGrace
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-h.done:
	case <-timer.C:
		h.sup.logger.Warn("Supervision loop did not exit within grace",
			"tenant_id", h.tenantID,
			"bot_id", h.botID)
	case <-ctx.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	h.mu.Lock()
	strat := h.strat
	h.mu.Unlock()
	if err := strat.Stop(stopCtx); err != nil {
		h.sup.logger.Warn("Strategy stop returned error",
			"tenant_id", h.tenantID,
			"bot_id", h.botID,
			"error", err)
	}

	h.finalize()
	return nil
}

// finalize performs the single terminal transition: mark stopped and
// return the reservation to the tenant's budget, exactly once.
func (h *Handle) finalize() {
	h.termOnce.Do(func() {
		h.sup.reg.SetState(h.tenantID, h.botID, registry.StateStopped)
		h.sup.meter.Release(h.tenantID, h.capital)
		h.sup.bus.PublishLifecycle(events.EventBotStopped, h.tenantID, h.botID, h.tag)
		h.sup.logger.Info("Bot stopped",
			"tenant_id", h.tenantID,
			"bot_id", h.botID)
	})
}
