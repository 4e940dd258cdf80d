package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"botfleet/internal/events"
	"botfleet/internal/logging"
	"botfleet/internal/meter"
	"botfleet/internal/registry"
	"botfleet/internal/strategy"
	"botfleet/internal/tier"
)

type funcStrategy struct {
	startFn func(ctx context.Context, cfg strategy.Config) error
	tickFn  func(ctx context.Context) (strategy.Snapshot, error)
	stopFn  func(ctx context.Context) error
}

func (f *funcStrategy) Start(ctx context.Context, cfg strategy.Config) error {
	if f.startFn != nil {
		return f.startFn(ctx, cfg)
	}
	return nil
}

func (f *funcStrategy) Tick(ctx context.Context) (strategy.Snapshot, error) {
	if f.tickFn != nil {
		return f.tickFn(ctx)
	}
	return strategy.Snapshot{}, nil
}

func (f *funcStrategy) Stop(ctx context.Context) error {
	if f.stopFn != nil {
		return f.stopFn(ctx)
	}
	return nil
}

func (f *funcStrategy) Footprint() strategy.Footprint {
	return strategy.Footprint{APICallsPerTick: 1}
}

type testRig struct {
	sup *Supervisor
	reg *registry.Registry
	met *meter.Meter
	bus *events.Bus
}

func newTestRig(t *testing.T, cfg Config) *testRig {
	t.Helper()
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 2 * time.Millisecond
	}
	if cfg.TickTimeout == 0 {
		cfg.TickTimeout = 50 * time.Millisecond
	}
	if cfg.StartTimeout == 0 {
		cfg.StartTimeout = 100 * time.Millisecond
	}
	if cfg.StopGrace == 0 {
		cfg.StopGrace = 100 * time.Millisecond
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Millisecond
	}
	if cfg.BackoffCap == 0 {
		cfg.BackoffCap = 2 * time.Millisecond
	}

	reg := registry.New(time.Hour)
	met := meter.New()
	bus := events.NewBus()
	logger := logging.New(&logging.Config{Level: "ERROR", Output: "stderr"})
	return &testRig{
		sup: New(cfg, reg, met, bus, nil, nil, logger),
		reg: reg,
		met: met,
		bus: bus,
	}
}

func testLimits(budget int) tier.Limits {
	return tier.Limits{
		MaxConcurrentBots:   tier.Unlimited,
		MaxAllocatedCapital: tier.Unlimited,
		MaxAPICallsPerHour:  tier.Unlimited,
		RestartBudget:       budget,
	}
}

func launch(t *testing.T, rig *testRig, botID string, factory strategy.Factory, limits tier.Limits) *Handle {
	t.Helper()
	inst := registry.BotInstance{
		BotID:    botID,
		TenantID: "t1",
		Strategy: "test",
		Capital:  100,
	}
	if err := rig.reg.Insert(inst); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := rig.met.Reserve("t1", 100, limits); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	h, err := rig.sup.Launch(context.Background(), inst, factory, strategy.Config{
		TenantID: "t1",
		BotID:    botID,
		Capital:  100,
	}, limits)
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	return h
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("supervision loop did not exit in time")
	}
}

func TestLaunchRunsAndStops(t *testing.T) {
	rig := newTestRig(t, Config{FailureThreshold: 3})

	var ticks atomic.Int64
	factory := func() strategy.Strategy {
		return &funcStrategy{
			tickFn: func(ctx context.Context) (strategy.Snapshot, error) {
				ticks.Add(1)
				return strategy.Snapshot{Trades: int(ticks.Load())}, nil
			},
		}
	}

	h := launch(t, rig, "b1", factory, testLimits(3))

	inst, _ := rig.reg.Lookup("t1", "b1")
	if inst.State != registry.StateRunning {
		t.Fatalf("expected running, got %s", inst.State)
	}

	time.Sleep(20 * time.Millisecond)
	if ticks.Load() == 0 {
		t.Error("expected ticks to run")
	}

	if err := h.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	waitDone(t, h)

	inst, _ = rig.reg.Lookup("t1", "b1")
	if inst.State != registry.StateStopped {
		t.Errorf("expected stopped, got %s", inst.State)
	}
	if got := rig.met.Snapshot("t1").ActiveBots; got != 0 {
		t.Errorf("expected reservation released, got %d active", got)
	}
}

func TestStopIsIdempotentAndReleasesOnce(t *testing.T) {
	rig := newTestRig(t, Config{FailureThreshold: 3})
	limits := testLimits(3)

	// A second reservation makes a double release detectable.
	if err := rig.met.Reserve("t1", 100, limits); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	h := launch(t, rig, "b1", func() strategy.Strategy { return &funcStrategy{} }, limits)

	for i := 0; i < 3; i++ {
		if err := h.Stop(context.Background()); err != nil {
			t.Fatalf("Stop %d failed: %v", i, err)
		}
	}

	if got := rig.met.Snapshot("t1").ActiveBots; got != 1 {
		t.Errorf("expected exactly one release, got %d active bots", got)
	}
}

func TestConsecutiveFailuresExhaustBudget(t *testing.T) {
	rig := newTestRig(t, Config{FailureThreshold: 3})

	tickErr := errors.New("exchange unreachable")
	var ticks atomic.Int64
	factory := func() strategy.Strategy {
		return &funcStrategy{
			tickFn: func(ctx context.Context) (strategy.Snapshot, error) {
				n := ticks.Add(1)
				if n <= 5 {
					return strategy.Snapshot{}, nil
				}
				return strategy.Snapshot{}, tickErr
			},
		}
	}

	h := launch(t, rig, "b1", factory, testLimits(2))
	waitDone(t, h)

	inst, _ := rig.reg.Lookup("t1", "b1")
	if inst.State != registry.StateStopped {
		t.Errorf("expected stopped, got %s", inst.State)
	}
	if inst.RestartCount != 2 {
		t.Errorf("expected restart count 2, got %d", inst.RestartCount)
	}
	if !strings.Contains(inst.LastError, "consecutive tick failures") {
		t.Errorf("unexpected last error: %q", inst.LastError)
	}
	if got := rig.met.Snapshot("t1").ActiveBots; got != 0 {
		t.Errorf("expected reservation released, got %d", got)
	}
}

func TestSingleFailureDoesNotCrash(t *testing.T) {
	rig := newTestRig(t, Config{FailureThreshold: 3})

	var ticks atomic.Int64
	factory := func() strategy.Strategy {
		return &funcStrategy{
			tickFn: func(ctx context.Context) (strategy.Snapshot, error) {
				// Every third tick fails; never three in a row.
				if ticks.Add(1)%3 == 0 {
					return strategy.Snapshot{}, errors.New("blip")
				}
				return strategy.Snapshot{}, nil
			},
		}
	}

	h := launch(t, rig, "b1", factory, testLimits(2))
	time.Sleep(30 * time.Millisecond)

	inst, _ := rig.reg.Lookup("t1", "b1")
	if inst.State != registry.StateRunning {
		t.Errorf("intermittent failures must not crash the bot, state %s", inst.State)
	}
	if inst.RestartCount != 0 {
		t.Errorf("expected no restarts, got %d", inst.RestartCount)
	}
	h.Stop(context.Background())
}

func TestTickPanicIsContained(t *testing.T) {
	rig := newTestRig(t, Config{FailureThreshold: 1})

	factory := func() strategy.Strategy {
		return &funcStrategy{
			tickFn: func(ctx context.Context) (strategy.Snapshot, error) {
				panic("division by zero somewhere deep")
			},
		}
	}

	h := launch(t, rig, "b1", factory, testLimits(0))
	waitDone(t, h)

	inst, _ := rig.reg.Lookup("t1", "b1")
	if inst.State != registry.StateStopped {
		t.Errorf("expected stopped after panic, got %s", inst.State)
	}
	if inst.RestartCount != 0 {
		t.Errorf("budget 0 means no restarts, got %d", inst.RestartCount)
	}
	if !strings.Contains(inst.LastError, "panicked") {
		t.Errorf("expected panic recorded, got %q", inst.LastError)
	}
}

func TestStartTimeout(t *testing.T) {
	rig := newTestRig(t, Config{StartTimeout: 10 * time.Millisecond})

	inst := registry.BotInstance{BotID: "b1", TenantID: "t1", Strategy: "test", Capital: 100}
	rig.reg.Insert(inst)

	factory := func() strategy.Strategy {
		return &funcStrategy{
			startFn: func(ctx context.Context, cfg strategy.Config) error {
				<-ctx.Done()
				return ctx.Err()
			},
		}
	}

	_, err := rig.sup.Launch(context.Background(), inst, factory, strategy.Config{}, testLimits(2))
	if !errors.Is(err, ErrStartTimeout) {
		t.Fatalf("expected ErrStartTimeout, got %v", err)
	}
}

func TestPauseSuspendsTicks(t *testing.T) {
	rig := newTestRig(t, Config{FailureThreshold: 3})

	var ticks atomic.Int64
	factory := func() strategy.Strategy {
		return &funcStrategy{
			tickFn: func(ctx context.Context) (strategy.Snapshot, error) {
				ticks.Add(1)
				return strategy.Snapshot{}, nil
			},
		}
	}

	h := launch(t, rig, "b1", factory, testLimits(2))
	time.Sleep(10 * time.Millisecond)

	if err := h.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	inst, _ := rig.reg.Lookup("t1", "b1")
	if inst.State != registry.StatePaused {
		t.Fatalf("expected paused, got %s", inst.State)
	}

	time.Sleep(10 * time.Millisecond)
	before := ticks.Load()
	time.Sleep(20 * time.Millisecond)
	if got := ticks.Load(); got != before {
		t.Errorf("ticks advanced while paused: %d -> %d", before, got)
	}

	if err := h.Pause(); err == nil {
		t.Error("pausing a paused bot must fail")
	}

	if err := h.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if ticks.Load() == before {
		t.Error("ticks did not resume")
	}
	if err := h.Resume(); err == nil {
		t.Error("resuming a running bot must fail")
	}

	h.Stop(context.Background())
}

func TestRateLimitedTickIsSkippedNotFailed(t *testing.T) {
	rig := newTestRig(t, Config{FailureThreshold: 1})

	var ticks atomic.Int64
	factory := func() strategy.Strategy {
		return &funcStrategy{
			tickFn: func(ctx context.Context) (strategy.Snapshot, error) {
				ticks.Add(1)
				return strategy.Snapshot{}, nil
			},
		}
	}

	limits := testLimits(2)
	limits.MaxAPICallsPerHour = 2

	h := launch(t, rig, "b1", factory, limits)
	time.Sleep(30 * time.Millisecond)

	inst, _ := rig.reg.Lookup("t1", "b1")
	if inst.State != registry.StateRunning {
		t.Errorf("rate limited bot must stay running, got %s", inst.State)
	}
	if got := ticks.Load(); got != 2 {
		t.Errorf("expected exactly 2 ticks within the window, got %d", got)
	}

	h.Stop(context.Background())
}

func TestCrashPublishesEvents(t *testing.T) {
	rig := newTestRig(t, Config{FailureThreshold: 1})

	var crashed, fatal, stopped atomic.Int64
	rig.bus.Subscribe(events.EventBotCrashed, func(e events.Event) { crashed.Add(1) })
	rig.bus.Subscribe(events.EventBotFatal, func(e events.Event) { fatal.Add(1) })
	rig.bus.Subscribe(events.EventBotStopped, func(e events.Event) { stopped.Add(1) })

	factory := func() strategy.Strategy {
		return &funcStrategy{
			tickFn: func(ctx context.Context) (strategy.Snapshot, error) {
				return strategy.Snapshot{}, errors.New("broken")
			},
		}
	}

	h := launch(t, rig, "b1", factory, testLimits(1))
	waitDone(t, h)

	// Publish fans out on goroutines; give subscribers a beat.
	time.Sleep(20 * time.Millisecond)

	if crashed.Load() != 2 {
		t.Errorf("expected 2 crash events, got %d", crashed.Load())
	}
	if fatal.Load() != 1 {
		t.Errorf("expected 1 fatal event, got %d", fatal.Load())
	}
	if stopped.Load() != 1 {
		t.Errorf("expected 1 stopped event, got %d", stopped.Load())
	}
}
