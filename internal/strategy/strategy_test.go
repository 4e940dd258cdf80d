package strategy

import (
	"context"
	"encoding/json"
	"testing"
)

func TestRegistryRegisterAndNew(t *testing.T) {
	r := NewRegistry()

	if err := r.Register("grid", NewGridBot); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if !r.Known("grid") {
		t.Error("expected grid to be known")
	}
	if r.Known("momentum") {
		t.Error("momentum should not be known")
	}

	s, err := r.New("grid")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if s == nil {
		t.Fatal("New returned nil strategy")
	}

	if _, err := r.New("momentum"); err == nil {
		t.Error("expected error for unknown tag")
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()

	if err := r.Register("scalp", NewScalpBot); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register("scalp", NewScalpBot); err == nil {
		t.Error("expected duplicate registration to fail")
	}
	if err := r.Register("", NewScalpBot); err == nil {
		t.Error("expected empty tag to fail")
	}
	if err := r.Register("other", nil); err == nil {
		t.Error("expected nil factory to fail")
	}
}

func TestRegistryTagsSorted(t *testing.T) {
	r := NewRegistry()
	r.Register("scalp", NewScalpBot)
	r.Register("grid", NewGridBot)

	tags := r.Tags()
	if len(tags) != 2 || tags[0] != "grid" || tags[1] != "scalp" {
		t.Errorf("unexpected tags: %v", tags)
	}
}

func TestRegistryNewReturnsFreshInstances(t *testing.T) {
	r := NewRegistry()
	r.Register("grid", NewGridBot)

	a, _ := r.New("grid")
	b, _ := r.New("grid")
	if a == b {
		t.Error("expected distinct instances")
	}
}

func TestGridBotLifecycle(t *testing.T) {
	ctx := context.Background()
	bot := NewGridBot()

	cfg := Config{
		TenantID: "tenant-1",
		BotID:    "bot-1",
		Capital:  1000,
	}
	if err := bot.Start(ctx, cfg); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var last Snapshot
	for i := 0; i < 10; i++ {
		snap, err := bot.Tick(ctx)
		if err != nil {
			t.Fatalf("Tick %d failed: %v", i, err)
		}
		last = snap
	}

	if last.Trades == 0 {
		t.Error("expected at least one trade after 10 ticks")
	}
	if last.Timestamp.IsZero() {
		t.Error("snapshot timestamp not set")
	}
	if err := bot.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestGridBotRejectsBadParams(t *testing.T) {
	bot := NewGridBot()
	cfg := Config{
		Capital: 500,
		Params:  json.RawMessage(`{"levels": 0}`),
	}
	if err := bot.Start(context.Background(), cfg); err == nil {
		t.Error("expected error for zero levels")
	}

	bot = NewGridBot()
	cfg.Params = json.RawMessage(`{not json`)
	if err := bot.Start(context.Background(), cfg); err == nil {
		t.Error("expected error for malformed params")
	}
}

func TestScalpBotWinLossCadence(t *testing.T) {
	ctx := context.Background()
	bot := NewScalpBot()

	cfg := Config{
		Capital: 2000,
		Params:  json.RawMessage(`{"win_every": 4}`),
	}
	if err := bot.Start(ctx, cfg); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var last Snapshot
	for i := 0; i < 8; i++ {
		snap, err := bot.Tick(ctx)
		if err != nil {
			t.Fatalf("Tick failed: %v", err)
		}
		last = snap
	}

	if last.Trades != 8 {
		t.Errorf("expected 8 trades, got %d", last.Trades)
	}
	if last.Wins != 6 || last.Losses != 2 {
		t.Errorf("expected 6 wins and 2 losses, got %d/%d", last.Wins, last.Losses)
	}
	if got := last.WinRate(); got != 75.0 {
		t.Errorf("expected 75%% win rate, got %.2f", got)
	}
}

func TestTickHonorsContextCancellation(t *testing.T) {
	bot := NewScalpBot()
	if err := bot.Start(context.Background(), Config{Capital: 100}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := bot.Tick(ctx); err == nil {
		t.Error("expected error from cancelled context")
	}
}

func TestFootprintsArePositive(t *testing.T) {
	for _, s := range []Strategy{NewGridBot(), NewScalpBot()} {
		if fp := s.Footprint(); fp.APICallsPerTick <= 0 {
			t.Errorf("%T: footprint must be positive, got %d", s, fp.APICallsPerTick)
		}
	}
}
