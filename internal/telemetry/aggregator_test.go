package telemetry

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"botfleet/internal/strategy"
)

func testAggregator(cfg Config) *Aggregator {
	return New(cfg, zerolog.Nop())
}

func sample(tenantID, botID string, pnl float64, trades int) Sample {
	return Sample{
		TenantID: tenantID,
		BotID:    botID,
		Strategy: "grid",
		Snapshot: strategy.Snapshot{
			RealizedPnL: pnl,
			Trades:      trades,
			Wins:        trades,
		},
		Timestamp: time.Now(),
	}
}

func TestAggregatorRollsUpPerTenant(t *testing.T) {
	a := testAggregator(Config{BufferSize: 16, FlushInterval: time.Hour})

	a.apply(sample("t1", "b1", 10, 2))
	a.apply(sample("t1", "b2", 5, 1))
	a.apply(sample("t2", "b1", 7, 3))

	ts, ok := a.TenantSummary("t1")
	if !ok {
		t.Fatal("missing tenant summary")
	}
	if ts.Bots != 2 {
		t.Errorf("expected 2 bots, got %d", ts.Bots)
	}
	if ts.TotalPnL != 15 {
		t.Errorf("expected pnl 15, got %.2f", ts.TotalPnL)
	}
	if ts.TotalTrades != 3 {
		t.Errorf("expected 3 trades, got %d", ts.TotalTrades)
	}

	sys := a.System()
	if sys.Tenants != 2 || sys.Bots != 3 {
		t.Errorf("unexpected system rollup: %+v", sys)
	}
	if sys.TotalPnL != 22 {
		t.Errorf("expected system pnl 22, got %.2f", sys.TotalPnL)
	}
}

func TestAggregatorUsesLatestSnapshotPerBot(t *testing.T) {
	a := testAggregator(Config{BufferSize: 16, FlushInterval: time.Hour})

	// Snapshots are cumulative; the rollup must not double count.
	a.apply(sample("t1", "b1", 10, 2))
	a.apply(sample("t1", "b1", 14, 3))

	ts, _ := a.TenantSummary("t1")
	if ts.TotalPnL != 14 {
		t.Errorf("expected pnl 14, got %.2f", ts.TotalPnL)
	}
	if ts.TotalTrades != 3 {
		t.Errorf("expected 3 trades, got %d", ts.TotalTrades)
	}
	if ts.Bots != 1 {
		t.Errorf("expected 1 bot, got %d", ts.Bots)
	}
}

func TestIngestNeverBlocks(t *testing.T) {
	// No drain loop running; the buffer holds 4 samples.
	a := testAggregator(Config{BufferSize: 4, FlushInterval: time.Hour})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			a.Ingest(sample("t1", "b1", float64(i), i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Ingest blocked on full buffer")
	}

	if a.dropped.Load() == 0 {
		t.Error("expected drops on overflow")
	}
}

func TestStopDrainsQueuedSamples(t *testing.T) {
	a := testAggregator(Config{BufferSize: 64, FlushInterval: time.Hour})
	a.Start()

	for i := 1; i <= 10; i++ {
		a.Ingest(sample("t1", "b1", float64(i), i))
	}
	a.Stop()

	ts, ok := a.TenantSummary("t1")
	if !ok {
		t.Fatal("missing tenant summary after stop")
	}
	if ts.TotalTrades != 10 {
		t.Errorf("expected all samples applied, got %d trades", ts.TotalTrades)
	}
}

type capturePublisher struct {
	mu        sync.Mutex
	summaries []TenantSummary
}

func (p *capturePublisher) PublishSummary(s TenantSummary) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.summaries = append(p.summaries, s)
}

func TestFlushPublishesSummaries(t *testing.T) {
	pub := &capturePublisher{}
	a := testAggregator(Config{BufferSize: 16, FlushInterval: time.Hour, Publisher: pub})

	a.apply(sample("t1", "b1", 3, 1))
	a.flush()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.summaries) != 1 || pub.summaries[0].TenantID != "t1" {
		t.Errorf("unexpected published summaries: %+v", pub.summaries)
	}
}

func TestSummariesAreCopies(t *testing.T) {
	a := testAggregator(Config{BufferSize: 16, FlushInterval: time.Hour})
	a.apply(sample("t1", "b1", 3, 1))

	ts, _ := a.TenantSummary("t1")
	ts.PerBot["rogue"] = BotStat{}

	fresh, _ := a.TenantSummary("t1")
	if len(fresh.PerBot) != 1 {
		t.Error("returned summary must not alias internal state")
	}
}

func TestForget(t *testing.T) {
	a := testAggregator(Config{})
	a.apply(sample("t1", "b1", 3, 1))
	a.Forget("t1")
	if _, ok := a.TenantSummary("t1"); ok {
		t.Error("expected tenant forgotten")
	}
}
