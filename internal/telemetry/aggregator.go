package telemetry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"botfleet/internal/strategy"
)

// Sample is one bot's snapshot as reported by its supervision loop.
type Sample struct {
	TenantID  string
	BotID     string
	Strategy  string
	Snapshot  strategy.Snapshot
	Timestamp time.Time
}

// TenantSummary aggregates every sample seen for one tenant's bots.
type TenantSummary struct {
	TenantID    string             `json:"tenant_id"`
	Bots        int                `json:"bots"`
	TotalPnL    float64            `json:"total_pnl"`
	TotalTrades int                `json:"total_trades"`
	TotalWins   int                `json:"total_wins"`
	TotalLosses int                `json:"total_losses"`
	PerBot      map[string]BotStat `json:"per_bot"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// BotStat is the latest snapshot retained per bot.
type BotStat struct {
	Strategy    string    `json:"strategy"`
	Balance     float64   `json:"balance"`
	RealizedPnL float64   `json:"realized_pnl"`
	Trades      int       `json:"trades"`
	Wins        int       `json:"wins"`
	Losses      int       `json:"losses"`
	OpenOrders  int       `json:"open_orders"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SystemSummary is the fleet-wide rollup.
type SystemSummary struct {
	Tenants     int       `json:"tenants"`
	Bots        int       `json:"bots"`
	TotalPnL    float64   `json:"total_pnl"`
	TotalTrades int       `json:"total_trades"`
	Dropped     uint64    `json:"dropped_samples"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Publisher receives each tenant summary after a flush. Implementations
// must not block; the cache publisher tolerates backend outages.
type Publisher interface {
	PublishSummary(summary TenantSummary)
}

// Aggregator ingests samples through a bounded channel so that bot
// loops never block on telemetry. When the buffer is full the oldest
// sample is dropped to make room; accuracy yields to liveness here.
type Aggregator struct {
	in     chan Sample
	logger zerolog.Logger
	pub    Publisher

	mu      sync.RWMutex
	tenants map[string]*TenantSummary
	dropped atomic.Uint64

	flushEvery time.Duration
	stopChan   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// Config sizes the aggregator. Zero values fall back to defaults.
type Config struct {
	BufferSize    int
	FlushInterval time.Duration
	Publisher     Publisher
}

// New creates an Aggregator. Call Start to begin draining samples.
func New(cfg Config, logger zerolog.Logger) *Aggregator {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	return &Aggregator{
		in:         make(chan Sample, cfg.BufferSize),
		logger:     logger.With().Str("component", "TelemetryAggregator").Logger(),
		pub:        cfg.Publisher,
		tenants:    make(map[string]*TenantSummary),
		flushEvery: cfg.FlushInterval,
		stopChan:   make(chan struct{}),
	}
}

// Ingest offers a sample without ever blocking the caller. On a full
// buffer the oldest queued sample is discarded and the new one queued.
func (a *Aggregator) Ingest(s Sample) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	for {
		select {
		case a.in <- s:
			return
		default:
		}
		select {
		case <-a.in:
			a.dropped.Add(1)
		default:
		}
	}
}

// Start launches the drain and flush loop.
func (a *Aggregator) Start() {
	a.wg.Add(1)
	go a.run()
}

func (a *Aggregator) run() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case s := <-a.in:
			a.apply(s)
		case <-ticker.C:
			a.flush()
		case <-a.stopChan:
			// Drain whatever is queued, then emit a final flush.
			for {
				select {
				case s := <-a.in:
					a.apply(s)
				default:
					a.flush()
					return
				}
			}
		}
	}
}

func (a *Aggregator) apply(s Sample) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ts, ok := a.tenants[s.TenantID]
	if !ok {
		ts = &TenantSummary{
			TenantID: s.TenantID,
			PerBot:   make(map[string]BotStat),
		}
		a.tenants[s.TenantID] = ts
	}

	prev := ts.PerBot[s.BotID]
	ts.TotalPnL += s.Snapshot.RealizedPnL - prev.RealizedPnL
	ts.TotalTrades += s.Snapshot.Trades - prev.Trades
	ts.TotalWins += s.Snapshot.Wins - prev.Wins
	ts.TotalLosses += s.Snapshot.Losses - prev.Losses

	ts.PerBot[s.BotID] = BotStat{
		Strategy:    s.Strategy,
		Balance:     s.Snapshot.Balance,
		RealizedPnL: s.Snapshot.RealizedPnL,
		Trades:      s.Snapshot.Trades,
		Wins:        s.Snapshot.Wins,
		Losses:      s.Snapshot.Losses,
		OpenOrders:  s.Snapshot.OpenOrders,
		UpdatedAt:   s.Timestamp,
	}
	ts.Bots = len(ts.PerBot)
	ts.UpdatedAt = s.Timestamp
}

func (a *Aggregator) flush() {
	summaries := a.TenantSummaries()
	for _, ts := range summaries {
		a.logger.Debug().
			Str("tenant_id", ts.TenantID).
			Int("bots", ts.Bots).
			Float64("total_pnl", ts.TotalPnL).
			Int("total_trades", ts.TotalTrades).
			Msg("Telemetry flush")
		if a.pub != nil {
			a.pub.PublishSummary(ts)
		}
	}
}

// TenantSummary returns a deep copy of one tenant's rollup.
func (a *Aggregator) TenantSummary(tenantID string) (TenantSummary, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	ts, ok := a.tenants[tenantID]
	if !ok {
		return TenantSummary{}, false
	}
	return copySummary(*ts), true
}

// TenantSummaries returns deep copies of every tenant rollup.
func (a *Aggregator) TenantSummaries() []TenantSummary {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]TenantSummary, 0, len(a.tenants))
	for _, ts := range a.tenants {
		out = append(out, copySummary(*ts))
	}
	return out
}

func copySummary(ts TenantSummary) TenantSummary {
	perBot := make(map[string]BotStat, len(ts.PerBot))
	for k, v := range ts.PerBot {
		perBot[k] = v
	}
	ts.PerBot = perBot
	return ts
}

// System returns the fleet-wide rollup.
func (a *Aggregator) System() SystemSummary {
	a.mu.RLock()
	defer a.mu.RUnlock()

	sys := SystemSummary{
		Tenants:   len(a.tenants),
		Dropped:   a.dropped.Load(),
		UpdatedAt: time.Now(),
	}
	for _, ts := range a.tenants {
		sys.Bots += ts.Bots
		sys.TotalPnL += ts.TotalPnL
		sys.TotalTrades += ts.TotalTrades
	}
	return sys
}

// Forget drops a tenant's rollup, used when a tenant is offboarded.
func (a *Aggregator) Forget(tenantID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.tenants, tenantID)
}

// Stop drains remaining samples, flushes once more and waits for the
// loop to exit.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() { close(a.stopChan) })
	a.wg.Wait()
}
