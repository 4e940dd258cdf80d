package strategy

import (
	"context"
	"encoding/json"
	"time"
)

// Strategy is the contract every pluggable bot implementation must
// satisfy. The supervisor owns the tick schedule; implementations only
// do one unit of work per Tick call and must honor ctx cancellation in
// any blocking operation.
type Strategy interface {
	// Start prepares the strategy for trading (connect, warm caches,
	// place initial grid orders). Bounded by the supervisor's start timeout.
	Start(ctx context.Context, cfg Config) error

	// Tick performs one decision/execution step and returns a status
	// snapshot. An error counts toward the supervisor's crash policy.
	Tick(ctx context.Context) (Snapshot, error)

	// Stop releases exchange-side resources (cancel open orders, close
	// streams). ctx carries the grace deadline; past it the supervisor
	// terminates the unit regardless.
	Stop(ctx context.Context) error

	// Footprint reports the strategy's expected resource consumption,
	// used by the supervisor to charge the tenant's API-call budget.
	Footprint() Footprint
}

// Config carries everything a strategy instance needs. Params is opaque
// to the orchestration layer.
type Config struct {
	TenantID    string          `json:"tenant_id"`
	BotID       string          `json:"bot_id"`
	Capital     float64         `json:"capital"`
	Params      json.RawMessage `json:"params,omitempty"`
	Credentials Credentials     `json:"-"`
}

// Credentials holds per-tenant exchange API keys, resolved by the
// secrets collaborator just before start. Never serialized.
type Credentials struct {
	APIKey    string
	SecretKey string
	IsTestnet bool
}

// Footprint describes a strategy's per-tick resource needs
type Footprint struct {
	APICallsPerTick int
}

// Snapshot is the per-tick status report consumed by the telemetry
// aggregator. Strategies fill what they know; zero values are fine.
type Snapshot struct {
	Balance     float64   `json:"balance"`
	RealizedPnL float64   `json:"realized_pnl"`
	Trades      int       `json:"trades"`
	Wins        int       `json:"wins"`
	Losses      int       `json:"losses"`
	OpenOrders  int       `json:"open_orders"`
	Timestamp   time.Time `json:"timestamp"`
}

// WinRate returns the fraction of winning trades, 0 when no trades closed
func (s Snapshot) WinRate() float64 {
	closed := s.Wins + s.Losses
	if closed == 0 {
		return 0
	}
	return float64(s.Wins) / float64(closed)
}
