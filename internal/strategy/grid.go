package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// GridParams configures the grid strategy. Defaults keep the demo
// numerically tame when a tenant supplies no params.
type GridParams struct {
	Levels       int     `json:"levels"`        // number of grid levels each side
	SpacingPct   float64 `json:"spacing_pct"`   // distance between levels
	OrderSizeUSD float64 `json:"order_size_usd"`
	FeeRate      float64 `json:"fee_rate"`
}

func defaultGridParams() GridParams {
	return GridParams{
		Levels:       6,
		SpacingPct:   0.008,
		OrderSizeUSD: 20,
		FeeRate:      0.0004,
	}
}

// GridBot places a ladder of paper orders around a reference price and
// books the spread whenever the simulated price crosses a level. The
// math is intentionally simple; real exchange access lives behind the
// strategy contract, not here.
type GridBot struct {
	params  GridParams
	capital float64

	center  float64
	price   float64
	tickSeq int

	snapshot Snapshot
}

// NewGridBot returns a fresh grid strategy instance
func NewGridBot() Strategy {
	return &GridBot{}
}

func (g *GridBot) Start(ctx context.Context, cfg Config) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	g.params = defaultGridParams()
	if len(cfg.Params) > 0 {
		if err := json.Unmarshal(cfg.Params, &g.params); err != nil {
			return fmt.Errorf("grid params: %w", err)
		}
	}
	if g.params.Levels <= 0 || g.params.SpacingPct <= 0 {
		return fmt.Errorf("grid params: levels and spacing_pct must be positive")
	}

	g.capital = cfg.Capital
	g.center = 100.0
	g.price = g.center
	g.snapshot = Snapshot{
		Balance:    cfg.Capital,
		OpenOrders: g.params.Levels * 2,
	}
	return nil
}

func (g *GridBot) Tick(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	g.tickSeq++

	// Deterministic pseudo price walk: an oscillation wide enough to
	// cross a grid level roughly every other tick.
	g.price = g.center * (1 + 1.5*g.params.SpacingPct*math.Sin(float64(g.tickSeq)))

	levelsCrossed := int(math.Abs(g.price-g.center) / (g.center * g.params.SpacingPct))
	if levelsCrossed > g.params.Levels {
		levelsCrossed = g.params.Levels
	}

	for i := 0; i < levelsCrossed; i++ {
		gross := g.params.OrderSizeUSD * g.params.SpacingPct
		fee := g.params.OrderSizeUSD * g.params.FeeRate * 2
		net := gross - fee

		g.snapshot.Trades++
		g.snapshot.RealizedPnL += net
		g.snapshot.Balance += net
		if net >= 0 {
			g.snapshot.Wins++
		} else {
			g.snapshot.Losses++
		}
	}

	g.snapshot.Timestamp = time.Now()
	return g.snapshot, nil
}

func (g *GridBot) Stop(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// Cancel the paper ladder.
	g.snapshot.OpenOrders = 0
	return nil
}

func (g *GridBot) Footprint() Footprint {
	// One price read plus level maintenance per tick.
	return Footprint{APICallsPerTick: 2}
}
