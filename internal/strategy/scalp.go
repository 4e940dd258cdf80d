package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ScalpParams configures the scalp strategy.
type ScalpParams struct {
	TakeProfitPct float64 `json:"take_profit_pct"`
	StopLossPct   float64 `json:"stop_loss_pct"`
	PositionUSD   float64 `json:"position_usd"`
	WinEvery      int     `json:"win_every"` // every Nth trade loses
}

func defaultScalpParams() ScalpParams {
	return ScalpParams{
		TakeProfitPct: 0.004,
		StopLossPct:   0.002,
		PositionUSD:   50,
		WinEvery:      4,
	}
}

// ScalpBot opens and closes one paper position per tick. Outcomes
// follow a fixed win/loss cadence so that pnl stays predictable in
// tests and demos.
type ScalpBot struct {
	params  ScalpParams
	tickSeq int

	snapshot Snapshot
}

// NewScalpBot returns a fresh scalp strategy instance
func NewScalpBot() Strategy {
	return &ScalpBot{}
}

func (s *ScalpBot) Start(ctx context.Context, cfg Config) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.params = defaultScalpParams()
	if len(cfg.Params) > 0 {
		if err := json.Unmarshal(cfg.Params, &s.params); err != nil {
			return fmt.Errorf("scalp params: %w", err)
		}
	}
	if s.params.WinEvery < 2 {
		return fmt.Errorf("scalp params: win_every must be at least 2")
	}
	if s.params.TakeProfitPct <= 0 || s.params.StopLossPct <= 0 {
		return fmt.Errorf("scalp params: take_profit_pct and stop_loss_pct must be positive")
	}

	s.snapshot = Snapshot{Balance: cfg.Capital}
	return nil
}

func (s *ScalpBot) Tick(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	s.tickSeq++
	s.snapshot.Trades++

	var net float64
	if s.tickSeq%s.params.WinEvery == 0 {
		net = -s.params.PositionUSD * s.params.StopLossPct
		s.snapshot.Losses++
	} else {
		net = s.params.PositionUSD * s.params.TakeProfitPct
		s.snapshot.Wins++
	}

	s.snapshot.RealizedPnL += net
	s.snapshot.Balance += net
	s.snapshot.Timestamp = time.Now()
	return s.snapshot, nil
}

func (s *ScalpBot) Stop(ctx context.Context) error {
	return ctx.Err()
}

func (s *ScalpBot) Footprint() Footprint {
	// Entry order, exit order and a price read per tick.
	return Footprint{APICallsPerTick: 3}
}
