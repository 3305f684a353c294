package fitness

import (
	"context"
	"math"

	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/config"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/types"
)

// simulation is the single-position, long-only account a decision
// function trades against. Orders fill at the bar close adjusted by
// slippage; commission is charged on notional.
type simulation struct {
	cfg   config.EvaluatorConfig
	limit float64

	cash       float64
	quantity   float64
	entryPrice float64
	entryCost  float64
	entrySize  float64

	peak        float64
	prevEquity  float64
	maxDrawdown float64
	returns     []float64

	trades    int
	wins      int
	bars      int
	lastClose float64
	halted    bool
}

func newSimulation(cfg config.EvaluatorConfig, limit float64) *simulation {
	return &simulation{
		cfg:        cfg,
		limit:      limit,
		cash:       cfg.InitialCapital,
		peak:       cfg.InitialCapital,
		prevEquity: cfg.InitialCapital,
	}
}

func (s *simulation) run(ctx context.Context, decide types.DecisionFunc, bars []types.Bar) error {
	for i, bar := range bars {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.bars = i + 1
		s.lastClose = bar.Close

		d := decide(bars[:i+1:i+1], s.view())
		switch {
		case d.Action == types.Enter && s.quantity == 0:
			s.enter(bar.Close, d.Size)
		case d.Action == types.Exit && s.quantity > 0:
			s.exit(bar.Close)
		}

		drawdown := s.mark(bar.Close)
		if s.limit > 0 && drawdown > s.limit {
			// hard risk stop: flatten and stop compounding
			if s.quantity > 0 {
				s.exit(bar.Close)
				s.mark(bar.Close)
			}
			s.halted = true
			return nil
		}
	}

	if s.quantity > 0 {
		s.exit(s.lastClose)
		s.mark(s.lastClose)
	}
	return nil
}

func (s *simulation) view() types.PositionView {
	return types.PositionView{
		Open:       s.quantity > 0,
		EntryPrice: s.entryPrice,
		Size:       s.entrySize,
	}
}

func (s *simulation) enter(closePrice, size float64) {
	size = math.Min(math.Max(size, 0), 1)
	capital := s.cash * size
	if capital <= 0 {
		return
	}
	price := closePrice * (1 + s.cfg.SlippageRate)
	// commission comes out of the committed capital
	s.quantity = capital / (price * (1 + s.cfg.CommissionRate))
	s.cash -= capital
	s.entryPrice = price
	s.entryCost = capital
	s.entrySize = size
}

func (s *simulation) exit(closePrice float64) {
	price := closePrice * (1 - s.cfg.SlippageRate)
	proceeds := s.quantity * price * (1 - s.cfg.CommissionRate)
	s.cash += proceeds
	s.trades++
	if proceeds > s.entryCost {
		s.wins++
	}
	s.quantity = 0
	s.entryPrice = 0
	s.entryCost = 0
	s.entrySize = 0
}

func (s *simulation) equity(closePrice float64) float64 {
	return s.cash + s.quantity*closePrice
}

// mark records the equity at closePrice and returns the current drawdown
// from peak.
func (s *simulation) mark(closePrice float64) float64 {
	eq := s.equity(closePrice)
	if s.prevEquity > 0 {
		s.returns = append(s.returns, eq/s.prevEquity-1)
	}
	s.prevEquity = eq
	if eq > s.peak {
		s.peak = eq
	}
	drawdown := 0.0
	if s.peak > 0 {
		drawdown = (s.peak - eq) / s.peak
	}
	if drawdown > s.maxDrawdown {
		s.maxDrawdown = drawdown
	}
	return drawdown
}
