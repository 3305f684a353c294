package marketdata

import (
	"math"
	"math/rand"
	"time"

	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/types"
)

// SyntheticConfig parameterizes a seeded geometric random walk.
type SyntheticConfig struct {
	Symbol     string
	Seed       int64
	Bars       int
	Start      time.Time
	Interval   time.Duration
	StartPrice float64
	Drift      float64 // per-bar mean log return
	Volatility float64 // per-bar stddev of log return
	BaseVolume float64
}

// NewSynthetic generates the whole series up front, so equal configs
// always serve identical windows.
func NewSynthetic(cfg SyntheticConfig) *Static {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.StartPrice <= 0 {
		cfg.StartPrice = 100
	}
	if cfg.BaseVolume <= 0 {
		cfg.BaseVolume = 1000
	}
	if cfg.Start.IsZero() {
		cfg.Start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	bars := make([]types.Bar, cfg.Bars)
	price := cfg.StartPrice
	for i := range bars {
		open := price
		price *= math.Exp(cfg.Drift + cfg.Volatility*rng.NormFloat64())
		spread := math.Abs(price-open) + open*cfg.Volatility*0.5
		bars[i] = types.Bar{
			Symbol:    cfg.Symbol,
			Timestamp: cfg.Start.Add(time.Duration(i) * cfg.Interval),
			Open:      open,
			High:      math.Max(open, price) + spread*rng.Float64(),
			Low:       math.Max(0.01, math.Min(open, price)-spread*rng.Float64()),
			Close:     price,
			Volume:    cfg.BaseVolume * (0.5 + rng.Float64()),
		}
	}
	return NewStatic(bars)
}
