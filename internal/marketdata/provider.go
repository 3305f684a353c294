package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/types"
)

// Provider returns the ordered bars in [start, end]. A zero start or end
// leaves that side open. Failures wrap types.ErrInvalidWindow.
type Provider interface {
	GetWindow(ctx context.Context, start, end time.Time) ([]types.Bar, error)
}

// Static serves a fixed bar series.
type Static struct {
	bars []types.Bar
}

func NewStatic(bars []types.Bar) *Static {
	return &Static{bars: append([]types.Bar(nil), bars...)}
}

func (s *Static) GetWindow(ctx context.Context, start, end time.Time) ([]types.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := slice(s.bars, start, end)
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no bars between %s and %s", types.ErrInvalidWindow, start, end)
	}
	return out, nil
}

func slice(bars []types.Bar, start, end time.Time) []types.Bar {
	out := make([]types.Bar, 0, len(bars))
	for _, b := range bars {
		if !start.IsZero() && b.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && b.Timestamp.After(end) {
			continue
		}
		out = append(out, b)
	}
	return out
}

// Replay publishes bars as MARKET_DATA messages, pacing them by interval
// (zero publishes as fast as the bus accepts).
func Replay(ctx context.Context, bars []types.Bar, sender string, interval time.Duration, publish func(types.Message) error) error {
	for _, b := range bars {
		if err := publish(types.NewMessage(types.MarketData, sender, b.Payload())); err != nil {
			return fmt.Errorf("publish bar: %w", err)
		}
		if interval <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return nil
}
