package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/types"
	"github.com/rs/zerolog/log"
)

// Feed is a rolling window built from MARKET_DATA messages. Subscribe
// Handle on the bus and use the feed as the evaluator's Provider.
type Feed struct {
	mu       sync.RWMutex
	bars     []types.Bar
	capacity int
	symbol   string
}

// NewFeed keeps at most capacity bars. An empty symbol accepts any.
func NewFeed(capacity int, symbol string) *Feed {
	if capacity <= 0 {
		capacity = 1
	}
	return &Feed{capacity: capacity, symbol: symbol}
}

func (f *Feed) Handle(_ context.Context, msg types.Message) error {
	if msg.Type() != types.MarketData {
		return nil
	}
	bar, ok := types.BarFromPayload(msg.Payload(), msg.Timestamp())
	if !ok {
		return fmt.Errorf("market data %s has no close price", msg.ID())
	}
	if f.symbol != "" && bar.Symbol != f.symbol {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if n := len(f.bars); n > 0 && !bar.Timestamp.After(f.bars[n-1].Timestamp) {
		log.Debug().
			Str("message_id", msg.ID()).
			Time("bar", bar.Timestamp).
			Msg("Dropping out-of-order bar")
		return nil
	}
	f.bars = append(f.bars, bar)
	if len(f.bars) > f.capacity {
		f.bars = append([]types.Bar(nil), f.bars[len(f.bars)-f.capacity:]...)
	}
	return nil
}

func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.bars)
}

func (f *Feed) GetWindow(ctx context.Context, start, end time.Time) ([]types.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	out := slice(f.bars, start, end)
	f.mu.RUnlock()

	if len(out) == 0 {
		return nil, fmt.Errorf("%w: feed has no bars in range", types.ErrInvalidWindow)
	}
	return out, nil
}
