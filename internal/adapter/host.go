package adapter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/genome"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/strategies"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/types"
	"github.com/rs/zerolog/log"
)

type activeStrategy struct {
	genome genome.Genome
	decide types.DecisionFunc
}

// StrategyHost runs the currently promoted genome against live market
// data. A STRATEGY_UPDATE swaps the decision function atomically; bars
// in flight finish with the function they started with.
type StrategyHost struct {
	mod      *BusAdapter
	registry *strategies.Registry
	symbol   string
	capacity int

	active atomic.Pointer[activeStrategy]

	mu      sync.Mutex
	history []types.Bar
	pos     types.PositionView
}

// NewStrategyHost keeps up to capacity bars of history for symbol (any
// symbol when empty).
func NewStrategyHost(mod *BusAdapter, registry *strategies.Registry, symbol string, capacity int) *StrategyHost {
	if capacity < 2 {
		capacity = 2
	}
	return &StrategyHost{mod: mod, registry: registry, symbol: symbol, capacity: capacity}
}

func (h *StrategyHost) Start() error {
	if err := h.mod.OnMessage([]types.MessageType{types.StrategyUpdate}, h.HandleUpdate); err != nil {
		return err
	}
	return h.mod.OnMessage([]types.MessageType{types.MarketData}, h.HandleMarketData)
}

// Active returns the genome currently trading.
func (h *StrategyHost) Active() (genome.Genome, bool) {
	a := h.active.Load()
	if a == nil {
		return genome.Genome{}, false
	}
	return a.genome, true
}

func (h *StrategyHost) HandleUpdate(_ context.Context, msg types.Message) error {
	g, err := genome.FromPayload(msg.Payload())
	if err != nil {
		return fmt.Errorf("strategy update %s: %w", msg.ID(), err)
	}
	species, err := h.registry.Get(g.Species)
	if err != nil {
		return err
	}
	decide, err := species.Decode(g)
	if err != nil {
		return fmt.Errorf("decode genome %s: %w", g.ID, err)
	}

	prev := h.active.Swap(&activeStrategy{genome: g, decide: decide})
	if prev != nil && prev.genome.ID == g.ID {
		return nil
	}
	log.Info().
		Str("module", h.mod.ID()).
		Str("genome_id", g.ID).
		Str("species", g.Species).
		Msg("Hot-swapped active strategy")
	return nil
}

func (h *StrategyHost) HandleMarketData(_ context.Context, msg types.Message) error {
	bar, ok := types.BarFromPayload(msg.Payload(), msg.Timestamp())
	if !ok {
		return fmt.Errorf("market data %s has no close price", msg.ID())
	}
	if h.symbol != "" && bar.Symbol != h.symbol {
		return nil
	}

	h.mu.Lock()
	if n := len(h.history); n > 0 && !bar.Timestamp.After(h.history[n-1].Timestamp) {
		h.mu.Unlock()
		return nil
	}
	h.history = append(h.history, bar)
	if len(h.history) > h.capacity {
		h.history = append([]types.Bar(nil), h.history[len(h.history)-h.capacity:]...)
	}

	active := h.active.Load()
	if active == nil {
		h.mu.Unlock()
		return nil
	}
	history := h.history[:len(h.history):len(h.history)]
	d := active.decide(history, h.pos)

	var side string
	switch {
	case d.Action == types.Enter && !h.pos.Open:
		side = types.Enter.String()
		h.pos = types.PositionView{Open: true, EntryPrice: bar.Close, Size: d.Size}
	case d.Action == types.Exit && h.pos.Open:
		side = types.Exit.String()
		d.Size = h.pos.Size
		h.pos = types.PositionView{}
	}
	h.mu.Unlock()

	if side == "" {
		return nil
	}
	return h.mod.Emit(types.TradingSignal, types.NewPayload(
		types.F("genome_id", active.genome.ID),
		types.F("symbol", bar.Symbol),
		types.F("side", side),
		types.F("size", d.Size),
		types.F("price", bar.Close),
		types.F("score", d.Score),
		types.F("ts_unix_millis", bar.Timestamp.UnixMilli()),
	))
}
