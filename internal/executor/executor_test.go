package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/adapter"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/config"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/eventbus"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBus struct {
	mu   sync.Mutex
	sent []types.Message
	subs map[types.MessageType]eventbus.Handler
}

func (b *fakeBus) Publish(m types.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, m)
	return nil
}

func (b *fakeBus) Subscribe(_ string, kinds []types.MessageType, h eventbus.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = map[types.MessageType]eventbus.Handler{}
	}
	for _, k := range kinds {
		b.subs[k] = h
	}
	return nil
}

func (b *fakeBus) Unsubscribe(string, []types.MessageType) {}

func (b *fakeBus) ofType(t types.MessageType) []types.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []types.Message
	for _, m := range b.sent {
		if m.Type() == t {
			out = append(out, m)
		}
	}
	return out
}

func signal(side string, price, size float64) types.Message {
	return types.NewMessage(types.TradingSignal, "strategy-host", types.NewPayload(
		types.F("genome_id", "A"),
		types.F("symbol", "TEST"),
		types.F("side", side),
		types.F("size", size),
		types.F("price", price),
		types.F("ts_unix_millis", time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC).UnixMilli()),
	))
}

func newExecutor(cfg *config.Config) (*Executor, *fakeBus) {
	bus := &fakeBus{}
	return New(cfg, adapter.New(bus, ModuleID)), bus
}

func TestPaperRoundTrip(t *testing.T) {
	cfg := config.Default()
	e, bus := newExecutor(&cfg)
	require.NoError(t, e.Start())
	assert.Contains(t, bus.subs, types.TradingSignal)
	assert.Contains(t, bus.subs, types.MarketData)

	ctx := context.Background()
	require.NoError(t, e.HandleSignal(ctx, signal("buy", 100, 0.5)))

	orders := bus.ofType(types.OrderExecution)
	require.Len(t, orders, 1)
	buy := orders[0].Payload()
	assert.Equal(t, ModuleID, orders[0].Sender())
	assert.Equal(t, "buy", buy.String("side"))
	assert.Equal(t, "paper", buy.String("mode"))
	price, _ := buy.Float("price")
	assert.InDelta(t, 100.05, price, 1e-9)
	qty, _ := buy.Float("quantity")
	// size is capped at max_position_size of the equity
	assert.InDelta(t, 10000, qty*price*(1+cfg.Evaluator.CommissionRate), 1e-6)

	// a second entry while holding is ignored
	require.NoError(t, e.HandleSignal(ctx, signal("buy", 101, 0.5)))
	assert.Len(t, bus.ofType(types.OrderExecution), 1)

	require.NoError(t, e.HandleSignal(ctx, signal("sell", 110, 0)))
	require.Len(t, bus.ofType(types.OrderExecution), 2)
	assert.Greater(t, e.Equity(), cfg.Evaluator.InitialCapital)

	perf := bus.ofType(types.PerformanceMetric)
	require.Len(t, perf, 2)
	last := perf[1].Payload()
	assert.Equal(t, "A", last.String("genome_id"))
	dd, _ := last.Float("drawdown")
	assert.Equal(t, 0.0, dd)
}

func TestUnknownSideIsAnError(t *testing.T) {
	cfg := config.Default()
	e, bus := newExecutor(&cfg)
	require.Error(t, e.HandleSignal(context.Background(), signal("short", 100, 0.1)))
	assert.Empty(t, bus.ofType(types.OrderExecution))
}

func TestMarkToMarketReportsDrawdown(t *testing.T) {
	cfg := config.Default()
	cfg.Trading.MaxPositionSize = 1
	cfg.Trading.StopLossPct = 0
	e, bus := newExecutor(&cfg)
	ctx := context.Background()

	require.NoError(t, e.HandleSignal(ctx, signal("buy", 100, 1)))
	bar := types.Bar{Symbol: "TEST", Timestamp: time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC), Close: 80}
	require.NoError(t, e.HandleMarketData(ctx, types.NewMessage(types.MarketData, "feed", bar.Payload())))

	perf := bus.ofType(types.PerformanceMetric)
	require.Len(t, perf, 2)
	dd, _ := perf[1].Payload().Float("drawdown")
	assert.InDelta(t, 0.2, dd, 0.01)
	loss, _ := perf[1].Payload().Float("daily_loss")
	assert.InDelta(t, 0.2, loss, 0.01)
}

func marketBar(hour int, price float64) types.Message {
	bar := types.Bar{Symbol: "TEST", Timestamp: time.Date(2024, 1, 1, hour, 0, 0, 0, time.UTC), Close: price}
	return types.NewMessage(types.MarketData, "feed", bar.Payload())
}

func TestProtectiveExits(t *testing.T) {
	tests := []struct {
		name   string
		prices []float64
		reason string
	}{
		{"stop loss", []float64{99.5, 97}, "stop_loss"},
		{"take profit", []float64{101, 106}, "take_profit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Trading.MaxPositionSize = 1
			e, bus := newExecutor(&cfg)
			ctx := context.Background()

			require.NoError(t, e.HandleSignal(ctx, signal("buy", 100, 1)))

			// inside both limits the position is only marked
			require.NoError(t, e.HandleMarketData(ctx, marketBar(13, tt.prices[0])))
			require.Len(t, bus.ofType(types.OrderExecution), 1)

			exitBar := marketBar(14, tt.prices[1])
			require.NoError(t, e.HandleMarketData(ctx, exitBar))
			orders := bus.ofType(types.OrderExecution)
			require.Len(t, orders, 2)
			exit := orders[1].Payload()
			assert.Equal(t, "sell", exit.String("side"))
			assert.Equal(t, tt.reason, exit.String("reason"))
			assert.Equal(t, "TEST", exit.String("symbol"))
			assert.Equal(t, exitBar.ID(), exit.String("source_message_id"))

			perf := bus.ofType(types.PerformanceMetric)
			require.Len(t, perf, 3)
			pos, _ := perf[2].Payload().Float("position")
			assert.Zero(t, pos)

			// flat accounts ignore further bars
			require.NoError(t, e.HandleMarketData(ctx, marketBar(15, 50)))
			assert.Len(t, bus.ofType(types.OrderExecution), 2)
		})
	}
}

func TestProtectiveExitsDisabledAtZero(t *testing.T) {
	cfg := config.Default()
	cfg.Trading.StopLossPct = 0
	cfg.Trading.TakeProfitPct = 0
	e, bus := newExecutor(&cfg)
	ctx := context.Background()

	require.NoError(t, e.HandleSignal(ctx, signal("buy", 100, 1)))
	require.NoError(t, e.HandleMarketData(ctx, marketBar(13, 50)))
	require.NoError(t, e.HandleMarketData(ctx, marketBar(14, 200)))
	assert.Len(t, bus.ofType(types.OrderExecution), 1)
}

func TestLiveModePostsToAccountService(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/trade", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"price": 101.5})
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Trading.Mode = config.ModeLive
	cfg.AccountServiceURL = srv.URL + "/"
	e, bus := newExecutor(&cfg)

	require.NoError(t, e.HandleSignal(context.Background(), signal("buy", 100, 0.05)))
	assert.Equal(t, "buy", got["side"])
	assert.Equal(t, "A", got["genome_id"])
	assert.Equal(t, true, got["confirm"])

	orders := bus.ofType(types.OrderExecution)
	require.Len(t, orders, 1)
	price, _ := orders[0].Payload().Float("price")
	assert.Equal(t, 101.5, price)
	assert.Equal(t, "live", orders[0].Payload().String("mode"))
}

func TestLiveModeRejectedOrderLeavesAccountUntouched(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "insufficient margin"})
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Trading.Mode = config.ModeLive
	cfg.AccountServiceURL = srv.URL
	e, bus := newExecutor(&cfg)

	err := e.HandleSignal(context.Background(), signal("buy", 100, 0.05))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Empty(t, bus.sent)
	assert.Equal(t, cfg.Evaluator.InitialCapital, e.Equity())
}
