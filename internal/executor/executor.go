package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/adapter"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/config"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/metrics"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/types"
	"github.com/rs/zerolog/log"
)

const ModuleID = "executor"

// Fill is one executed order.
type Fill struct {
	OrderID    string
	GenomeID   string
	Symbol     string
	Side       string
	Quantity   float64
	Price      float64
	Commission float64
}

// Executor turns TRADING_SIGNAL messages into fills and reports them as
// ORDER_EXECUTION plus a PERFORMANCE_METRIC for the account. Backtest
// and paper modes fill locally; live mode places the order with the
// account service first.
type Executor struct {
	mod        *adapter.BusAdapter
	trading    config.TradingConfig
	commission float64
	slippage   float64
	accountURL string
	httpClient *http.Client

	mu         sync.Mutex
	cash       float64
	quantity   float64
	entryPrice float64
	entryCost  float64
	lastPrice  float64
	peak       float64
	day        string
	dayStart   float64
	genomeID   string
	symbol     string
}

func New(cfg *config.Config, mod *adapter.BusAdapter) *Executor {
	return &Executor{
		mod:        mod,
		trading:    cfg.Trading,
		commission: cfg.Evaluator.CommissionRate,
		slippage:   cfg.Evaluator.SlippageRate,
		accountURL: strings.TrimRight(cfg.AccountServiceURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		cash:     cfg.Evaluator.InitialCapital,
		peak:     cfg.Evaluator.InitialCapital,
		dayStart: cfg.Evaluator.InitialCapital,
	}
}

func (e *Executor) Start() error {
	if err := e.mod.OnMessage([]types.MessageType{types.TradingSignal}, e.HandleSignal); err != nil {
		return err
	}
	return e.mod.OnMessage([]types.MessageType{types.MarketData}, e.HandleMarketData)
}

// Equity marks the account at the last seen price.
func (e *Executor) Equity() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.equity()
}

func (e *Executor) equity() float64 {
	return e.cash + e.quantity*e.lastPrice
}

func (e *Executor) HandleSignal(ctx context.Context, msg types.Message) error {
	p := msg.Payload()
	side := p.String("side")
	price, ok := p.Float("price")
	if !ok || price <= 0 {
		return fmt.Errorf("signal %s has no price", msg.ID())
	}
	size, _ := p.Float("size")
	at := msg.Timestamp()
	if ts, ok := p.Float("ts_unix_millis"); ok {
		at = time.UnixMilli(int64(ts))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.genomeID = p.String("genome_id")
	e.lastPrice = price
	e.rollDay(at)

	var fill Fill
	switch side {
	case types.Enter.String():
		if e.quantity > 0 {
			return nil
		}
		size = math.Min(size, e.trading.MaxPositionSize)
		capital := e.cash * size
		if capital <= 0 {
			return nil
		}
		fillPrice := price * (1 + e.slippage)
		fill = Fill{Side: side, Quantity: capital / (fillPrice * (1 + e.commission)), Price: fillPrice}
	case types.Exit.String():
		if e.quantity == 0 {
			return nil
		}
		fill = Fill{Side: side, Quantity: e.quantity, Price: price * (1 - e.slippage)}
	default:
		return fmt.Errorf("signal %s has unknown side %q", msg.ID(), side)
	}
	fill.Symbol = p.String("symbol")
	return e.execute(ctx, fill, msg.ID(), "signal")
}

// execute places, books and reports one fill. Called with mu held.
func (e *Executor) execute(ctx context.Context, fill Fill, sourceID, reason string) error {
	fill.OrderID = uuid.NewString()
	fill.GenomeID = e.genomeID

	if e.trading.Mode == config.ModeLive {
		executed, err := e.placeOrder(ctx, fill)
		if err != nil {
			return err
		}
		fill.Price = executed
	}
	fill.Commission = fill.Quantity * fill.Price * e.commission

	e.apply(fill)
	metrics.OrdersTotal.WithLabelValues(string(e.trading.Mode), fill.Side).Inc()

	log.Info().
		Str("mode", string(e.trading.Mode)).
		Str("genome_id", fill.GenomeID).
		Str("symbol", fill.Symbol).
		Str("side", fill.Side).
		Str("reason", reason).
		Float64("price", fill.Price).
		Float64("quantity", fill.Quantity).
		Msg("Order filled")

	if err := e.mod.Emit(types.OrderExecution, types.NewPayload(
		types.F("order_id", fill.OrderID),
		types.F("genome_id", fill.GenomeID),
		types.F("symbol", fill.Symbol),
		types.F("side", fill.Side),
		types.F("quantity", fill.Quantity),
		types.F("price", fill.Price),
		types.F("commission", fill.Commission),
		types.F("mode", string(e.trading.Mode)),
		types.F("reason", reason),
		types.F("source_message_id", sourceID),
	)); err != nil {
		return err
	}
	return e.report()
}

func (e *Executor) apply(f Fill) {
	if f.Side == types.Enter.String() {
		cost := f.Quantity*f.Price + f.Commission
		e.cash -= cost
		e.quantity = f.Quantity
		e.entryPrice = f.Price
		e.entryCost = cost
		e.symbol = f.Symbol
		return
	}
	e.cash += f.Quantity*f.Price - f.Commission
	e.quantity = 0
	e.entryPrice = 0
	e.entryCost = 0
}

// HandleMarketData marks an open position and reports it. A close past
// the configured stop loss or take profit exits the position.
func (e *Executor) HandleMarketData(ctx context.Context, msg types.Message) error {
	bar, ok := types.BarFromPayload(msg.Payload(), msg.Timestamp())
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastPrice = bar.Close
	e.rollDay(bar.Timestamp)
	if e.quantity == 0 {
		return nil
	}
	if e.symbol != "" && bar.Symbol != "" && bar.Symbol != e.symbol {
		return nil
	}
	if reason := e.protectiveExit(bar.Close); reason != "" {
		fill := Fill{Side: types.Exit.String(), Symbol: e.symbol, Quantity: e.quantity, Price: bar.Close * (1 - e.slippage)}
		return e.execute(ctx, fill, msg.ID(), reason)
	}
	return e.report()
}

// protectiveExit names the limit price crosses relative to the entry,
// or returns "". A zero percentage disables that limit.
func (e *Executor) protectiveExit(price float64) string {
	if e.entryPrice <= 0 {
		return ""
	}
	change := price/e.entryPrice - 1
	switch {
	case e.trading.StopLossPct > 0 && change <= -e.trading.StopLossPct:
		return "stop_loss"
	case e.trading.TakeProfitPct > 0 && change >= e.trading.TakeProfitPct:
		return "take_profit"
	}
	return ""
}

func (e *Executor) rollDay(at time.Time) {
	day := at.UTC().Format("2006-01-02")
	if day != e.day {
		e.day = day
		e.dayStart = e.equity()
	}
}

// report publishes the account state. Called with mu held.
func (e *Executor) report() error {
	eq := e.equity()
	if eq > e.peak {
		e.peak = eq
	}
	drawdown := 0.0
	if e.peak > 0 {
		drawdown = (e.peak - eq) / e.peak
	}
	dailyLoss := 0.0
	if e.dayStart > 0 && eq < e.dayStart {
		dailyLoss = (e.dayStart - eq) / e.dayStart
	}

	return e.mod.Emit(types.PerformanceMetric, types.NewPayload(
		types.F("genome_id", e.genomeID),
		types.F("equity", eq),
		types.F("drawdown", drawdown),
		types.F("daily_loss", dailyLoss),
		types.F("position", e.quantity),
	))
}

func (e *Executor) placeOrder(ctx context.Context, f Fill) (float64, error) {
	// Build request payload
	payload := map[string]interface{}{
		"order_id":  f.OrderID,
		"genome_id": f.GenomeID,
		"symbol":    f.Symbol,
		"side":      f.Side,
		"price":     f.Price,
		"quantity":  f.Quantity,
		"confirm":   true,
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal payload: %w", err)
	}

	// Send request
	req, err := http.NewRequestWithContext(
		ctx,
		"POST",
		fmt.Sprintf("%s/trade", e.accountURL),
		bytes.NewBuffer(jsonData),
	)
	if err != nil {
		return 0, err
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp map[string]interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return 0, fmt.Errorf("order failed (status %d): %v", resp.StatusCode, errResp)
	}

	var result struct {
		Price float64 `json:"price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, err
	}
	if result.Price <= 0 {
		return f.Price, nil
	}
	return result.Price, nil
}
