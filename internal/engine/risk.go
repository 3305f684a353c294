package engine

import (
	"context"
	"strings"

	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/eventbus"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/marketdata"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/types"
	"github.com/rs/zerolog/log"
)

// Attach subscribes the engine to live performance reports and, when a
// feed is given, lets market data build its evaluation window.
func (e *Engine) Attach(bus *eventbus.Bus, feed *marketdata.Feed) error {
	if err := bus.Subscribe(ModuleID, []types.MessageType{types.PerformanceMetric}, e.HandlePerformance); err != nil {
		return err
	}
	if feed == nil {
		return nil
	}
	return bus.Subscribe(ModuleID+"-feed", []types.MessageType{types.MarketData}, feed.Handle)
}

// HandlePerformance turns a live PERFORMANCE_METRIC that breaches the
// configured drawdown or daily loss limit into a RISK_ALERT.
func (e *Engine) HandlePerformance(_ context.Context, msg types.Message) error {
	if msg.Type() != types.PerformanceMetric {
		return nil
	}
	p := msg.Payload()

	var reasons []string
	drawdown, hasDrawdown := p.Float("drawdown")
	if hasDrawdown && drawdown > e.risk.MaxDrawdown {
		reasons = append(reasons, "max_drawdown")
	}
	loss, hasLoss := p.Float("daily_loss")
	if hasLoss && loss > e.risk.MaxDailyLoss {
		reasons = append(reasons, "max_daily_loss")
	}
	if len(reasons) == 0 {
		return nil
	}

	genomeID := p.String("genome_id")
	log.Warn().
		Str("genome_id", genomeID).
		Strs("reasons", reasons).
		Float64("drawdown", drawdown).
		Float64("daily_loss", loss).
		Msg("Live risk limit breached")

	alert := types.NewMessage(types.RiskAlert, ModuleID, types.NewPayload(
		types.F("genome_id", genomeID),
		types.F("reason", strings.Join(reasons, ",")),
		types.F("drawdown", drawdown),
		types.F("daily_loss", loss),
		types.F("max_drawdown", e.risk.MaxDrawdown),
		types.F("max_daily_loss", e.risk.MaxDailyLoss),
		types.F("source_message_id", msg.ID()),
	), types.WithPriority(types.MaxPriority))
	return e.pub.Publish(alert)
}
