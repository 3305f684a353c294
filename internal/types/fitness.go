package types

// Metric names carried in FitnessResult.Metrics.
const (
	MetricTotalReturn = "total_return"
	MetricMaxDrawdown = "max_drawdown"
	MetricSharpe      = "sharpe"
	MetricWinRate     = "win_rate"
	MetricTradeCount  = "trade_count"
	MetricBars        = "bars_evaluated"
	MetricHalted      = "halted"
)

// FitnessResult is the comparable outcome of simulating a genome.
type FitnessResult struct {
	Score   float64            `json:"scalar_score"`
	Metrics map[string]float64 `json:"metrics"`
	Window  Window             `json:"evaluated_window"`
}

func (r FitnessResult) TradeCount() int {
	return int(r.Metrics[MetricTradeCount])
}

func (r FitnessResult) Halted() bool {
	return r.Metrics[MetricHalted] > 0
}
