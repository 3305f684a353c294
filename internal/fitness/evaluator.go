package fitness

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/config"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/genome"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/strategies"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/types"
	"github.com/sourcegraph/conc/panics"
)

// Evaluator scores genomes of one species by simulating their decision
// function bar by bar. It holds no mutable state and is safe for
// concurrent use.
type Evaluator struct {
	cfg     config.EvaluatorConfig
	limit   float64 // drawdown that halts a simulation
	species strategies.Species
}

func New(cfg config.EvaluatorConfig, risk config.RiskConfig, species strategies.Species) *Evaluator {
	return &Evaluator{cfg: cfg, limit: risk.MaxDrawdown, species: species}
}

// Evaluate runs g over bars. Identical inputs always give an identical
// result. A malformed window fails with types.ErrInvalidWindow and a
// context deadline with types.ErrEvaluationTimeout.
func (e *Evaluator) Evaluate(ctx context.Context, g genome.Genome, bars []types.Bar) (types.FitnessResult, error) {
	if err := types.ValidateBars(bars); err != nil {
		return types.FitnessResult{}, err
	}
	decide, err := e.species.Decode(g)
	if err != nil {
		return types.FitnessResult{}, fmt.Errorf("decode genome %s: %w", g.ID, err)
	}

	var (
		pc  panics.Catcher
		sim *simulation
	)
	pc.Try(func() {
		sim = newSimulation(e.cfg, e.limit)
		err = sim.run(ctx, decide, bars)
	})
	if r := pc.Recovered(); r != nil {
		return types.FitnessResult{}, fmt.Errorf("genome %s: simulation panicked: %v", g.ID, r.Value)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return types.FitnessResult{}, fmt.Errorf("%w: genome %s after %d bars", types.ErrEvaluationTimeout, g.ID, sim.bars)
		}
		return types.FitnessResult{}, err
	}

	return e.score(sim, types.WindowOf(bars)), nil
}

func (e *Evaluator) score(sim *simulation, window types.Window) types.FitnessResult {
	finalEquity := sim.equity(sim.lastClose)
	totalReturn := finalEquity/e.cfg.InitialCapital - 1

	winRate := 0.0
	if sim.trades > 0 {
		winRate = float64(sim.wins) / float64(sim.trades)
	}
	halted := 0.0
	if sim.halted {
		halted = 1
	}

	result := types.FitnessResult{
		Metrics: map[string]float64{
			types.MetricTotalReturn: totalReturn,
			types.MetricMaxDrawdown: sim.maxDrawdown,
			types.MetricSharpe:      sharpe(sim.returns),
			types.MetricWinRate:     winRate,
			types.MetricTradeCount:  float64(sim.trades),
			types.MetricBars:        float64(sim.bars),
			types.MetricHalted:      halted,
		},
		Window: window,
	}

	if sim.trades == 0 {
		result.Score = e.cfg.NeutralScore
		return result
	}
	result.Score = totalReturn - e.cfg.DrawdownWeight*sim.maxDrawdown
	if sim.halted {
		result.Score -= e.cfg.BreachPenalty
	}
	return result
}

// sharpe annualizes the per-bar return series assuming daily bars.
func sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}

	var sum, sumSq float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	for _, r := range returns {
		sumSq += math.Pow(r-mean, 2)
	}
	std := math.Sqrt(sumSq / float64(len(returns)-1))

	if std == 0 {
		return 0
	}
	return mean / std * math.Sqrt(252)
}
