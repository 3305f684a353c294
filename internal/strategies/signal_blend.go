package strategies

import (
	"fmt"
	"math"

	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/genome"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/types"
)

const SignalBlendSpecies = "signal_blend_v1"

// Gene slots of signal_blend_v1.
const (
	GeneMomentumWeight = iota
	GeneReversionWeight
	GeneVolumeWeight
	GeneLookback
	GeneEntryThreshold
	GeneExitThreshold
	GenePositionSize
	GeneStopLoss
	GeneTakeProfit
)

// SignalBlend is a long-only species that blends momentum, mean
// reversion and volume surprise into one score in [-1,1]. It enters when
// the score clears the entry threshold and leaves on a reversed score,
// stop loss or take profit.
type SignalBlend struct {
	schema genome.Schema
}

func NewSignalBlend() *SignalBlend {
	return &SignalBlend{schema: genome.Schema{
		Species: SignalBlendSpecies,
		Version: 1,
		Genes: []genome.Gene{
			{Name: "momentum_weight", Min: -1, Max: 1},
			{Name: "reversion_weight", Min: -1, Max: 1},
			{Name: "volume_weight", Min: -1, Max: 1},
			{Name: "lookback", Min: 2, Max: 30, Integer: true},
			{Name: "entry_threshold", Min: 0, Max: 1},
			{Name: "exit_threshold", Min: 0, Max: 1},
			{Name: "position_size", Min: 0.01, Max: 1},
			{Name: "stop_loss", Min: 0.005, Max: 0.5},
			{Name: "take_profit", Min: 0.005, Max: 1},
		},
	}}
}

// WithSchema swaps in a re-bounded schema of the same species.
func (s *SignalBlend) WithSchema(schema genome.Schema) (Species, error) {
	if schema.Species != SignalBlendSpecies || schema.Len() != s.schema.Len() {
		return nil, fmt.Errorf("schema %s/%d genes does not fit %s", schema.Species, schema.Len(), SignalBlendSpecies)
	}
	return &SignalBlend{schema: schema}, nil
}

func (s *SignalBlend) Schema() genome.Schema { return s.schema }

type signalBlendParams struct {
	wMomentum, wReversion, wVolume float64
	lookback                       int
	entry, exit                    float64
	size                           float64
	stopLoss, takeProfit           float64
}

func (s *SignalBlend) Decode(g genome.Genome) (types.DecisionFunc, error) {
	if g.Species != "" && g.Species != SignalBlendSpecies {
		return nil, fmt.Errorf("genome %s is species %q, not %s", g.ID, g.Species, SignalBlendSpecies)
	}
	if err := s.schema.Check(g.Parameters); err != nil {
		return nil, err
	}
	v := s.schema.ClampAll(g.Parameters)
	p := signalBlendParams{
		wMomentum:  v[GeneMomentumWeight],
		wReversion: v[GeneReversionWeight],
		wVolume:    v[GeneVolumeWeight],
		lookback:   int(v[GeneLookback]),
		entry:      v[GeneEntryThreshold],
		exit:       v[GeneExitThreshold],
		size:       v[GenePositionSize],
		stopLoss:   v[GeneStopLoss],
		takeProfit: v[GeneTakeProfit],
	}
	return p.decide, nil
}

func (p signalBlendParams) decide(history []types.Bar, pos types.PositionView) types.Decision {
	n := len(history)
	if n <= p.lookback {
		return types.Decision{Action: types.Hold}
	}
	score := p.score(history)
	cur := history[n-1].Close

	if pos.Open {
		ret := cur/pos.EntryPrice - 1
		if ret <= -p.stopLoss || ret >= p.takeProfit || score < -p.exit {
			return types.Decision{Action: types.Exit, Score: score}
		}
		return types.Decision{Action: types.Hold, Score: score}
	}
	if score > p.entry {
		return types.Decision{Action: types.Enter, Size: p.size, Score: score}
	}
	return types.Decision{Action: types.Hold, Score: score}
}

func (p signalBlendParams) score(history []types.Bar) float64 {
	n := len(history)
	cur := history[n-1]
	past := history[n-1-p.lookback]

	momentum := math.Tanh(10 * (cur.Close/past.Close - 1))

	var sum float64
	for _, b := range history[n-p.lookback:] {
		sum += b.Close
	}
	sma := sum / float64(p.lookback)
	reversion := math.Tanh(10 * (sma/cur.Close - 1))

	var vol float64
	var volSum float64
	for _, b := range history[n-1-p.lookback : n-1] {
		volSum += b.Volume
	}
	if avg := volSum / float64(p.lookback); avg > 0 {
		vol = math.Tanh(cur.Volume/avg - 1)
	}

	score := p.wMomentum*momentum + p.wReversion*reversion + p.wVolume*vol
	return math.Max(-1, math.Min(1, score))
}
