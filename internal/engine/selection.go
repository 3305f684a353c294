package engine

import (
	"math"
	"sort"

	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/genome"
)

// score ranks failed evaluations below everything else.
func score(g genome.Genome) float64 {
	if g.Fitness == nil {
		return math.Inf(-1)
	}
	return g.Fitness.Score
}

// rank orders by score descending. Ties keep population order, so an
// elite carried over stays ahead of an equal newcomer.
func rank(members []genome.Genome) []genome.Genome {
	ranked := append([]genome.Genome(nil), members...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return score(ranked[i]) > score(ranked[j])
	})
	return ranked
}

// tournament draws TournamentSize contestants with replacement from the
// whole ranked population and returns the best placed one. Every member
// can win when it is drawn alone or against weaker contestants.
func (e *Engine) tournament(ranked []genome.Genome) genome.Genome {
	best := len(ranked)
	for i := 0; i < e.cfg.TournamentSize; i++ {
		if idx := e.rng.Intn(len(ranked)); idx < best {
			best = idx
		}
	}
	return ranked[best]
}

// breed builds the next generation: elites copied unchanged, then one
// child per selected pair until the population is full.
func (e *Engine) breed(ranked []genome.Genome, generation int) []genome.Genome {
	size := e.cfg.PopulationSize
	elites := e.cfg.EliteSize
	if elites > size {
		elites = size
	}

	next := make([]genome.Genome, 0, size)
	for _, g := range ranked[:min(elites, len(ranked))] {
		next = append(next, g.Copy())
	}

	for len(next) < size {
		a := e.tournament(ranked)
		b := e.tournament(ranked)

		var child genome.Genome
		if e.rng.Float64() < e.cfg.CrossoverRate {
			child = e.ops.Crossover(a, b, generation)
		} else {
			child = e.ops.Clone(a, generation)
		}
		e.ops.MutateInPlace(&child, e.cfg.MutationRate)
		next = append(next, child)
	}
	return next
}
