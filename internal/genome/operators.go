package genome

import (
	"math/rand"
)

// Operators produces genomes for one schema. It is not safe for
// concurrent use; the engine owns it on a single goroutine.
type Operators struct {
	Schema Schema
	Sigma  float64 // Gaussian step as a fraction of each gene's range
	Rand   *rand.Rand
	NextID IDFunc
}

func NewOperators(schema Schema, sigma float64, rng *rand.Rand, next IDFunc) *Operators {
	if next == nil {
		next = NewID
	}
	return &Operators{Schema: schema, Sigma: sigma, Rand: rng, NextID: next}
}

func (o *Operators) blank(generation int, lineage []string) Genome {
	return Genome{
		ID:            o.NextID(),
		Species:       o.Schema.Species,
		SchemaVersion: o.Schema.Version,
		Generation:    generation,
		Parameters:    make([]float64, o.Schema.Len()),
		Lineage:       lineage,
	}
}

// Random draws every gene uniformly within its bounds.
func (o *Operators) Random(generation int) Genome {
	g := o.blank(generation, nil)
	for i, gene := range o.Schema.Genes {
		g.Parameters[i] = o.Schema.Clamp(i, gene.Min+o.Rand.Float64()*(gene.Max-gene.Min))
	}
	return g
}

// Mutate returns a new genome descended from g alone.
func (o *Operators) Mutate(g Genome, rate float64, generation int) Genome {
	child := o.blank(generation, []string{g.ID})
	copy(child.Parameters, g.Parameters)
	o.perturb(child.Parameters, rate)
	return child
}

// Clone copies g's genes under a fresh id.
func (o *Operators) Clone(g Genome, generation int) Genome {
	child := o.blank(generation, []string{g.ID})
	copy(child.Parameters, o.Schema.ClampAll(g.Parameters))
	return child
}

// Crossover picks each gene from a or b with equal probability.
func (o *Operators) Crossover(a, b Genome, generation int) Genome {
	child := o.blank(generation, []string{a.ID, b.ID})
	for i := range child.Parameters {
		v := a.Parameters[i]
		if o.Rand.Float64() < 0.5 {
			v = b.Parameters[i]
		}
		child.Parameters[i] = o.Schema.Clamp(i, v)
	}
	return child
}

// perturb applies bounded Gaussian noise to each gene with probability
// rate, in place.
func (o *Operators) perturb(params []float64, rate float64) {
	if rate <= 0 {
		return
	}
	for i, gene := range o.Schema.Genes {
		if o.Rand.Float64() >= rate {
			continue
		}
		step := o.Rand.NormFloat64() * o.Sigma * (gene.Max - gene.Min)
		if gene.Integer && step != 0 && abs(step) < 1 {
			// integer genes would otherwise round back to themselves
			if step > 0 {
				step = 1
			} else {
				step = -1
			}
		}
		params[i] = o.Schema.Clamp(i, params[i]+step)
	}
}

// MutateInPlace perturbs a freshly bred child without changing its
// identity or lineage.
func (o *Operators) MutateInPlace(g *Genome, rate float64) {
	o.perturb(g.Parameters, rate)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
