package genome

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/types"
)

// Genome is one candidate parameter vector. Lineage holds parent ids
// only; parents are never embedded.
type Genome struct {
	ID            string               `json:"genome_id"`
	Species       string               `json:"species"`
	SchemaVersion int                  `json:"schema_version"`
	Generation    int                  `json:"generation"`
	Parameters    []float64            `json:"parameters"`
	Lineage       []string             `json:"lineage,omitempty"`
	Fitness       *types.FitnessResult `json:"fitness,omitempty"`
}

// IDFunc mints genome ids.
type IDFunc func() string

// NewID is the default IDFunc.
func NewID() string { return uuid.NewString() }

// New builds a genome from explicit parameters, clamped to the schema.
func New(schema Schema, id string, generation int, params []float64) (Genome, error) {
	if err := schema.Check(params); err != nil {
		return Genome{}, err
	}
	return Genome{
		ID:            id,
		Species:       schema.Species,
		SchemaVersion: schema.Version,
		Generation:    generation,
		Parameters:    schema.ClampAll(params),
	}, nil
}

// CachedFitness returns the stored result if it was computed over w.
func (g Genome) CachedFitness(w types.Window) (types.FitnessResult, bool) {
	if g.Fitness == nil || !g.Fitness.Window.Equal(w) {
		return types.FitnessResult{}, false
	}
	return *g.Fitness, true
}

// WithFitness returns a copy carrying r.
func (g Genome) WithFitness(r types.FitnessResult) Genome {
	g.Fitness = &r
	return g
}

// Copy deep-copies the slices so the result can be mutated freely.
func (g Genome) Copy() Genome {
	out := g
	out.Parameters = append([]float64(nil), g.Parameters...)
	out.Lineage = append([]string(nil), g.Lineage...)
	if g.Fitness != nil {
		f := *g.Fitness
		out.Fitness = &f
	}
	return out
}

// Population is the ordered member list of one generation.
type Population struct {
	Generation int      `json:"generation"`
	Members    []Genome `json:"members"`
}

// Check verifies size, id uniqueness and parameter length.
func (p Population) Check(schema Schema, size int) error {
	if len(p.Members) != size {
		return fmt.Errorf("population has %d members, want %d", len(p.Members), size)
	}
	seen := make(map[string]struct{}, len(p.Members))
	for _, g := range p.Members {
		if _, dup := seen[g.ID]; dup {
			return fmt.Errorf("duplicate genome id %s", g.ID)
		}
		seen[g.ID] = struct{}{}
		if err := schema.Check(g.Parameters); err != nil {
			return fmt.Errorf("genome %s: %w", g.ID, err)
		}
	}
	return nil
}
