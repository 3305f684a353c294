package genome

import (
	"fmt"
	"math"
)

// Gene declares the bounds and meaning of one parameter slot.
type Gene struct {
	Name    string  `json:"name" yaml:"name"`
	Min     float64 `json:"min" yaml:"min"`
	Max     float64 `json:"max" yaml:"max"`
	Integer bool    `json:"integer,omitempty" yaml:"integer"`
}

// Schema fixes gene count and bounds for one species. Length never
// changes for the lifetime of a run.
type Schema struct {
	Species string `json:"species"`
	Version int    `json:"version"`
	Genes   []Gene `json:"genes"`
}

func (s Schema) Len() int { return len(s.Genes) }

// Index returns the slot of the named gene or -1.
func (s Schema) Index(name string) int {
	for i, g := range s.Genes {
		if g.Name == name {
			return i
		}
	}
	return -1
}

// Clamp pulls v into gene i's bounds. NaN collapses to the lower bound.
func (s Schema) Clamp(i int, v float64) float64 {
	g := s.Genes[i]
	if math.IsNaN(v) {
		v = g.Min
	}
	if g.Integer {
		v = math.Round(v)
	}
	if v < g.Min {
		v = g.Min
	}
	if v > g.Max {
		v = g.Max
	}
	return v
}

// ClampAll returns a bounded copy of params.
func (s Schema) ClampAll(params []float64) []float64 {
	out := make([]float64, len(params))
	for i, v := range params {
		out[i] = s.Clamp(i, v)
	}
	return out
}

// Check rejects a parameter vector of the wrong length. Out-of-bound
// values are not an error; they get clamped.
func (s Schema) Check(params []float64) error {
	if len(params) != len(s.Genes) {
		return fmt.Errorf("species %s v%d expects %d genes, got %d", s.Species, s.Version, len(s.Genes), len(params))
	}
	return nil
}

// Bound is a named bounds override, usually from configuration.
type Bound struct {
	Name string
	Min  float64
	Max  float64
}

// WithBounds returns a copy of s with the named genes re-bounded.
func (s Schema) WithBounds(bounds []Bound) (Schema, error) {
	genes := make([]Gene, len(s.Genes))
	copy(genes, s.Genes)
	for _, b := range bounds {
		i := s.Index(b.Name)
		if i < 0 {
			return Schema{}, fmt.Errorf("species %s has no gene %q", s.Species, b.Name)
		}
		if b.Min > b.Max {
			return Schema{}, fmt.Errorf("gene %q: min %v > max %v", b.Name, b.Min, b.Max)
		}
		genes[i].Min, genes[i].Max = b.Min, b.Max
	}
	return Schema{Species: s.Species, Version: s.Version, Genes: genes}, nil
}
