package strategies

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/genome"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/types"
	"github.com/rs/zerolog/log"
)

// Species couples a gene schema with the decoder that turns a genome of
// that schema into a runnable decision function.
type Species interface {
	Schema() genome.Schema
	// Decode must be pure: the same genome always yields a function with
	// identical behavior.
	Decode(g genome.Genome) (types.DecisionFunc, error)
}

// Rebounder is implemented by species whose gene bounds can be narrowed
// by configuration.
type Rebounder interface {
	WithSchema(schema genome.Schema) (Species, error)
}

// WithBounds applies bound overrides to s. A species that cannot be
// re-bounded only accepts an empty override list.
func WithBounds(s Species, bounds []genome.Bound) (Species, error) {
	if len(bounds) == 0 {
		return s, nil
	}
	rb, ok := s.(Rebounder)
	if !ok {
		return nil, fmt.Errorf("species %s does not accept bound overrides", s.Schema().Species)
	}
	schema, err := s.Schema().WithBounds(bounds)
	if err != nil {
		return nil, err
	}
	return rb.WithSchema(schema)
}

type Registry struct {
	mu      sync.RWMutex
	species map[string]Species
}

func NewRegistry() *Registry {
	return &Registry{species: make(map[string]Species)}
}

func (r *Registry) Register(name string, s Species) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.species[name] = s
	log.Debug().Str("species", name).Int("genes", s.Schema().Len()).Msg("Registered species")
}

func (r *Registry) Get(name string) (Species, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.species[name]
	if !ok {
		return nil, fmt.Errorf("unknown species %q", name)
	}
	return s, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.species))
	for name := range r.species {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterAll registers all built-in species
func RegisterAll(reg *Registry) {
	reg.Register(SignalBlendSpecies, NewSignalBlend())
}

// Default returns a registry with the built-in species.
func Default() *Registry {
	reg := NewRegistry()
	RegisterAll(reg)
	return reg
}
