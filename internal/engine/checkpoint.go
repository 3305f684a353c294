package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/genome"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/storage"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/types"
	"github.com/rs/zerolog/log"
)

// Checkpoint is the resumable state of a run, stored under the run id.
type Checkpoint struct {
	RunID         string          `json:"run_id"`
	Species       string          `json:"species"`
	SchemaVersion int             `json:"schema_version"`
	Generation    int             `json:"generation"`
	Members       []genome.Genome `json:"members"`
	BestID        string          `json:"best_genome_id"`
	BestScore     float64         `json:"best_score"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func LoadCheckpoint(ctx context.Context, store storage.DocumentStore, runID string) (Checkpoint, error) {
	var cp Checkpoint
	if err := store.Get(ctx, storage.CollectionCheckpoints, runID, &cp); err != nil {
		return Checkpoint{}, err
	}
	return cp, nil
}

func (e *Engine) checkpoint(next genome.Population, best genome.Genome) {
	if e.writer == nil {
		return
	}
	e.writer.Put(storage.CollectionCheckpoints, e.cfg.RunID, Checkpoint{
		RunID:         e.cfg.RunID,
		Species:       e.schema.Species,
		SchemaVersion: e.schema.Version,
		Generation:    next.Generation,
		Members:       next.Members,
		BestID:        best.ID,
		BestScore:     best.Fitness.Score,
		UpdatedAt:     time.Now().UTC(),
	})
	e.writer.Put(storage.CollectionGenomes, best.ID, best)
}

// seedPopulation resumes from the run's checkpoint when asked to, then
// falls back to explicit seed members, then to random genomes.
func (e *Engine) seedPopulation(ctx context.Context) (genome.Population, error) {
	size := e.cfg.PopulationSize

	if e.cfg.Resume && e.store != nil {
		pop, err := e.resume(ctx)
		switch {
		case err == nil:
			log.Info().Str("run_id", e.cfg.RunID).Int("generation", pop.Generation).Msg("Resumed from checkpoint")
			return pop, nil
		case errors.Is(err, storage.ErrNotFound):
			log.Info().Str("run_id", e.cfg.RunID).Msg("No checkpoint to resume, seeding fresh population")
		default:
			log.Warn().Err(err).Str("run_id", e.cfg.RunID).Msg("Ignoring unusable checkpoint")
		}
	}

	if e.seed != nil {
		pop := genome.Population{Members: make([]genome.Genome, len(e.seed))}
		for i, g := range e.seed {
			g = g.Copy()
			g.Species = e.schema.Species
			g.SchemaVersion = e.schema.Version
			g.Parameters = e.schema.ClampAll(g.Parameters)
			pop.Members[i] = g
		}
		if err := pop.Check(e.schema, size); err != nil {
			return genome.Population{}, fmt.Errorf("seed population: %w", err)
		}
		return pop, nil
	}

	pop := genome.Population{Members: make([]genome.Genome, size)}
	for i := range pop.Members {
		pop.Members[i] = e.ops.Random(0)
	}
	return pop, nil
}

func (e *Engine) resume(ctx context.Context) (genome.Population, error) {
	cp, err := LoadCheckpoint(ctx, e.store, e.cfg.RunID)
	if err != nil {
		return genome.Population{}, err
	}
	if cp.Species != e.schema.Species || cp.SchemaVersion != e.schema.Version {
		return genome.Population{}, fmt.Errorf("checkpoint is %s v%d, want %s v%d", cp.Species, cp.SchemaVersion, e.schema.Species, e.schema.Version)
	}
	pop := genome.Population{Generation: cp.Generation, Members: cp.Members}
	if err := pop.Check(e.schema, e.cfg.PopulationSize); err != nil {
		return genome.Population{}, err
	}
	return pop, nil
}

// publish announces the generation's best genome. It reports whether the
// bus accepted the message.
func (e *Engine) publish(generation int, best genome.Genome, window types.Window) bool {
	msg := types.NewMessage(types.StrategyUpdate, ModuleID, genome.UpdatePayload(best, generation, window),
		types.WithPriority(types.StrategyUpdate.DefaultPriority()))
	if err := e.pub.Publish(msg); err != nil {
		log.Error().Err(err).Str("genome_id", best.ID).Msg("Failed to publish strategy update")
		return false
	}
	return true
}
