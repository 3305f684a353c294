package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/config"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/genome"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/marketdata"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/metrics"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/storage"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/strategies"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"
)

// ModuleID is the sender of everything the engine publishes.
const ModuleID = "evolution-engine"

type State int32

const (
	StateIdle State = iota
	StateSeeding
	StateEvaluating
	StateSelecting
	StateBreeding
	StatePublishing
	StateDone
)

func (s State) String() string {
	switch s {
	case StateSeeding:
		return "seeding"
	case StateEvaluating:
		return "evaluating"
	case StateSelecting:
		return "selecting"
	case StateBreeding:
		return "breeding"
	case StatePublishing:
		return "publishing"
	case StateDone:
		return "done"
	default:
		return "idle"
	}
}

// Stop reasons reported in Result.
const (
	ReasonMaxGenerations = "max_generations"
	ReasonPlateau        = "plateau"
	ReasonStopped        = "stopped"
)

// Evaluator scores one genome over a window of bars.
type Evaluator interface {
	Evaluate(ctx context.Context, g genome.Genome, bars []types.Bar) (types.FitnessResult, error)
}

// Publisher is the outbound side of the bus.
type Publisher interface {
	Publish(msg types.Message) error
}

type Option func(*Engine)

// WithIDFunc overrides genome id generation.
func WithIDFunc(f genome.IDFunc) Option {
	return func(e *Engine) { e.nextID = f }
}

// WithSeedPopulation replaces random seeding with explicit members.
func WithSeedPopulation(members []genome.Genome) Option {
	return func(e *Engine) { e.seed = members }
}

// WithWriter persists checkpoints and promoted genomes.
func WithWriter(w *storage.AsyncWriter) Option {
	return func(e *Engine) { e.writer = w }
}

// WithStore is read when resuming from a checkpoint.
func WithStore(s storage.DocumentStore) Option {
	return func(e *Engine) { e.store = s }
}

// GenerationSummary is what one generation produced.
type GenerationSummary struct {
	Generation  int      `json:"generation"`
	BestID      string   `json:"best_genome_id,omitempty"`
	BestLineage []string `json:"best_lineage,omitempty"`
	BestScore   float64  `json:"best_score"`
	Evaluated   int      `json:"evaluated"`
	Failed      int      `json:"failed"`
	Published   bool     `json:"published"`
}

type Result struct {
	RunID       string
	Reason      string
	Generations []GenerationSummary
	Best        *genome.Genome
	Population  genome.Population
}

// Engine runs the generational loop for one species.
type Engine struct {
	cfg      config.EvolutionConfig
	evalCfg  config.EvaluatorConfig
	risk     config.RiskConfig
	species  strategies.Species
	schema   genome.Schema
	eval     Evaluator
	provider marketdata.Provider
	pub      Publisher

	nextID genome.IDFunc
	seed   []genome.Genome
	writer *storage.AsyncWriter
	store  storage.DocumentStore

	rng *rand.Rand
	ops *genome.Operators

	state    atomic.Int32
	stop     chan struct{}
	stopOnce sync.Once
}

func New(cfg *config.Config, species strategies.Species, evaluator Evaluator, provider marketdata.Provider, publisher Publisher, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg.Evolution,
		evalCfg:  cfg.Evaluator,
		risk:     cfg.Risk,
		species:  species,
		schema:   species.Schema(),
		eval:     evaluator,
		provider: provider,
		pub:      publisher,
		nextID:   genome.NewID,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.Concurrency < 1 {
		e.cfg.Concurrency = 1
	}
	if e.cfg.MaxStalledGenerations < 1 {
		e.cfg.MaxStalledGenerations = 3
	}
	if e.cfg.TournamentSize < 1 {
		e.cfg.TournamentSize = 1
	}

	seed := e.cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	e.rng = rand.New(rand.NewSource(seed))
	e.ops = genome.NewOperators(e.schema, e.cfg.MutationSigma, e.rng, e.nextID)
	return e
}

func (e *Engine) State() State { return State(e.state.Load()) }

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
	log.Debug().Str("state", s.String()).Msg("Engine state")
}

// Stop asks the run to finish after the current generation.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
}

func (e *Engine) stopped() bool {
	select {
	case <-e.stop:
		return true
	default:
		return false
	}
}

// Run evolves the population until the generation limit, a fitness
// plateau, Stop or ctx cancellation. It fails with
// types.ErrEvolutionStalled after MaxStalledGenerations consecutive
// generations without a single successful evaluation.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	defer e.setState(StateDone)

	e.setState(StateSeeding)
	pop, err := e.seedPopulation(ctx)
	if err != nil {
		return nil, err
	}

	res := &Result{RunID: e.cfg.RunID, Reason: ReasonMaxGenerations}
	log.Info().
		Str("run_id", e.cfg.RunID).
		Str("species", e.schema.Species).
		Int("population", len(pop.Members)).
		Int("generations", e.cfg.Generations).
		Msg("Starting evolution run")

	var (
		stalled      int
		bestSoFar    = math.Inf(-1)
		sinceImprove int
	)
	for i := 0; i < e.cfg.Generations; i++ {
		if e.stopped() {
			res.Reason = ReasonStopped
			break
		}
		if err := ctx.Err(); err != nil {
			res.Population = pop
			return res, err
		}

		gen := pop.Generation
		e.setState(StateEvaluating)
		members, window, ok, failed := e.evaluateGeneration(ctx, pop.Members)
		metrics.Generation.Set(float64(gen))

		summary := GenerationSummary{Generation: gen, Evaluated: ok, Failed: failed}
		if ok == 0 {
			stalled++
			res.Generations = append(res.Generations, summary)
			log.Warn().Int("generation", gen).Int("stalled", stalled).Msg("No genome evaluated successfully")
			if stalled >= e.cfg.MaxStalledGenerations {
				res.Population = pop
				return res, fmt.Errorf("%w: %d consecutive generations without a successful evaluation", types.ErrEvolutionStalled, stalled)
			}
			pop = genome.Population{Generation: gen + 1, Members: members}
			continue
		}
		stalled = 0

		e.setState(StateSelecting)
		ranked := rank(members)
		best := ranked[0]

		e.setState(StateBreeding)
		next := genome.Population{Generation: gen + 1, Members: e.breed(ranked, gen+1)}

		e.setState(StatePublishing)
		summary.BestID = best.ID
		summary.BestLineage = append([]string(nil), best.Lineage...)
		summary.BestScore = best.Fitness.Score
		summary.Published = e.publish(gen, best, window)
		e.checkpoint(next, best)
		res.Generations = append(res.Generations, summary)
		bestCopy := best.Copy()
		res.Best = &bestCopy
		metrics.BestFitness.Set(best.Fitness.Score)

		log.Info().
			Int("generation", gen).
			Str("best", best.ID).
			Float64("score", best.Fitness.Score).
			Int("evaluated", ok).
			Int("failed", failed).
			Msg("Generation complete")

		pop = next

		if best.Fitness.Score-bestSoFar > e.cfg.PlateauEpsilon {
			bestSoFar = best.Fitness.Score
			sinceImprove = 0
		} else {
			sinceImprove++
		}
		if e.cfg.PlateauGenerations > 0 && sinceImprove >= e.cfg.PlateauGenerations {
			res.Reason = ReasonPlateau
			break
		}
	}

	res.Population = pop
	log.Info().
		Str("run_id", e.cfg.RunID).
		Str("reason", res.Reason).
		Int("generations", len(res.Generations)).
		Msg("Evolution run finished")
	return res, nil
}

// evaluateGeneration scores every member concurrently and waits for all
// of them. Members keep their order; failed ones come back without a
// fitness.
func (e *Engine) evaluateGeneration(ctx context.Context, members []genome.Genome) ([]genome.Genome, types.Window, int, int) {
	out := make([]genome.Genome, len(members))
	bars, err := e.provider.GetWindow(ctx, e.evalCfg.WindowStart, e.evalCfg.WindowEnd)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load market window")
		for i, g := range members {
			out[i] = g.Copy()
			out[i].Fitness = nil
		}
		metrics.Evaluations.WithLabelValues("failed").Add(float64(len(members)))
		return out, types.Window{}, 0, len(members)
	}
	window := types.WindowOf(bars)

	var ok, failed atomic.Int64
	p := pool.New().WithMaxGoroutines(e.cfg.Concurrency)
	for i := range members {
		p.Go(func() {
			g, err := e.evaluateOne(ctx, members[i], bars, window)
			out[i] = g
			if err != nil {
				failed.Add(1)
				return
			}
			ok.Add(1)
		})
	}
	p.Wait()
	return out, window, int(ok.Load()), int(failed.Load())
}

func (e *Engine) evaluateOne(ctx context.Context, g genome.Genome, bars []types.Bar, window types.Window) (genome.Genome, error) {
	g = g.Copy()
	if cached, ok := g.CachedFitness(window); ok {
		metrics.Evaluations.WithLabelValues("cached").Inc()
		return g.WithFitness(cached), nil
	}

	evalCtx := ctx
	if e.cfg.EvaluationTimeout > 0 {
		var cancel context.CancelFunc
		evalCtx, cancel = context.WithTimeout(ctx, e.cfg.EvaluationTimeout)
		defer cancel()
	}

	result, err := e.evaluate(evalCtx, g, bars)
	if err != nil {
		metrics.Evaluations.WithLabelValues("failed").Inc()
		log.Warn().Err(err).Str("genome_id", g.ID).Msg("Evaluation failed")
		g.Fitness = nil
		return g, err
	}
	metrics.Evaluations.WithLabelValues("ok").Inc()
	return g.WithFitness(result), nil
}

type evaluation struct {
	result types.FitnessResult
	err    error
}

// evaluate runs the evaluator on its own goroutine and gives up when ctx
// ends, whether or not the evaluator watches ctx. An abandoned
// evaluation finishes in the background and its result is discarded.
func (e *Engine) evaluate(ctx context.Context, g genome.Genome, bars []types.Bar) (types.FitnessResult, error) {
	done := make(chan evaluation, 1)
	go func() {
		var (
			pc  panics.Catcher
			out evaluation
		)
		pc.Try(func() { out.result, out.err = e.eval.Evaluate(ctx, g, bars) })
		if r := pc.Recovered(); r != nil {
			out = evaluation{err: fmt.Errorf("evaluator panic: %v", r.Value)}
		}
		done <- out
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return types.FitnessResult{}, fmt.Errorf("%w: genome %s exceeded %s", types.ErrEvaluationTimeout, g.ID, e.cfg.EvaluationTimeout)
		}
		return types.FitnessResult{}, ctx.Err()
	}
}
