package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/config"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/eventbus"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/fitness"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/genome"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/marketdata"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/storage"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/strategies"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	trader  = []float64{1, 0, 0, 2, 0.1, 0.5, 0.5, 0.2, 1}
	sitting = []float64{1, 0, 0, 2, 1.0, 0.5, 0.5, 0.2, 1}
)

type capture struct {
	mu        sync.Mutex
	msgs      []types.Message
	onPublish func(types.Message)
}

func (c *capture) Publish(m types.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
	if c.onPublish != nil {
		c.onPublish(m)
	}
	return nil
}

func (c *capture) published() []types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.Message(nil), c.msgs...)
}

func testConfig() *config.Config {
	cfg := config.Default()
	ev := &cfg.Evolution
	ev.PopulationSize = 4
	ev.Generations = 3
	ev.EliteSize = 1
	ev.MutationRate = 0
	ev.CrossoverRate = 1
	ev.TournamentSize = 2
	ev.Seed = 42
	ev.Concurrency = 2
	ev.EvaluationTimeout = time.Second
	ev.RunID = "test-run"
	return &cfg
}

func sequentialIDs() genome.IDFunc {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("child-%d", n)
	}
}

func risingWindow() *marketdata.Static {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]types.Bar, 10)
	for i := range bars {
		c := 100 + 2*float64(i)
		bars[i] = types.Bar{Symbol: "TEST", Timestamp: start.Add(time.Duration(i) * 24 * time.Hour), Open: c, High: c, Low: c, Close: c, Volume: 1000}
	}
	return marketdata.NewStatic(bars)
}

func seeds(t *testing.T, params map[string][]float64, order ...string) []genome.Genome {
	t.Helper()
	schema := strategies.NewSignalBlend().Schema()
	out := make([]genome.Genome, 0, len(order))
	for _, id := range order {
		g, err := genome.New(schema, id, 0, params[id])
		require.NoError(t, err)
		out = append(out, g)
	}
	return out
}

func abcd(t *testing.T) []genome.Genome {
	return seeds(t, map[string][]float64{"A": trader, "B": sitting, "C": sitting, "D": sitting}, "A", "B", "C", "D")
}

func newEngine(cfg *config.Config, eval Evaluator, provider marketdata.Provider, pub Publisher, opts ...Option) *Engine {
	species := strategies.NewSignalBlend()
	if eval == nil {
		eval = fitness.New(cfg.Evaluator, cfg.Risk, species)
	}
	return New(cfg, species, eval, provider, pub, append([]Option{WithIDFunc(sequentialIDs())}, opts...)...)
}

func TestSeededRunPromotesSameEliteEveryGeneration(t *testing.T) {
	cfg := testConfig()
	pub := &capture{}
	e := newEngine(cfg, nil, risingWindow(), pub, WithSeedPopulation(abcd(t)))

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateDone, e.State())
	assert.Equal(t, ReasonMaxGenerations, res.Reason)
	require.Len(t, res.Generations, 3)

	prev := -1.0
	for i, gen := range res.Generations {
		assert.Equal(t, i, gen.Generation)
		assert.Equal(t, "A", gen.BestID)
		assert.Empty(t, gen.BestLineage)
		assert.Greater(t, gen.BestScore, cfg.Evaluator.NeutralScore)
		assert.GreaterOrEqual(t, gen.BestScore, prev)
		assert.True(t, gen.Published)
		prev = gen.BestScore
	}

	msgs := pub.published()
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		assert.Equal(t, types.StrategyUpdate, m.Type())
		assert.Equal(t, ModuleID, m.Sender())
		assert.Equal(t, 3, m.Priority())
		assert.Equal(t, "A", m.Payload().String("genome_id"))
		gen, _ := m.Payload().Float("generation")
		assert.Equal(t, float64(i), gen)
		score, _ := m.Payload().Float("scalar_score")
		assert.Equal(t, res.Generations[i].BestScore, score)
	}

	schema := strategies.NewSignalBlend().Schema()
	require.NoError(t, res.Population.Check(schema, 4))
	assert.Equal(t, "A", res.Population.Members[0].ID)
	for _, g := range res.Population.Members[1:] {
		assert.Len(t, g.Lineage, 2, "crossover rate 1 always breeds two parents")
	}
}

func distinctSeeds(t *testing.T) []genome.Genome {
	return seeds(t, map[string][]float64{
		"A": trader,
		"B": {1, 0, 0, 3, 0.2, 0.5, 0.3, 0.2, 1},
		"C": {0.5, 0.5, 0, 2, 0.05, 0.4, 0.8, 0.1, 0.5},
		"D": sitting,
	}, "A", "B", "C", "D")
}

func TestSeededRunIsReproducible(t *testing.T) {
	run := func() *Result {
		res, err := newEngine(testConfig(), nil, risingWindow(), &capture{}, WithSeedPopulation(distinctSeeds(t))).Run(context.Background())
		require.NoError(t, err)
		return res
	}
	first, second := run(), run()
	require.Equal(t, first, second)

	require.Len(t, first.Generations, 3)
	for i := 1; i < len(first.Generations); i++ {
		assert.GreaterOrEqual(t, first.Generations[i].BestScore, first.Generations[i-1].BestScore)
	}

	// Crossover rate 1 and mutation rate 0 mint exactly one id per child,
	// three children per generation.
	pop := first.Population
	assert.Equal(t, 3, pop.Generation)
	require.Len(t, pop.Members, 4)
	assert.Equal(t, first.Generations[2].BestID, pop.Members[0].ID, "the elite leads the next population")

	parents := map[string]bool{first.Generations[1].BestID: true, "child-4": true, "child-5": true, "child-6": true}
	for i, g := range pop.Members[1:] {
		assert.Equal(t, fmt.Sprintf("child-%d", 7+i), g.ID)
		assert.Equal(t, 3, g.Generation)
		require.Len(t, g.Lineage, 2)
		for _, parent := range g.Lineage {
			assert.True(t, parents[parent], "parent %s of %s is not in generation 2", parent, g.ID)
		}
	}
}

func TestElitismNeverLosesBestScore(t *testing.T) {
	cfg := testConfig()
	cfg.Evolution.PopulationSize = 12
	cfg.Evolution.Generations = 6
	cfg.Evolution.EliteSize = 2
	cfg.Evolution.MutationRate = 0.3
	cfg.Evolution.CrossoverRate = 0.7
	cfg.Evolution.TournamentSize = 3
	cfg.Evolution.PlateauGenerations = 0
	provider := marketdata.NewSynthetic(marketdata.SyntheticConfig{Seed: 3, Bars: 200, Volatility: 0.02})

	res, err := newEngine(cfg, nil, provider, &capture{}).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Generations, 6)
	for i := 1; i < len(res.Generations); i++ {
		assert.GreaterOrEqual(t, res.Generations[i].BestScore, res.Generations[i-1].BestScore)
	}
	require.NoError(t, res.Population.Check(strategies.NewSignalBlend().Schema(), 12))
}

type failingProvider struct {
	mu       sync.Mutex
	failures int
	inner    marketdata.Provider
}

func (p *failingProvider) GetWindow(ctx context.Context, start, end time.Time) ([]types.Bar, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures != 0 {
		p.failures--
		return nil, fmt.Errorf("%w: feed offline", types.ErrInvalidWindow)
	}
	return p.inner.GetWindow(ctx, start, end)
}

func TestRunStallsAfterConsecutiveEmptyGenerations(t *testing.T) {
	cfg := testConfig()
	cfg.Evolution.Generations = 10
	pub := &capture{}

	res, err := newEngine(cfg, nil, &failingProvider{failures: -1}, pub, WithSeedPopulation(abcd(t))).Run(context.Background())
	require.ErrorIs(t, err, types.ErrEvolutionStalled)
	require.NotNil(t, res)
	assert.Len(t, res.Generations, 3)
	for _, gen := range res.Generations {
		assert.Zero(t, gen.Evaluated)
		assert.False(t, gen.Published)
	}
	assert.Empty(t, pub.published(), "nothing is published without a scored genome")
}

func TestRunRecoversBeforeStallLimit(t *testing.T) {
	cfg := testConfig()
	pub := &capture{}

	res, err := newEngine(cfg, nil, &failingProvider{failures: 2, inner: risingWindow()}, pub, WithSeedPopulation(abcd(t))).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Generations, 3)
	assert.False(t, res.Generations[0].Published)
	assert.False(t, res.Generations[1].Published)
	assert.True(t, res.Generations[2].Published)
	require.Len(t, pub.published(), 1)
	assert.Equal(t, "A", pub.published()[0].Payload().String("genome_id"))
}

// blocking never finishes evaluating the listed genomes on its own.
type blocking struct {
	inner Evaluator
	ids   map[string]bool
}

func (b blocking) Evaluate(ctx context.Context, g genome.Genome, bars []types.Bar) (types.FitnessResult, error) {
	if b.ids[g.ID] {
		<-ctx.Done()
		return types.FitnessResult{}, fmt.Errorf("%w: %v", types.ErrEvaluationTimeout, ctx.Err())
	}
	return b.inner.Evaluate(ctx, g, bars)
}

func TestFailedEvaluationRanksLast(t *testing.T) {
	cfg := testConfig()
	cfg.Evolution.Generations = 1
	cfg.Evolution.EvaluationTimeout = 20 * time.Millisecond
	pub := &capture{}
	eval := blocking{
		inner: fitness.New(cfg.Evaluator, cfg.Risk, strategies.NewSignalBlend()),
		ids:   map[string]bool{"A": true},
	}

	res, err := newEngine(cfg, eval, risingWindow(), pub, WithSeedPopulation(abcd(t))).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Generations, 1)
	gen := res.Generations[0]
	assert.Equal(t, 3, gen.Evaluated)
	assert.Equal(t, 1, gen.Failed)
	assert.Equal(t, "B", gen.BestID)
	assert.Equal(t, cfg.Evaluator.NeutralScore, gen.BestScore)
	require.Len(t, pub.published(), 1)
	assert.Equal(t, "B", pub.published()[0].Payload().String("genome_id"))
	require.NoError(t, res.Population.Check(strategies.NewSignalBlend().Schema(), 4))
}

// stubborn ignores ctx: listed genomes sleep past any evaluation budget
// and then report success.
type stubborn struct {
	inner Evaluator
	ids   map[string]bool
	sleep time.Duration
	panic bool
}

func (s stubborn) Evaluate(ctx context.Context, g genome.Genome, bars []types.Bar) (types.FitnessResult, error) {
	if s.ids[g.ID] {
		if s.panic {
			panic("decision function crashed")
		}
		time.Sleep(s.sleep)
		return types.FitnessResult{Score: 1000, Window: types.WindowOf(bars)}, nil
	}
	return s.inner.Evaluate(ctx, g, bars)
}

func TestEvaluationBudgetHoldsWhenEvaluatorIgnoresContext(t *testing.T) {
	cfg := testConfig()
	cfg.Evolution.Generations = 1
	cfg.Evolution.EvaluationTimeout = 50 * time.Millisecond
	eval := stubborn{
		inner: fitness.New(cfg.Evaluator, cfg.Risk, strategies.NewSignalBlend()),
		ids:   map[string]bool{"A": true, "C": true},
		sleep: 2 * time.Second,
	}

	start := time.Now()
	res, err := newEngine(cfg, eval, risingWindow(), &capture{}, WithSeedPopulation(abcd(t))).Run(context.Background())
	elapsed := time.Since(start)
	require.NoError(t, err)
	assert.Less(t, elapsed, time.Second, "generation must not wait for overrunning evaluations")

	require.Len(t, res.Generations, 1)
	gen := res.Generations[0]
	assert.Equal(t, 2, gen.Evaluated)
	assert.Equal(t, 2, gen.Failed)
	assert.Equal(t, "B", gen.BestID, "late results are discarded, not ranked")
	assert.Equal(t, cfg.Evaluator.NeutralScore, gen.BestScore)
}

func TestAllEvaluationsOverBudgetStall(t *testing.T) {
	cfg := testConfig()
	cfg.Evolution.Generations = 5
	cfg.Evolution.MaxStalledGenerations = 1
	cfg.Evolution.EvaluationTimeout = 30 * time.Millisecond
	eval := stubborn{ids: map[string]bool{"A": true, "B": true, "C": true, "D": true}, sleep: time.Second}

	res, err := newEngine(cfg, eval, risingWindow(), &capture{}, WithSeedPopulation(abcd(t))).Run(context.Background())
	require.ErrorIs(t, err, types.ErrEvolutionStalled)
	require.Len(t, res.Generations, 1)
	assert.Equal(t, 4, res.Generations[0].Failed)
}

func TestPanickingEvaluatorFailsOnlyThatGenome(t *testing.T) {
	cfg := testConfig()
	cfg.Evolution.Generations = 1
	eval := stubborn{
		inner: fitness.New(cfg.Evaluator, cfg.Risk, strategies.NewSignalBlend()),
		ids:   map[string]bool{"A": true},
		panic: true,
	}

	res, err := newEngine(cfg, eval, risingWindow(), &capture{}, WithSeedPopulation(abcd(t))).Run(context.Background())
	require.NoError(t, err)
	gen := res.Generations[0]
	assert.Equal(t, 3, gen.Evaluated)
	assert.Equal(t, 1, gen.Failed)
	assert.Equal(t, "B", gen.BestID)
}

func TestStopFinishesCurrentGeneration(t *testing.T) {
	cfg := testConfig()
	cfg.Evolution.Generations = 10
	pub := &capture{}
	e := newEngine(cfg, nil, risingWindow(), pub, WithSeedPopulation(abcd(t)))
	pub.onPublish = func(types.Message) { e.Stop() }

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReasonStopped, res.Reason)
	assert.Len(t, res.Generations, 1)
	assert.Equal(t, 1, res.Population.Generation)
}

func TestPlateauEndsRun(t *testing.T) {
	cfg := testConfig()
	cfg.Evolution.Generations = 10
	cfg.Evolution.PlateauGenerations = 2
	members := seeds(t, map[string][]float64{"w": sitting, "x": sitting, "y": sitting, "z": sitting}, "w", "x", "y", "z")

	res, err := newEngine(cfg, nil, risingWindow(), &capture{}, WithSeedPopulation(members)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReasonPlateau, res.Reason)
	assert.Len(t, res.Generations, 3)
}

func TestSeedPopulationMustMatchSize(t *testing.T) {
	cfg := testConfig()
	_, err := newEngine(cfg, nil, risingWindow(), &capture{}, WithSeedPopulation(abcd(t)[:3])).Run(context.Background())
	require.Error(t, err)
}

func TestResumeFromCheckpoint(t *testing.T) {
	cfg := testConfig()
	store := storage.NewMemoryStore()
	writer := storage.NewAsyncWriter(store, 16)

	first, err := newEngine(cfg, nil, risingWindow(), &capture{}, WithSeedPopulation(abcd(t)), WithWriter(writer)).Run(context.Background())
	require.NoError(t, err)
	writer.Close()

	var best genome.Genome
	require.NoError(t, store.Get(context.Background(), storage.CollectionGenomes, "A", &best))
	assert.Equal(t, trader, best.Parameters)

	cfg.Evolution.Resume = true
	e := newEngine(cfg, nil, risingWindow(), &capture{}, WithStore(store))
	pop, err := e.seedPopulation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, pop.Generation)
	require.Len(t, pop.Members, 4)
	for i, g := range pop.Members {
		assert.Equal(t, first.Population.Members[i].ID, g.ID)
	}

	cfg.Evolution.RunID = "unknown-run"
	e = newEngine(cfg, nil, risingWindow(), &capture{}, WithStore(store))
	pop, err = e.seedPopulation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, pop.Generation)
	assert.Len(t, pop.Members, 4)
}

func TestPerformanceBreachRaisesRiskAlert(t *testing.T) {
	cfg := testConfig()
	pub := &capture{}
	e := newEngine(cfg, nil, risingWindow(), pub)

	calm := types.NewMessage(types.PerformanceMetric, "executor", types.NewPayload(
		types.F("genome_id", "A"), types.F("drawdown", 0.01), types.F("daily_loss", 0.001)))
	require.NoError(t, e.HandlePerformance(context.Background(), calm))
	assert.Empty(t, pub.published())

	breach := types.NewMessage(types.PerformanceMetric, "executor", types.NewPayload(
		types.F("genome_id", "A"), types.F("drawdown", 0.25), types.F("daily_loss", 0.05)))
	require.NoError(t, e.HandlePerformance(context.Background(), breach))

	msgs := pub.published()
	require.Len(t, msgs, 1)
	alert := msgs[0]
	assert.Equal(t, types.RiskAlert, alert.Type())
	assert.Equal(t, types.MaxPriority, alert.Priority())
	assert.Equal(t, "A", alert.Payload().String("genome_id"))
	assert.Equal(t, "max_drawdown,max_daily_loss", alert.Payload().String("reason"))
	assert.Equal(t, breach.ID(), alert.Payload().String("source_message_id"))
}

func TestAttachRoutesBusTraffic(t *testing.T) {
	cfg := testConfig()
	bus := eventbus.New(cfg.Bus)
	t.Cleanup(bus.Close)
	feed := marketdata.NewFeed(10, "")
	e := newEngine(cfg, nil, feed, bus)
	require.NoError(t, e.Attach(bus, feed))

	var (
		mu     sync.Mutex
		alerts []types.Message
	)
	require.NoError(t, bus.Subscribe("risk-desk", []types.MessageType{types.RiskAlert}, func(_ context.Context, m types.Message) error {
		mu.Lock()
		alerts = append(alerts, m)
		mu.Unlock()
		return nil
	}))
	bus.Start(context.Background())

	bar := types.Bar{Symbol: "TEST", Timestamp: time.Now(), Close: 101, Volume: 5}
	require.NoError(t, bus.Publish(types.NewMessage(types.MarketData, "feed", bar.Payload())))
	require.NoError(t, bus.Publish(types.NewMessage(types.PerformanceMetric, "executor", types.NewPayload(types.F("drawdown", 0.5)))))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(alerts) == 1 && feed.Len() == 1
	}, 2*time.Second, time.Millisecond)
}

func TestCancelledContextAbortsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := newEngine(testConfig(), nil, risingWindow(), &capture{}, WithSeedPopulation(abcd(t))).Run(ctx)
	require.True(t, errors.Is(err, context.Canceled))
	require.NotNil(t, res)
	assert.Empty(t, res.Generations)
}
