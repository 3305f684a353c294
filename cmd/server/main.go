package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/adapter"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/config"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/engine"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/eventbus"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/executor"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/fitness"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/genome"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/marketdata"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/metrics"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/storage"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/strategies"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	hostModuleID   = "strategy-host"
	replayModuleID = "market-replay"
	// bars the bus-fed window needs before the first generation runs
	minFeedBars = 50
)

func main() {
	// Setup logger
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file loaded")
	}

	log.Info().Msg("Starting Adaptive Middleware...")

	// Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	setupLogger(cfg)
	log.Info().Interface("config", cfg.Summary()).Msg("Configuration loaded")

	// Setup storage
	store, err := storage.Open(cfg.Store.Driver, cfg.Store.DSN)
	switch {
	case err != nil:
		log.Warn().Err(err).Str("driver", cfg.Store.Driver).Msg("Store unavailable, falling back to memory")
		store = storage.NewMemoryStore()
	case storage.InMemory(store):
		log.Warn().Msg("No document store configured, audit and checkpoints are kept in memory only")
	}
	store = storage.Prefixed(store, cfg.Store.CollectionPrefix)
	writer := storage.NewAsyncWriter(store, cfg.Store.WriteBuffer)

	// Metrics
	var metricsSrv interface{ Shutdown(context.Context) error }
	if cfg.MetricsAddr != "" {
		srv, err := metrics.Serve(cfg.MetricsAddr)
		if err != nil {
			log.Error().Err(err).Msg("Metrics endpoint unavailable")
		} else {
			metricsSrv = srv
			log.Info().Str("addr", srv.Addr).Msg("Metrics endpoint listening")
		}
	}

	// Setup event bus
	busOpts := []eventbus.Option{}
	if cfg.Bus.AuditMessages {
		busOpts = append(busOpts, eventbus.WithAudit(writer))
	}
	transport, err := newTransport(cfg.Transport)
	if err != nil {
		log.Warn().Err(err).Str("transport", cfg.Transport.Kind).Msg("Transport unavailable, running single node")
	} else if transport != nil {
		busOpts = append(busOpts, eventbus.WithTransport(transport))
	}
	bus := eventbus.New(cfg.Bus, busOpts...)

	// Register strategies
	registry := strategies.Default()
	species, err := resolveSpecies(registry, cfg.Evolution)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to resolve species")
	}

	// Market data
	provider, bars, feed, err := newProvider(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("source", cfg.Evaluator.MarketSource).Msg("Failed to set up market data")
	}

	// Create engine
	evaluator := fitness.New(cfg.Evaluator, cfg.Risk, species)
	eng := engine.New(cfg, species, evaluator, provider, bus,
		engine.WithWriter(writer),
		engine.WithStore(store),
	)
	if err := eng.Attach(bus, feed); err != nil {
		log.Fatal().Err(err).Msg("Failed to attach engine")
	}

	// Live side
	host := adapter.NewStrategyHost(adapter.New(bus, hostModuleID), registry, "", cfg.Evaluator.FeedCapacity)
	if err := host.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start strategy host")
	}
	exec := executor.New(cfg, adapter.New(bus, executor.ModuleID))
	if err := exec.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start executor")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handlers keep a live context while Close drains the queue.
	bus.Start(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		if feed != nil && !waitForFeed(ctx, feed) {
			return
		}
		res, err := eng.Run(ctx)
		switch {
		case errors.Is(err, types.ErrEvolutionStalled):
			log.Error().Err(err).Msg("Evolution stalled, operator attention required")
			return
		case err != nil:
			log.Error().Err(err).Msg("Evolution run failed")
			return
		}
		if res.Best != nil {
			log.Info().
				Str("best", res.Best.ID).
				Float64("score", res.Best.Fitness.Score).
				Str("reason", res.Reason).
				Msg("Evolution finished")
		}

		// Trade the promoted genome over the evaluation series.
		if len(bars) > 0 {
			if err := marketdata.Replay(ctx, bars, replayModuleID, 0, bus.Publish); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Market replay failed")
			}
			log.Info().Float64("equity", exec.Equity()).Msg("Replay complete")
		}
	}()

	log.Info().Msg("Adaptive Middleware started")

	// Wait for interrupt
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-done:
	}

	log.Info().Msg("Shutting down...")
	eng.Stop()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Warn().Msg("Evolution run did not stop in time")
	}

	bus.Close()
	writer.Close()
	if err := store.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close store")
	}
	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
}

func setupLogger(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.LogJSON {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
}

func newTransport(cfg config.TransportConfig) (eventbus.Transport, error) {
	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	switch cfg.Kind {
	case "redis":
		return eventbus.NewRedisTransport(cfg.RedisHost, cfg.RedisPort, nodeID)
	case "kafka":
		return eventbus.NewKafkaTransport(cfg.KafkaBrokers, cfg.KafkaGroup, nodeID)
	default:
		return nil, nil
	}
}

// resolveSpecies applies configured gene bounds and registers the result
// under the species name so hosts decode promoted genomes the same way.
func resolveSpecies(registry *strategies.Registry, cfg config.EvolutionConfig) (strategies.Species, error) {
	species, err := registry.Get(cfg.Species)
	if err != nil {
		return nil, err
	}
	bounds := make([]genome.Bound, 0, len(cfg.Genes))
	for _, g := range cfg.Genes {
		bounds = append(bounds, genome.Bound{Name: g.Name, Min: g.Min, Max: g.Max})
	}
	species, err = strategies.WithBounds(species, bounds)
	if err != nil {
		return nil, err
	}
	registry.Register(cfg.Species, species)
	return species, nil
}

func newProvider(cfg *config.Config) (marketdata.Provider, []types.Bar, *marketdata.Feed, error) {
	ev := cfg.Evaluator
	switch ev.MarketSource {
	case "synthetic":
		p := marketdata.NewSynthetic(marketdata.SyntheticConfig{
			Symbol:     "SYN",
			Seed:       cfg.Evolution.Seed,
			Bars:       ev.SyntheticBars,
			Volatility: 0.01,
			Drift:      0.0002,
		})
		bars, err := p.GetWindow(context.Background(), ev.WindowStart, ev.WindowEnd)
		return p, bars, nil, err
	case "csv":
		p, err := marketdata.LoadCSV(ev.MarketCSVPath)
		if err != nil {
			return nil, nil, nil, err
		}
		bars, err := p.GetWindow(context.Background(), ev.WindowStart, ev.WindowEnd)
		return p, bars, nil, err
	case "bus":
		feed := marketdata.NewFeed(ev.FeedCapacity, "")
		return feed, nil, feed, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown market source %q", ev.MarketSource)
	}
}

func waitForFeed(ctx context.Context, feed *marketdata.Feed) bool {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for feed.Len() < minFeedBars {
		log.Debug().Int("bars", feed.Len()).Msg("Waiting for market data")
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return true
}
