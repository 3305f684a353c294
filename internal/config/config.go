package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TradingMode string

const (
	ModeBacktest TradingMode = "backtest"
	ModePaper    TradingMode = "paper"
	ModeLive     TradingMode = "live"
)

type EvolutionStrategy string

const (
	StrategyGA    EvolutionStrategy = "genetic_algorithm"
	StrategyNEAT  EvolutionStrategy = "neat"
	StrategyCMAES EvolutionStrategy = "cma_es"
)

// Config is the immutable snapshot built once at startup and handed to
// constructors. Nothing mutates it after Load returns.
type Config struct {
	LogLevel          string          `yaml:"log_level"`
	LogJSON           bool            `yaml:"log_json"`
	MetricsAddr       string          `yaml:"metrics_addr"`
	AccountServiceURL string          `yaml:"account_service_url"`
	Bus               BusConfig       `yaml:"bus"`
	Transport         TransportConfig `yaml:"transport"`
	Store             StoreConfig     `yaml:"store"`
	Evolution         EvolutionConfig `yaml:"evolution"`
	Evaluator         EvaluatorConfig `yaml:"evaluator"`
	Trading           TradingConfig   `yaml:"trading"`
	Risk              RiskConfig      `yaml:"risk"`
}

type BusConfig struct {
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
	ForwardBuffer  int           `yaml:"forward_buffer"`
	AuditMessages  bool          `yaml:"audit_messages"`
}

type TransportConfig struct {
	Kind         string   `yaml:"kind"` // none, redis, kafka
	NodeID       string   `yaml:"node_id"`
	RedisHost    string   `yaml:"redis_host"`
	RedisPort    int      `yaml:"redis_port"`
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaGroup   string   `yaml:"kafka_group"`
}

type StoreConfig struct {
	Driver           string `yaml:"driver"` // memory, postgres, sqlite, bolt
	DSN              string `yaml:"dsn"`
	CollectionPrefix string `yaml:"collection_prefix"`
	WriteBuffer      int    `yaml:"write_buffer"`
}

// GeneBound overrides the declared bounds of one gene of the species.
type GeneBound struct {
	Name string  `yaml:"name"`
	Min  float64 `yaml:"min"`
	Max  float64 `yaml:"max"`
}

type EvolutionConfig struct {
	Strategy              EvolutionStrategy `yaml:"strategy"`
	Species               string            `yaml:"species"`
	PopulationSize        int               `yaml:"population_size"`
	Generations           int               `yaml:"generations"`
	MutationRate          float64           `yaml:"mutation_rate"`
	MutationSigma         float64           `yaml:"mutation_sigma"` // fraction of gene range
	CrossoverRate         float64           `yaml:"crossover_rate"`
	EliteSize             int               `yaml:"elite_size"`
	TournamentSize        int               `yaml:"tournament_size"`
	PlateauGenerations    int               `yaml:"plateau_generations"`
	PlateauEpsilon        float64           `yaml:"plateau_epsilon"`
	MaxStalledGenerations int               `yaml:"max_stalled_generations"`
	Concurrency           int               `yaml:"concurrency"`
	EvaluationTimeout     time.Duration     `yaml:"evaluation_timeout"`
	Seed                  int64             `yaml:"seed"`
	RunID                 string            `yaml:"run_id"`
	Resume                bool              `yaml:"resume"`
	Genes                 []GeneBound       `yaml:"genes"`
}

type EvaluatorConfig struct {
	InitialCapital float64   `yaml:"initial_capital"`
	CommissionRate float64   `yaml:"commission_rate"`
	SlippageRate   float64   `yaml:"slippage_rate"`
	NeutralScore   float64   `yaml:"neutral_score"`
	DrawdownWeight float64   `yaml:"drawdown_weight"`
	BreachPenalty  float64   `yaml:"breach_penalty"`
	MarketSource   string    `yaml:"market_source"` // synthetic, csv, bus
	MarketCSVPath  string    `yaml:"market_csv_path"`
	SyntheticBars  int       `yaml:"synthetic_bars"`
	WindowStart    time.Time `yaml:"window_start"`
	WindowEnd      time.Time `yaml:"window_end"`
	FeedCapacity   int       `yaml:"feed_capacity"`
}

type TradingConfig struct {
	Mode             TradingMode `yaml:"mode"`
	MaxPositionSize  float64     `yaml:"max_position_size"`
	StopLossPct      float64     `yaml:"stop_loss_pct"`
	TakeProfitPct    float64     `yaml:"take_profit_pct"`
	MaxOpenPositions int         `yaml:"max_open_positions"`
}

type RiskConfig struct {
	MaxDailyLoss         float64 `yaml:"max_daily_loss"`
	MaxDrawdown          float64 `yaml:"max_drawdown"`
	VaRConfidence        float64 `yaml:"var_confidence"`
	CorrelationThreshold float64 `yaml:"correlation_threshold"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel:    "info",
		MetricsAddr: ":9090",
		Bus: BusConfig{
			HandlerTimeout: 2 * time.Second,
			ForwardBuffer:  1024,
			AuditMessages:  true,
		},
		Transport: TransportConfig{
			Kind:         "none",
			RedisHost:    "redis",
			RedisPort:    6379,
			KafkaBrokers: []string{"127.0.0.1:9092"},
			KafkaGroup:   "adaptive-middleware",
		},
		Store: StoreConfig{
			Driver:           "memory",
			CollectionPrefix: "aatm",
			WriteBuffer:      512,
		},
		Evolution: EvolutionConfig{
			Strategy:              StrategyGA,
			Species:               "signal_blend_v1",
			PopulationSize:        100,
			Generations:           50,
			MutationRate:          0.1,
			MutationSigma:         0.1,
			CrossoverRate:         0.7,
			EliteSize:             5,
			TournamentSize:        3,
			PlateauGenerations:    10,
			PlateauEpsilon:        1e-6,
			MaxStalledGenerations: 3,
			Concurrency:           8,
			EvaluationTimeout:     5 * time.Second,
			RunID:                 "default",
		},
		Evaluator: EvaluatorConfig{
			InitialCapital: 100000,
			CommissionRate: 0.001,
			SlippageRate:   0.0005,
			NeutralScore:   0,
			DrawdownWeight: 0.5,
			BreachPenalty:  0.25,
			MarketSource:   "synthetic",
			SyntheticBars:  500,
			FeedCapacity:   5000,
		},
		Trading: TradingConfig{
			Mode:             ModePaper,
			MaxPositionSize:  0.1,
			StopLossPct:      0.02,
			TakeProfitPct:    0.05,
			MaxOpenPositions: 5,
		},
		Risk: RiskConfig{
			MaxDailyLoss:         0.02,
			MaxDrawdown:          0.1,
			VaRConfidence:        0.95,
			CorrelationThreshold: 0.7,
		},
	}
}

// Load reads the optional YAML file named by CONFIG_PATH, then applies
// environment overrides on top, then validates.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadFile(path string, cfg *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
		return fmt.Errorf("decode yaml: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogJSON = getEnvBool("LOG_JSON", cfg.LogJSON)
	cfg.MetricsAddr = getEnv("METRICS_ADDR", cfg.MetricsAddr)
	cfg.AccountServiceURL = getEnv("ACCOUNT_SERVICE_URL", cfg.AccountServiceURL)

	cfg.Bus.HandlerTimeout = getEnvDuration("BUS_HANDLER_TIMEOUT", cfg.Bus.HandlerTimeout)
	cfg.Bus.ForwardBuffer = getEnvInt("BUS_FORWARD_BUFFER", cfg.Bus.ForwardBuffer)
	cfg.Bus.AuditMessages = getEnvBool("BUS_AUDIT_MESSAGES", cfg.Bus.AuditMessages)

	cfg.Transport.Kind = getEnv("TRANSPORT", cfg.Transport.Kind)
	cfg.Transport.NodeID = getEnv("NODE_ID", cfg.Transport.NodeID)
	cfg.Transport.RedisHost = getEnv("REDIS_HOST", cfg.Transport.RedisHost)
	cfg.Transport.RedisPort = getEnvInt("REDIS_PORT", cfg.Transport.RedisPort)
	cfg.Transport.KafkaBrokers = getEnvList("KAFKA_BROKERS", cfg.Transport.KafkaBrokers)
	cfg.Transport.KafkaGroup = getEnv("KAFKA_GROUP", cfg.Transport.KafkaGroup)

	cfg.Store.Driver = getEnv("STORE_DRIVER", cfg.Store.Driver)
	cfg.Store.DSN = getEnv("STORE_DSN", cfg.Store.DSN)
	if cfg.Store.Driver == "postgres" && cfg.Store.DSN == "" {
		cfg.Store.DSN = buildPostgresURL()
	}
	cfg.Store.CollectionPrefix = getEnv("STORE_COLLECTION_PREFIX", cfg.Store.CollectionPrefix)

	ev := &cfg.Evolution
	ev.Strategy = EvolutionStrategy(getEnv("EVOLUTION_STRATEGY", string(ev.Strategy)))
	ev.Species = getEnv("EVOLUTION_SPECIES", ev.Species)
	ev.PopulationSize = getEnvInt("POPULATION_SIZE", ev.PopulationSize)
	ev.Generations = getEnvInt("GENERATIONS", ev.Generations)
	ev.MutationRate = getEnvFloat("MUTATION_RATE", ev.MutationRate)
	ev.CrossoverRate = getEnvFloat("CROSSOVER_RATE", ev.CrossoverRate)
	ev.EliteSize = getEnvInt("ELITE_SIZE", ev.EliteSize)
	ev.Concurrency = getEnvInt("EVOLUTION_CONCURRENCY", ev.Concurrency)
	ev.EvaluationTimeout = getEnvDuration("EVALUATION_TIMEOUT", ev.EvaluationTimeout)
	ev.Seed = int64(getEnvInt("EVOLUTION_SEED", int(ev.Seed)))
	ev.RunID = getEnv("EVOLUTION_RUN_ID", ev.RunID)
	ev.Resume = getEnvBool("EVOLUTION_RESUME", ev.Resume)

	cfg.Evaluator.MarketSource = getEnv("MARKET_SOURCE", cfg.Evaluator.MarketSource)
	cfg.Evaluator.MarketCSVPath = getEnv("MARKET_CSV_PATH", cfg.Evaluator.MarketCSVPath)

	cfg.Trading.Mode = TradingMode(getEnv("TRADING_MODE", string(cfg.Trading.Mode)))
	cfg.Trading.MaxPositionSize = getEnvFloat("MAX_POSITION_SIZE", cfg.Trading.MaxPositionSize)

	cfg.Risk.MaxDailyLoss = getEnvFloat("MAX_DAILY_LOSS", cfg.Risk.MaxDailyLoss)
	cfg.Risk.MaxDrawdown = getEnvFloat("MAX_DRAWDOWN", cfg.Risk.MaxDrawdown)
}

// Validate rejects combinations the engine and bus cannot run with.
func (c *Config) Validate() error {
	var errs []error
	ev := c.Evolution

	switch ev.Strategy {
	case StrategyGA:
	case StrategyNEAT, StrategyCMAES:
		errs = append(errs, fmt.Errorf("evolution strategy %q is not supported, use %q", ev.Strategy, StrategyGA))
	default:
		errs = append(errs, fmt.Errorf("unknown evolution strategy %q", ev.Strategy))
	}
	if ev.PopulationSize < 1 {
		errs = append(errs, fmt.Errorf("population_size must be >= 1"))
	}
	if ev.Generations < 1 {
		errs = append(errs, fmt.Errorf("generations must be >= 1"))
	}
	if ev.EliteSize < 0 || ev.EliteSize > ev.PopulationSize {
		errs = append(errs, fmt.Errorf("elite_size must be in [0, population_size]"))
	}
	if ev.MutationRate < 0 || ev.MutationRate > 1 {
		errs = append(errs, fmt.Errorf("mutation_rate must be in [0,1]"))
	}
	if ev.CrossoverRate < 0 || ev.CrossoverRate > 1 {
		errs = append(errs, fmt.Errorf("crossover_rate must be in [0,1]"))
	}
	if ev.TournamentSize < 1 {
		errs = append(errs, fmt.Errorf("tournament_size must be >= 1"))
	}
	if ev.MaxStalledGenerations < 1 {
		errs = append(errs, fmt.Errorf("max_stalled_generations must be >= 1"))
	}
	if ev.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be >= 1"))
	}
	for _, g := range ev.Genes {
		if g.Min > g.Max {
			errs = append(errs, fmt.Errorf("gene %q: min > max", g.Name))
		}
	}

	if c.Evaluator.InitialCapital <= 0 {
		errs = append(errs, fmt.Errorf("initial_capital must be > 0"))
	}
	switch c.Evaluator.MarketSource {
	case "synthetic", "bus":
	case "csv":
		if c.Evaluator.MarketCSVPath == "" {
			errs = append(errs, fmt.Errorf("market_csv_path is required for csv market source"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown market source %q", c.Evaluator.MarketSource))
	}

	switch c.Trading.Mode {
	case ModeBacktest, ModePaper:
	case ModeLive:
		if c.AccountServiceURL == "" {
			errs = append(errs, fmt.Errorf("account_service_url is required in live mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown trading mode %q", c.Trading.Mode))
	}
	if c.Risk.MaxDrawdown <= 0 || c.Risk.MaxDrawdown > 1 {
		errs = append(errs, fmt.Errorf("risk max_drawdown must be in (0,1]"))
	}

	switch c.Transport.Kind {
	case "", "none", "redis", "kafka":
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport.Kind))
	}
	switch c.Store.Driver {
	case "memory", "postgres", "sqlite", "bolt":
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	if c.Bus.HandlerTimeout <= 0 {
		errs = append(errs, fmt.Errorf("bus handler_timeout must be > 0"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Summary is the loggable view of the snapshot; it leaves out DSNs.
func (c *Config) Summary() map[string]interface{} {
	return map[string]interface{}{
		"store": map[string]interface{}{
			"driver":            c.Store.Driver,
			"collection_prefix": c.Store.CollectionPrefix,
		},
		"evolution": map[string]interface{}{
			"strategy":        string(c.Evolution.Strategy),
			"species":         c.Evolution.Species,
			"population_size": c.Evolution.PopulationSize,
			"generations":     c.Evolution.Generations,
		},
		"trading": map[string]interface{}{
			"mode":              string(c.Trading.Mode),
			"max_position_size": c.Trading.MaxPositionSize,
		},
		"transport": c.Transport.Kind,
	}
}

func buildPostgresURL() string {
	host := getEnv("POSTGRES_HOST", "postgres")
	db := getEnv("POSTGRES_DB", "trading_system")
	user := getEnv("POSTGRES_USER", "trading")
	pass := getEnv("POSTGRES_PASSWORD", "changeme123")

	return fmt.Sprintf("postgres://%s:%s@%s:5432/%s?sslmode=disable", user, pass, host, db)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parts := strings.Split(value, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
