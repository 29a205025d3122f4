package domain

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Engine settings
	Model  ModelConfig   `json:"model"`
	Policy PolicyConfigs `json:"policy"`
	Chat   ChatConfig    `json:"chat"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// ModelConfig holds training settings shared by every algorithm.
type ModelConfig struct {
	// DatasetPath is the labelled reference CSV (Time, V1..V28, Amount, Class).
	DatasetPath string `json:"datasetPath"`

	// DefaultAlgorithm is active before any explicit selection.
	DefaultAlgorithm string `json:"defaultAlgorithm"`

	Seed     int64   `json:"seed"`
	TestSize float64 `json:"testSize"`

	// TrainOnStart lists algorithms trained in the background at startup.
	TrainOnStart []string `json:"trainOnStart"`

	// ann
	HiddenLayers []int   `json:"hiddenLayers"`
	Epochs       int     `json:"epochs"`
	BatchSize    int     `json:"batchSize"`
	LearningRate float64 `json:"learningRate"`
	Patience     int     `json:"patience"`

	// svm
	SVMLambda float64 `json:"svmLambda"`
	SVMEpochs int     `json:"svmEpochs"`

	// knn
	Neighbors    int `json:"neighbors"`
	KNNReference int `json:"knnReference"` // max reference rows kept
}

// PolicyConfigs names the regime and rule set used by each surface.
type PolicyConfigs struct {
	// File optionally overrides the built-in regimes and rule sets.
	File string `json:"file"`

	ScorePolicy  string `json:"scorePolicy"`
	ScoreRuleSet string `json:"scoreRuleSet"`
	ChatPolicy   string `json:"chatPolicy"`
	ChatRuleSet  string `json:"chatRuleSet"`
}

// ChatConfig holds chatbot settings.
type ChatConfig struct {
	// FallbackScore is used when the active model is not trained.
	FallbackScore      float64 `json:"fallbackScore"`
	FallbackConfidence float64 `json:"fallbackConfidence"`

	// Per-user message rate limit.
	RatePerMinute int `json:"ratePerMinute"`
	Burst         int `json:"burst"`

	SessionTTL time.Duration `json:"sessionTtl"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // none, otlp
	Endpoint     string `json:"endpoint"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 120, // training runs inside the request
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			ScoreTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Model: ModelConfig{
			DatasetPath:      "./data/creditcard.csv",
			DefaultAlgorithm: AlgorithmANN,
			Seed:             42,
			TestSize:         0.2,
			HiddenLayers:     []int{64, 32},
			Epochs:           30,
			BatchSize:        64,
			LearningRate:     0.001,
			Patience:         5,
			SVMLambda:        0.0001,
			SVMEpochs:        10,
			Neighbors:        5,
			KNNReference:     20000,
		},
		Policy: PolicyConfigs{
			ScorePolicy:  "standard",
			ScoreRuleSet: "standard",
			ChatPolicy:   "strict",
			ChatRuleSet:  "chat",
		},
		Chat: ChatConfig{
			FallbackScore:      0.01,
			FallbackConfidence: 0.85,
			RatePerMinute:      60,
			Burst:              10,
			SessionTTL:         30 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:      false,
			ServiceName:  "kestrel",
			ExporterType: "none",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
		ScoreTTL:       5 * time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	cfg.Tracing.ExporterType = "otlp"
	cfg.Tracing.Endpoint = "localhost:4317"
	return cfg
}

// LoadConfig reads an optional .env file, picks the tier preset and applies
// KESTREL_* environment overrides.
func LoadConfig(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg := DefaultConfig()
	if Tier(os.Getenv("KESTREL_TIER")) == TierPro {
		cfg = ProConfig()
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []string
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, key)
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, key)
				return
			}
			*dst = b
		}
	}
	flt := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, key)
				return
			}
			*dst = f
		}
	}

	str("KESTREL_HOST", &c.Server.Host)
	num("KESTREL_PORT", &c.Server.Port)

	str("KESTREL_DB_DRIVER", &c.Repository.Driver)
	str("KESTREL_SQLITE_PATH", &c.Repository.SQLitePath)
	str("KESTREL_PG_HOST", &c.Repository.PostgresHost)
	num("KESTREL_PG_PORT", &c.Repository.PostgresPort)
	str("KESTREL_PG_USER", &c.Repository.PostgresUser)
	str("KESTREL_PG_PASSWORD", &c.Repository.PostgresPassword)
	str("KESTREL_PG_DB", &c.Repository.PostgresDB)
	str("KESTREL_PG_SSLMODE", &c.Repository.PostgresSSLMode)
	flag("KESTREL_SEED_DEMO", &c.Repository.SeedDemo)

	str("KESTREL_CACHE", &c.Cache.Type)
	str("KESTREL_REDIS_ADDR", &c.Cache.RedisAddr)
	str("KESTREL_REDIS_PASSWORD", &c.Cache.RedisPassword)

	str("KESTREL_BUS", &c.EventBus.Type)
	str("KESTREL_NATS_URL", &c.EventBus.NATSUrl)
	str("KESTREL_NATS_TOKEN", &c.EventBus.NATSToken)
	str("KESTREL_NATS_QUEUE", &c.EventBus.NATSQueue)

	str("KESTREL_DATASET", &c.Model.DatasetPath)
	str("KESTREL_DEFAULT_ALGORITHM", &c.Model.DefaultAlgorithm)
	num("KESTREL_EPOCHS", &c.Model.Epochs)
	num("KESTREL_KNN_NEIGHBORS", &c.Model.Neighbors)
	num("KESTREL_KNN_REFERENCE", &c.Model.KNNReference)
	if v := os.Getenv("KESTREL_TRAIN_ON_START"); v != "" {
		c.Model.TrainOnStart = nil
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				c.Model.TrainOnStart = append(c.Model.TrainOnStart, name)
			}
		}
	}

	str("KESTREL_POLICY_FILE", &c.Policy.File)
	str("KESTREL_SCORE_POLICY", &c.Policy.ScorePolicy)
	str("KESTREL_SCORE_RULESET", &c.Policy.ScoreRuleSet)
	str("KESTREL_CHAT_POLICY", &c.Policy.ChatPolicy)
	str("KESTREL_CHAT_RULESET", &c.Policy.ChatRuleSet)

	flt("KESTREL_CHAT_FALLBACK_SCORE", &c.Chat.FallbackScore)
	num("KESTREL_CHAT_RATE", &c.Chat.RatePerMinute)
	num("KESTREL_CHAT_BURST", &c.Chat.Burst)

	str("KESTREL_LOG_LEVEL", &c.Logging.Level)
	str("KESTREL_LOG_FORMAT", &c.Logging.Format)
	if os.Getenv("KESTREL_DEBUG") == "true" {
		c.Logging.Level = "debug"
	}

	if ep := os.Getenv("KESTREL_OTLP_ENDPOINT"); ep != "" {
		c.Tracing.Enabled = true
		c.Tracing.ExporterType = "otlp"
		c.Tracing.Endpoint = ep
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid numeric environment values: %s", strings.Join(errs, ", "))
	}
	if !IsAlgorithm(c.Model.DefaultAlgorithm) {
		return &UnknownAlgorithmError{Algorithm: c.Model.DefaultAlgorithm}
	}
	for _, name := range c.Model.TrainOnStart {
		if !IsAlgorithm(name) {
			return &UnknownAlgorithmError{Algorithm: name}
		}
	}
	return nil
}
