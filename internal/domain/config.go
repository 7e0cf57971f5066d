package domain

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `yaml:"server"`

	// Tier determines component selection (sqlite/memory/channel vs
	// postgres/redis/nats)
	Tier Tier `yaml:"tier"`

	// Component configurations
	Repository RepositoryConfig `yaml:"repository"`
	Cache      CacheConfig      `yaml:"cache"`
	EventBus   EventBusConfig   `yaml:"eventBus"`

	// Scoring pipeline
	Scoring ScoringConfig `yaml:"scoring"`

	// Model registry
	Registry RegistryConfig `yaml:"registry"`

	// Retraining pipeline
	Retrain RetrainConfig `yaml:"retrain"`

	// Explanation subsystem
	Assist AssistConfig `yaml:"assist"`

	// Observability
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"readTimeout"`  // seconds
	WriteTimeout int    `yaml:"writeTimeout"` // seconds
}

// ScoringConfig holds fusion weights and decision thresholds.
type ScoringConfig struct {
	// SupervisedWeight + AnomalyWeight should sum to 1.0.
	SupervisedWeight float64 `yaml:"supervisedWeight"`
	AnomalyWeight    float64 `yaml:"anomalyWeight"`

	// Decision bands. A score equal to BlockThreshold blocks; a score
	// equal to ChallengeThreshold allows.
	BlockThreshold     float64 `yaml:"blockThreshold"`
	ChallengeThreshold float64 `yaml:"challengeThreshold"`

	// LargeAmountOverride escalates a CHALLENGE to BLOCK when the
	// transaction amount is at or above this value. Zero disables it.
	LargeAmountOverride float64 `yaml:"largeAmountOverride"`

	// VelocityWindow is the rolling window for per-user velocity, seconds.
	VelocityWindow int `yaml:"velocityWindow"`

	// MaxAdjustment caps the total absolute shift contextual adjustment
	// rules may apply to the fused score. Zero falls back to the default.
	MaxAdjustment float64 `yaml:"maxAdjustment"`

	// Adjustments are CEL-based contextual adjustment rules evaluated
	// after fusion. Empty means the built-in defaults.
	Adjustments []AdjustmentRule `yaml:"adjustments"`
}

// AdjustmentRule shifts the fused score by Delta when its CEL expression
// evaluates true against the transaction and score context.
type AdjustmentRule struct {
	ID         string  `yaml:"id" json:"id"`
	Expression string  `yaml:"expression" json:"expression"`
	Delta      float64 `yaml:"delta" json:"delta"`
	Reason     string  `yaml:"reason" json:"reason"`
	Enabled    bool    `yaml:"enabled" json:"enabled"`
}

// RegistryConfig holds model artifact storage settings.
type RegistryConfig struct {
	// Dir is the directory holding current and versioned artifacts.
	Dir string `yaml:"dir"`
}

// RetrainConfig holds retraining pipeline settings.
type RetrainConfig struct {
	// TestSplit is the held-out fraction for evaluation.
	TestSplit float64 `yaml:"testSplit"`

	// MinFraudSamples below which the evaluation report is flagged
	// low-confidence.
	MinFraudSamples int `yaml:"minFraudSamples"`

	// MinTuneSamples below which hyperparameter search is skipped in
	// favor of fixed defaults.
	MinTuneSamples int `yaml:"minTuneSamples"`

	// Timeout bounds a retraining run.
	Timeout time.Duration `yaml:"timeout"`
}

// AssistConfig holds explanation subsystem settings.
type AssistConfig struct {
	// Endpoint is the explanation service URL. Empty disables assist.
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"apiKey"`
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"serviceName"`
	Endpoint    string `yaml:"endpoint"`
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
			WriteTimeout: 30,
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
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Scoring: ScoringConfig{
			SupervisedWeight:    0.7,
			AnomalyWeight:       0.3,
			BlockThreshold:      0.7,
			ChallengeThreshold:  0.4,
			LargeAmountOverride: 5000,
			VelocityWindow:      3600,
			MaxAdjustment:       0.15,
		},
		Registry: RegistryConfig{
			Dir: "./models",
		},
		Retrain: RetrainConfig{
			TestSplit:       0.2,
			MinFraudSamples: 10,
			MinTuneSamples:  200,
			Timeout:         15 * time.Minute,
		},
		Assist: AssistConfig{
			Timeout: 20 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
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
		LocalTTL:       5 * time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

// LoadConfig reads a YAML config file over the given base configuration.
func LoadConfig(path string, base *Config) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := *base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}
