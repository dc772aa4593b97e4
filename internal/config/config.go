package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the pulse service.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Mongo         MongoConfig         `yaml:"mongo"`
	AI            AIConfig            `yaml:"ai"`
	Aggregation   AggregationConfig   `yaml:"aggregation"`
	Summarization SummarizationConfig `yaml:"summarization"`
	Spike         SpikeConfig         `yaml:"spike"`
	Queue         QueueConfig         `yaml:"queue"`
	RateLimit     RateLimitConfig     `yaml:"rateLimit"`
	Breaker       BreakerConfig       `yaml:"breaker"`
	Logging       LoggingConfig       `yaml:"logging"`
	Cache         CacheConfig         `yaml:"cache"`
	// CriticalServices maps service names to scoring boosts.
	CriticalServices map[string]CriticalService `yaml:"criticalServices"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
}

// MongoConfig configures the persistence backend.
type MongoConfig struct {
	URI      string        `yaml:"uri"`
	Database string        `yaml:"database"`
	Timeout  time.Duration `yaml:"timeout"`
}

// AIConfig selects and configures the summary provider.
type AIConfig struct {
	Provider string        `yaml:"provider"` // "claude" or "openai"
	APIKey   string        `yaml:"apiKey"`
	Model    string        `yaml:"model"`
	BaseURL  string        `yaml:"baseURL"`
	Timeout  time.Duration `yaml:"timeout"`
}

// AggregationConfig controls the incident clustering worker.
type AggregationConfig struct {
	Interval time.Duration `yaml:"interval"`
	Window   time.Duration `yaml:"window"`
}

// SummarizationConfig controls the AI summary worker.
type SummarizationConfig struct {
	Interval   time.Duration `yaml:"interval"`
	BatchSize  int           `yaml:"batchSize"`
	MaxRetries int           `yaml:"maxRetries"`
}

// SpikeConfig controls the rolling anomaly detector.
type SpikeConfig struct {
	WindowSize      time.Duration `yaml:"windowSize"`
	HistoryWindows  int           `yaml:"historyWindows"`
	StdDevThreshold float64       `yaml:"stdDevThreshold"`
	MinDataPoints   int           `yaml:"minDataPoints"`
}

// QueueConfig controls the bounded ingest buffer.
type QueueConfig struct {
	MaxSize                int           `yaml:"maxSize"`
	BatchSize              int           `yaml:"batchSize"`
	BatchInterval          time.Duration `yaml:"batchInterval"`
	BroadcastBatchSize     int           `yaml:"broadcastBatchSize"`
	BroadcastBatchInterval time.Duration `yaml:"broadcastBatchInterval"`
}

// RateLimitConfig controls per-client ingest admission.
type RateLimitConfig struct {
	Window      time.Duration `yaml:"window"`
	MaxRequests int           `yaml:"maxRequests"`
}

// BreakerConfig controls the AI circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failureThreshold"`
	SuccessThreshold int           `yaml:"successThreshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// CacheConfig controls the in-process read-through cache on hot read
// paths.
type CacheConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ActiveListTTL time.Duration `yaml:"activeListTTL"`
	EventStatsTTL time.Duration `yaml:"eventStatsTTL"`
}

// CriticalService boosts scoring for high-blast-radius services.
type CriticalService struct {
	Multiplier     float64 `yaml:"multiplier"`
	AlertThreshold int     `yaml:"alertThreshold"`
}

// Load initialises Config from a YAML file and environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("MIRADOR_PULSE_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    15 * time.Second,
		},
		Mongo: MongoConfig{
			URI:      "mongodb://localhost:27017",
			Database: "pulse",
			Timeout:  5 * time.Second,
		},
		AI: AIConfig{
			Provider: "claude",
			Timeout:  60 * time.Second,
		},
		Aggregation: AggregationConfig{
			Interval: 30 * time.Second,
			Window:   5 * time.Minute,
		},
		Summarization: SummarizationConfig{
			Interval:   30 * time.Second,
			BatchSize:  5,
			MaxRetries: 3,
		},
		Spike: SpikeConfig{
			WindowSize:      5 * time.Minute,
			HistoryWindows:  12,
			StdDevThreshold: 2.0,
			MinDataPoints:   3,
		},
		Queue: QueueConfig{
			MaxSize:                10000,
			BatchSize:              100,
			BatchInterval:          time.Second,
			BroadcastBatchSize:     10,
			BroadcastBatchInterval: 100 * time.Millisecond,
		},
		RateLimit: RateLimitConfig{
			Window:      time.Minute,
			MaxRequests: 1000,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          60 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Cache: CacheConfig{
			Enabled:       true,
			ActiveListTTL: 5 * time.Second,
			EventStatsTTL: 30 * time.Second,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MIRADOR_PULSE_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("MIRADOR_PULSE_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("PULSE_MONGO_URI"); v != "" {
		cfg.Mongo.URI = v
	}
	if v := os.Getenv("PULSE_MONGO_DATABASE"); v != "" {
		cfg.Mongo.Database = v
	}
	if v := os.Getenv("PULSE_AI_PROVIDER"); v != "" {
		cfg.AI.Provider = strings.ToLower(v)
	}
	switch cfg.AI.Provider {
	case "openai":
		if v := os.Getenv("OPENAI_API_KEY"); v != "" {
			cfg.AI.APIKey = v
		}
	default:
		if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
			cfg.AI.APIKey = v
		}
	}
	if v := os.Getenv("PULSE_AI_MODEL"); v != "" {
		cfg.AI.Model = v
	}
	if v := os.Getenv("PULSE_AI_BASE_URL"); v != "" {
		cfg.AI.BaseURL = v
	}
	if v := os.Getenv("MIRADOR_PULSE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MIRADOR_PULSE_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("MIRADOR_PULSE_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || v == "1"
	}

	overrideDurationMs("PULSE_AGGREGATION_INTERVAL_MS", &cfg.Aggregation.Interval)
	overrideDurationMs("PULSE_AGGREGATION_WINDOW_MS", &cfg.Aggregation.Window)
	overrideDurationMs("PULSE_SUMMARIZATION_INTERVAL_MS", &cfg.Summarization.Interval)
	overrideInt("PULSE_SUMMARIZATION_BATCH_SIZE", &cfg.Summarization.BatchSize)
	overrideInt("PULSE_SUMMARIZATION_MAX_RETRIES", &cfg.Summarization.MaxRetries)
	overrideDurationMs("PULSE_SPIKE_WINDOW_MS", &cfg.Spike.WindowSize)
	overrideInt("PULSE_SPIKE_HISTORY_WINDOWS", &cfg.Spike.HistoryWindows)
	overrideFloat("PULSE_SPIKE_STDDEV_THRESHOLD", &cfg.Spike.StdDevThreshold)
	overrideInt("PULSE_SPIKE_MIN_DATA_POINTS", &cfg.Spike.MinDataPoints)
	overrideInt("PULSE_QUEUE_MAX_SIZE", &cfg.Queue.MaxSize)
	overrideInt("PULSE_QUEUE_BATCH_SIZE", &cfg.Queue.BatchSize)
	overrideDurationMs("PULSE_QUEUE_BATCH_INTERVAL_MS", &cfg.Queue.BatchInterval)
	overrideInt("PULSE_BROADCAST_BATCH_SIZE", &cfg.Queue.BroadcastBatchSize)
	overrideDurationMs("PULSE_BROADCAST_BATCH_INTERVAL_MS", &cfg.Queue.BroadcastBatchInterval)
	overrideDurationMs("PULSE_RATE_LIMIT_WINDOW_MS", &cfg.RateLimit.Window)
	overrideInt("PULSE_RATE_LIMIT_MAX_REQUESTS", &cfg.RateLimit.MaxRequests)
	overrideInt("PULSE_BREAKER_FAILURE_THRESHOLD", &cfg.Breaker.FailureThreshold)
	overrideInt("PULSE_BREAKER_SUCCESS_THRESHOLD", &cfg.Breaker.SuccessThreshold)
	overrideDurationMs("PULSE_BREAKER_TIMEOUT_MS", &cfg.Breaker.Timeout)
}

func overrideDurationMs(name string, target *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
			*target = time.Duration(ms) * time.Millisecond
		}
	}
}

func overrideInt(name string, target *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*target = n
		}
	}
}

func overrideFloat(name string, target *float64) {
	if v := os.Getenv(name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			*target = f
		}
	}
}

func validate(cfg *Config) error {
	if cfg.AI.Provider != "claude" && cfg.AI.Provider != "openai" {
		return fmt.Errorf("unsupported ai provider %q", cfg.AI.Provider)
	}
	if cfg.Queue.MaxSize <= 0 {
		return fmt.Errorf("queue maxSize must be positive")
	}
	if cfg.Queue.BatchSize <= 0 || cfg.Queue.BatchSize > cfg.Queue.MaxSize {
		return fmt.Errorf("queue batchSize must be within (0, maxSize]")
	}
	if cfg.Spike.HistoryWindows <= 0 {
		return fmt.Errorf("spike historyWindows must be positive")
	}
	return nil
}
