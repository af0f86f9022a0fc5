package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"AidPull/internal/domain/models"
)

type Config struct {
	Environment string `yaml:"environment"`
	Server      struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		Output string `yaml:"output"`
	} `yaml:"logging"`
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`
	Cache struct {
		Backend   string        `yaml:"backend"` // memory, redis, layered
		MaxSize   int           `yaml:"max_size"`
		Retention time.Duration `yaml:"retention"`
		Redis     struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"cache"`
	RateLimit struct {
		DrainInterval     time.Duration `yaml:"drain_interval"`
		BaseRetryDelay    time.Duration `yaml:"base_retry_delay"`
		BackoffMultiplier float64       `yaml:"backoff_multiplier"`
		MaxBackoff        time.Duration `yaml:"max_backoff"`
		MaxRequeues       int           `yaml:"max_requeues"`
		MaxQueueDepth     int           `yaml:"max_queue_depth"`
	} `yaml:"rate_limit"`
	Monitor struct {
		Window        time.Duration `yaml:"window"`
		MaxRecords    int           `yaml:"max_records"`
		CheckInterval time.Duration `yaml:"check_interval"`
		Thresholds    struct {
			MaxAvgLatency  time.Duration `yaml:"max_avg_latency"`
			MaxP95Latency  time.Duration `yaml:"max_p95_latency"`
			MinSuccessRate float64       `yaml:"min_success_rate"`
			MaxErrorRate   float64       `yaml:"max_error_rate"`
		} `yaml:"thresholds"`
	} `yaml:"monitor"`
	Consolidation struct {
		AutoStart        bool          `yaml:"auto_start"`
		Interval         time.Duration `yaml:"interval"`
		QualityThreshold float64       `yaml:"quality_threshold"`
	} `yaml:"consolidation"`
	Kafka struct {
		Enabled      bool     `yaml:"enabled"`
		Brokers      []string `yaml:"brokers"`
		Topic        string   `yaml:"topic"`
		RequiredAcks int      `yaml:"required_acks"`
		Compression  string   `yaml:"compression"`
		Producer     struct {
			MaxAttempts  int           `yaml:"max_attempts"`
			Linger       time.Duration `yaml:"linger"`
			BatchBytes   int           `yaml:"batch_bytes"`
			BatchSize    int           `yaml:"batch_size"`
			WriteTimeout time.Duration `yaml:"write_timeout"`
			ReadTimeout  time.Duration `yaml:"read_timeout"`
			Async        bool          `yaml:"async"`
		} `yaml:"producer"`
	} `yaml:"kafka"`
	ClickHouse struct {
		Enabled          bool          `yaml:"enabled"`
		Host             string        `yaml:"host"`
		Port             int           `yaml:"port"`
		Database         string        `yaml:"database"`
		User             string        `yaml:"user"`
		Password         string        `yaml:"password"`
		UseHTTP          bool          `yaml:"use_http"`
		AsyncInsert      bool          `yaml:"async_insert"`
		WaitForAsync     bool          `yaml:"wait_for_async_insert"`
		DialTimeout      time.Duration `yaml:"dial_timeout"`
		ReadTimeout      time.Duration `yaml:"read_timeout"`
		WriteTimeout     time.Duration `yaml:"write_timeout"`
		MaxExecutionTime time.Duration `yaml:"max_execution_time"`
		BatchSize        int           `yaml:"batch_size"`
		FlushInterval    time.Duration `yaml:"flush_interval"`
	} `yaml:"clickhouse"`

	Sources  []models.SourceConfig `yaml:"sources"`
	Sections []models.SectionPlan  `yaml:"sections"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Validate required fields
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &c, nil
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
func LoadWithEnv(path string) (*Config, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Override with environment variables
	if v := os.Getenv("CACHE_BACKEND"); v != "" {
		c.Cache.Backend = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Cache.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Cache.Redis.Password = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		c.Kafka.Topic = v
	}
	if v := os.Getenv("CLICKHOUSE_HOST"); v != "" {
		c.ClickHouse.Host = v
	}
	if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
		c.ClickHouse.Password = v
	}

	return c, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Environment == "" {
		return fmt.Errorf("environment is required")
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
	}
	switch c.Cache.Backend {
	case "memory", "redis", "layered":
	default:
		return fmt.Errorf("cache.backend must be 'memory', 'redis' or 'layered', got '%s'", c.Cache.Backend)
	}
	if c.Cache.Backend != "memory" && c.Cache.Redis.Addr == "" {
		return fmt.Errorf("cache.redis.addr is required for backend '%s'", c.Cache.Backend)
	}
	if len(c.Sources) == 0 {
		return fmt.Errorf("sources cannot be empty")
	}
	known := make(map[string]bool, len(c.Sources))
	for i := range c.Sources {
		if err := c.Sources[i].Validate(); err != nil {
			return err
		}
		if known[c.Sources[i].Name] {
			return fmt.Errorf("duplicate source %s", c.Sources[i].Name)
		}
		known[c.Sources[i].Name] = true
	}
	if len(c.Sections) == 0 {
		return fmt.Errorf("sections cannot be empty")
	}
	for _, sec := range c.Sections {
		if sec.Name == "" {
			return fmt.Errorf("section name is required")
		}
		for sub, chain := range sec.Subsections {
			if len(chain) == 0 {
				return fmt.Errorf("section %s: subsection %s has no candidates", sec.Name, sub)
			}
			for _, cand := range chain {
				if !known[cand.Source] {
					return fmt.Errorf("section %s: subsection %s references unknown source %s", sec.Name, sub, cand.Source)
				}
			}
		}
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers cannot be empty when kafka is enabled")
	}
	if c.ClickHouse.Enabled && c.ClickHouse.Host == "" {
		return fmt.Errorf("clickhouse.host is required when clickhouse is enabled")
	}
	if c.Consolidation.Interval <= 0 {
		c.Consolidation.Interval = 15 * time.Minute
	}
	if c.Consolidation.QualityThreshold <= 0 {
		c.Consolidation.QualityThreshold = 0.5
	}
	return nil
}
