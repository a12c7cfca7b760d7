// Package config loads the engine configuration from an optional YAML file,
// an optional .env file and DRAGONFLOW_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/ZanzyTHEbar/dragonflow/internal/batch"
	"github.com/ZanzyTHEbar/dragonflow/internal/cache"
	"github.com/ZanzyTHEbar/dragonflow/internal/logging"
	"github.com/ZanzyTHEbar/dragonflow/internal/retry"
	"github.com/ZanzyTHEbar/dragonflow/internal/storage"
)

// EnvPrefix prefixes every environment override, e.g. DRAGONFLOW_BATCH_WORKERS.
const EnvPrefix = "DRAGONFLOW"

// Cache backends.
const (
	CacheNone     = "none"
	CacheMemory   = "memory"
	CacheFile     = "file"
	CacheRedis    = "redis"
	CachePostgres = "postgres"
)

// Run storage sinks.
const (
	SinkMemory = "memory"
	SinkFile   = "file"
	SinkAMQP   = "amqp"
)

// Config is the complete engine configuration.
type Config struct {
	Logging  logging.Config `mapstructure:"logging"`
	Service  ServiceConfig  `mapstructure:"service"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Batch    batch.Config   `mapstructure:"batch"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Prompts  PromptConfig   `mapstructure:"prompts"`
	Events   EventsConfig   `mapstructure:"events"`
}

// ServiceConfig configures the HTTP execution service.
type ServiceConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// UseWorkers routes /execution/flow through the batch coordinator
	// instead of the in-process executor.
	UseWorkers bool `mapstructure:"use_workers"`
}

// ExecutorConfig tunes per-line execution.
type ExecutorConfig struct {
	MaxWorkers          int           `mapstructure:"max_workers" validate:"gte=1"`
	BlockingSlots       int           `mapstructure:"blocking_slots" validate:"gte=1"`
	LongRunningInterval time.Duration `mapstructure:"long_running_interval"`
}

// CacheConfig selects and configures the node cache backend.
type CacheConfig struct {
	Backend  string            `mapstructure:"backend" validate:"oneof=none memory file redis postgres"`
	TTL      time.Duration     `mapstructure:"ttl"`
	Path     string            `mapstructure:"path"`
	Redis    cache.RedisConfig `mapstructure:"redis" validate:"-"`
	Postgres PostgresConfig    `mapstructure:"postgres" validate:"-"`
}

// PostgresConfig configures the Postgres cache backend.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn" validate:"required"`
	MaxConns int32  `mapstructure:"max_conns" validate:"gte=0"`
}

// StorageConfig lists the run storage sinks records are fanned out to.
type StorageConfig struct {
	Sinks []string           `mapstructure:"sinks" validate:"dive,oneof=memory file amqp"`
	Dir   string             `mapstructure:"dir"`
	AMQP  storage.AMQPConfig `mapstructure:"amqp" validate:"-"`
}

// RetryConfig is the policy used around provider and storage calls.
type RetryConfig struct {
	Tries    int           `mapstructure:"tries" validate:"gte=1"`
	Delay    time.Duration `mapstructure:"delay"`
	Backoff  float64       `mapstructure:"backoff" validate:"gte=1"`
	MaxDelay time.Duration `mapstructure:"max_delay"`
	Jitter   float64       `mapstructure:"jitter" validate:"gte=0,lte=1"`
}

// Policy converts the settings into a retry.Policy.
func (c RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		Tries:    c.Tries,
		Delay:    c.Delay,
		Backoff:  c.Backoff,
		MaxDelay: c.MaxDelay,
		Jitter:   c.Jitter,
	}
}

// PromptConfig configures genkit prompt tools.
type PromptConfig struct {
	Dir string `mapstructure:"dir"`
}

// EventsConfig configures the lifecycle event bus an engine owns.
type EventsConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	BufferSize int           `mapstructure:"buffer_size" validate:"gte=1"`
	Workers    int           `mapstructure:"workers" validate:"gte=1"`
	Retries    int           `mapstructure:"retries" validate:"gte=0"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	// Log writes every event at debug level.
	Log bool `mapstructure:"log"`
}

// HasSink reports whether name is one of the configured sinks.
func (c StorageConfig) HasSink(name string) bool {
	for _, s := range c.Sinks {
		if s == name {
			return true
		}
	}
	return false
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stderr")
	v.SetDefault("logging.no_color", false)
	v.SetDefault("logging.timestamp", true)

	v.SetDefault("service.addr", ":8080")
	v.SetDefault("service.read_timeout", 30*time.Second)
	v.SetDefault("service.write_timeout", 5*time.Minute)
	v.SetDefault("service.shutdown_timeout", 15*time.Second)
	v.SetDefault("service.use_workers", false)

	v.SetDefault("executor.max_workers", 8)
	v.SetDefault("executor.blocking_slots", 4)
	v.SetDefault("executor.long_running_interval", 60*time.Second)

	v.SetDefault("batch.workers", 0)
	v.SetDefault("batch.queue_size", 0)
	v.SetDefault("batch.line_timeout", 0)
	v.SetDefault("batch.batch_timeout", 0)

	v.SetDefault("cache.backend", CacheMemory)
	v.SetDefault("cache.ttl", 0)
	v.SetDefault("cache.path", ".dragonflow/cache.jsonl")
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.prefix", "dragonflow:cache:")
	v.SetDefault("cache.redis.ttl", 0)
	v.SetDefault("cache.redis.pool_size", 10)
	v.SetDefault("cache.postgres.dsn", "")
	v.SetDefault("cache.postgres.max_conns", 4)

	v.SetDefault("storage.sinks", []string{SinkMemory})
	v.SetDefault("storage.dir", ".dragonflow/runs")
	v.SetDefault("storage.amqp.url", "")
	v.SetDefault("storage.amqp.exchange", "dragonflow.runs")

	v.SetDefault("retry.tries", 3)
	v.SetDefault("retry.delay", 500*time.Millisecond)
	v.SetDefault("retry.backoff", 2.0)
	v.SetDefault("retry.max_delay", 30*time.Second)
	v.SetDefault("retry.jitter", 0.0)

	v.SetDefault("prompts.dir", "")

	v.SetDefault("events.enabled", true)
	v.SetDefault("events.buffer_size", 256)
	v.SetDefault("events.workers", 2)
	v.SetDefault("events.retries", 3)
	v.SetDefault("events.retry_delay", 100*time.Millisecond)
	v.SetDefault("events.log", true)
}

// loader holds the optional file overrides of Load.
type loader struct {
	configFile string
	envFile    string
}

// Option is a functional option for Load.
type Option func(*loader)

// WithConfigFile sets an explicit YAML config file.
func WithConfigFile(path string) Option {
	return func(l *loader) { l.configFile = path }
}

// WithEnvFile sets an explicit .env file.
func WithEnvFile(path string) Option {
	return func(l *loader) { l.envFile = path }
}

var searchPaths = []string{"./dragonflow.yaml", "./dragonflow.yml", "./config/dragonflow.yaml"}

// Load resolves the configuration. Precedence, highest first: environment,
// .env file, YAML file, defaults. An explicit file that does not exist is an
// error; searched files are optional.
func Load(opts ...Option) (*Config, error) {
	var l loader
	for _, opt := range opts {
		opt(&l)
	}

	v := viper.New()
	setDefaults(v)

	configFile := l.configFile
	if configFile == "" {
		configFile = findFile(searchPaths)
	} else if !exists(configFile) {
		return nil, fmt.Errorf("config file %s not found", configFile)
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	envFile := l.envFile
	if envFile == "" {
		envFile = findFile([]string{".env"})
	} else if !exists(envFile) {
		return nil, fmt.Errorf("env file %s not found", envFile)
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration Load produces with no files and no
// environment overrides.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	cfg.ApplyDefaults()
	return &cfg
}

// ApplyDefaults fills derived fields of the nested sections.
func (c *Config) ApplyDefaults() {
	c.Logging.ApplyDefaults()
	c.Cache.Redis.ApplyDefaults()
	c.Storage.AMQP.ApplyDefaults()
	// viper lowercases map keys; environment variable names are upper case.
	if len(c.Batch.Env) > 0 {
		env := make(map[string]string, len(c.Batch.Env))
		for k, v := range c.Batch.Env {
			env[strings.ToUpper(k)] = v
		}
		c.Batch.Env = env
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the settings of the selected cache
// backend and sinks.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	switch c.Cache.Backend {
	case CacheRedis:
		if err := validate.Struct(c.Cache.Redis); err != nil {
			return fmt.Errorf("invalid config: cache.redis: %w", err)
		}
	case CachePostgres:
		if err := validate.Struct(c.Cache.Postgres); err != nil {
			return fmt.Errorf("invalid config: cache.postgres: %w", err)
		}
	case CacheFile:
		if c.Cache.Path == "" {
			return fmt.Errorf("invalid config: cache.path is required for the file backend")
		}
	}
	if c.Storage.HasSink(SinkAMQP) {
		if err := validate.Struct(c.Storage.AMQP); err != nil {
			return fmt.Errorf("invalid config: storage.amqp: %w", err)
		}
	}
	if c.Storage.HasSink(SinkFile) && c.Storage.Dir == "" {
		return fmt.Errorf("invalid config: storage.dir is required for the file sink")
	}
	return nil
}

func findFile(paths []string) string {
	for _, p := range paths {
		if exists(p) {
			return p
		}
	}
	return ""
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
