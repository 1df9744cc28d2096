// Package config loads the dispatcher configuration.
//
// Values are resolved in three layers, later layers winning:
//
//  1. Default()
//  2. the YAML file given on the command line
//  3. BEAVER_* environment variables, optionally seeded from a .env file
//
// Example file:
//
//	dispatch:
//	  max_running: 8
//	  dispatch_interval: 500ms
//	  completed_retention: 20s
//	store:
//	  driver: wal
//	  wal:
//	    dir: data/queue
//	history:
//	  driver: mongo
//	  mongo:
//	    uri: mongodb://localhost:27017
//	    database: beaver
//	metrics:
//	  enabled: true
//	  port: 9090
//	server:
//	  addr: ":50051"
//	log:
//	  level: info
//	  format: json
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. BEAVER_STORE_DRIVER.
const EnvPrefix = "BEAVER_"

// Store drivers.
const (
	StoreMemory   = "memory"
	StoreWAL      = "wal"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// History drivers.
const (
	HistoryNone     = "none"
	HistoryMemory   = "memory"
	HistoryPostgres = "postgres"
	HistoryMongo    = "mongo"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("config: invalid")

// Config is the complete dispatcher configuration.
type Config struct {
	Dispatch DispatchConfig `yaml:"dispatch" envPrefix:"DISPATCH_"`
	Store    StoreConfig    `yaml:"store" envPrefix:"STORE_"`
	History  HistoryConfig  `yaml:"history" envPrefix:"HISTORY_"`
	Metrics  MetricsConfig  `yaml:"metrics" envPrefix:"METRICS_"`
	Server   ServerConfig   `yaml:"server" envPrefix:"SERVER_"`
	Log      LogConfig      `yaml:"log" envPrefix:"LOG_"`
}

// DispatchConfig tunes the dispatch queue.
type DispatchConfig struct {
	MaxRunning         int           `yaml:"max_running" env:"MAX_RUNNING"`
	DispatchInterval   time.Duration `yaml:"dispatch_interval" env:"INTERVAL"`
	CompletedRetention time.Duration `yaml:"completed_retention" env:"COMPLETED_RETENTION"`
}

// StoreConfig selects the durable queue store.
type StoreConfig struct {
	Driver   string         `yaml:"driver" env:"DRIVER"`
	WAL      WALConfig      `yaml:"wal" envPrefix:"WAL_"`
	Redis    RedisConfig    `yaml:"redis" envPrefix:"REDIS_"`
	Postgres PostgresConfig `yaml:"postgres" envPrefix:"POSTGRES_"`
}

// WALConfig configures the file store.
type WALConfig struct {
	Dir          string `yaml:"dir" env:"DIR"`
	SyncOnAppend bool   `yaml:"sync_on_append" env:"SYNC_ON_APPEND"`
	CompactEvery int    `yaml:"compact_every" env:"COMPACT_EVERY"`
}

// RedisConfig configures the redis store.
type RedisConfig struct {
	Addr      string `yaml:"addr" env:"ADDR"`
	Password  string `yaml:"password" env:"PASSWORD"`
	DB        int    `yaml:"db" env:"DB"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// PostgresConfig configures a postgres connection.
type PostgresConfig struct {
	DSN string `yaml:"dsn" env:"DSN"`
}

// HistoryConfig selects the history archive and sizes the archiver.
type HistoryConfig struct {
	Driver  string        `yaml:"driver" env:"DRIVER"`
	Workers int           `yaml:"workers" env:"WORKERS"`
	Buffer  int           `yaml:"buffer" env:"BUFFER"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// Retention purges records older than this every PurgeInterval; zero
	// keeps them forever.
	Retention     time.Duration `yaml:"retention" env:"RETENTION"`
	PurgeInterval time.Duration `yaml:"purge_interval" env:"PURGE_INTERVAL"`

	// Postgres falls back to store.postgres.dsn when empty.
	Postgres PostgresConfig `yaml:"postgres" envPrefix:"POSTGRES_"`
	Mongo    MongoConfig    `yaml:"mongo" envPrefix:"MONGO_"`
}

// MongoConfig configures the mongo archive.
type MongoConfig struct {
	URI        string `yaml:"uri" env:"URI"`
	Database   string `yaml:"database" env:"DATABASE"`
	Collection string `yaml:"collection" env:"COLLECTION"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	Port    int  `yaml:"port" env:"PORT"`
}

// ServerConfig configures the gRPC boundary.
type ServerConfig struct {
	Addr string `yaml:"addr" env:"ADDR"`
	// SubmitRate is the sustained submissions per second; zero disables
	// limiting.
	SubmitRate  float64 `yaml:"submit_rate" env:"SUBMIT_RATE"`
	SubmitBurst int     `yaml:"submit_burst" env:"SUBMIT_BURST"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// Default returns the built-in configuration: in-memory store, no
// history, metrics off.
func Default() Config {
	return Config{
		Dispatch: DispatchConfig{
			MaxRunning:         4,
			DispatchInterval:   500 * time.Millisecond,
			CompletedRetention: 20 * time.Second,
		},
		Store: StoreConfig{
			Driver: StoreMemory,
			WAL: WALConfig{
				Dir:          "data/queue",
				SyncOnAppend: true,
				CompactEvery: 1000,
			},
			Redis: RedisConfig{Addr: "localhost:6379", KeyPrefix: "beaver:"},
		},
		History: HistoryConfig{
			Driver:        HistoryNone,
			Workers:       2,
			Buffer:        256,
			Timeout:       10 * time.Second,
			PurgeInterval: time.Hour,
			Mongo:         MongoConfig{Database: "beaver", Collection: "archived_calls"},
		},
		Metrics: MetricsConfig{Port: 9090},
		Server: ServerConfig{
			Addr:        ":50051",
			SubmitBurst: 50,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the environment. envFiles are loaded into the
// environment first without overriding variables already set; with none
// given, a .env file in the working directory is used when present.
func Load(path string, envFiles ...string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return cfg, fmt.Errorf("config: load env files: %w", err)
		}
	} else {
		// .env is optional
		_ = godotenv.Load()
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("config: environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks driver names and required connection settings.
func (c Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.Dispatch.MaxRunning <= 0 {
		invalid("dispatch.max_running must be positive, got %d", c.Dispatch.MaxRunning)
	}
	if c.Dispatch.DispatchInterval <= 0 {
		invalid("dispatch.dispatch_interval must be positive")
	}
	if c.Dispatch.CompletedRetention < 0 {
		invalid("dispatch.completed_retention must not be negative")
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StoreWAL:
		if c.Store.WAL.Dir == "" {
			invalid("store.wal.dir is required for the wal driver")
		}
	case StoreRedis:
		if c.Store.Redis.Addr == "" {
			invalid("store.redis.addr is required for the redis driver")
		}
	case StorePostgres:
		if c.Store.Postgres.DSN == "" {
			invalid("store.postgres.dsn is required for the postgres driver")
		}
	default:
		invalid("unknown store driver %q", c.Store.Driver)
	}

	switch c.History.Driver {
	case HistoryNone, HistoryMemory:
	case HistoryPostgres:
		if c.HistoryPostgresDSN() == "" {
			invalid("history.postgres.dsn or store.postgres.dsn is required for the postgres history driver")
		}
	case HistoryMongo:
		if c.History.Mongo.URI == "" {
			invalid("history.mongo.uri is required for the mongo history driver")
		}
		if c.History.Mongo.Database == "" {
			invalid("history.mongo.database is required for the mongo history driver")
		}
	default:
		invalid("unknown history driver %q", c.History.Driver)
	}

	if c.History.Retention < 0 {
		invalid("history.retention must not be negative")
	}
	if c.History.Retention > 0 && c.History.PurgeInterval <= 0 {
		invalid("history.purge_interval must be positive when retention is set")
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		invalid("metrics.port out of range: %d", c.Metrics.Port)
	}
	if c.Server.SubmitRate < 0 {
		invalid("server.submit_rate must not be negative")
	}
	if c.Server.SubmitRate > 0 && c.Server.SubmitBurst <= 0 {
		invalid("server.submit_burst must be positive when submit_rate is set")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		invalid("unknown log format %q", c.Log.Format)
	}

	return errors.Join(errs...)
}

// HistoryPostgresDSN returns the DSN of the postgres archive.
func (c Config) HistoryPostgresDSN() string {
	if c.History.Postgres.DSN != "" {
		return c.History.Postgres.DSN
	}
	return c.Store.Postgres.DSN
}

// NewLogger returns a logger writing to w in the configured format and
// level.
func (c LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("%w: log level %q", ErrInvalidConfig, s)
	}
	return level, nil
}
