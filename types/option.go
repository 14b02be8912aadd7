package types

import (
	"context"

	"github.com/mcuadros/go-defaults"
)

func NewEngineOptions() *EngineOptions {
	opts := &EngineOptions{
		Ctx:    context.Background(),
		Events: NopSink{},
	}
	defaults.SetDefaults(opts)
	return opts
}

type EngineOptions struct {
	Ctx context.Context

	// Events receives structured engine events. Defaults to a no-op sink.
	Events EventSink
	// Metrics accumulates engine counters. Nil means counters are dropped.
	Metrics Metrics

	/**
	 * default: 1
	 * the daemon persists a state snapshot every N wake-ups.
	 */
	SnapshotEvery int `default:"1"`
	/**
	 * default: false, only set it to true when doing testing or developing.
	 */
	MemStore bool `default:"false"`

	// SQLitePath enables the embedded sqlite store when non-empty.
	SQLitePath string

	// PostgresConfig takes precedence over SQLitePath and MemStore.
	PostgresConfig *PostgresConfig
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"` // disable, require, verify-ca, verify-full
}

type EngineOption func(*EngineOptions)

func WithContext(ctx context.Context) EngineOption {
	return func(opts *EngineOptions) {
		opts.Ctx = ctx
	}
}

func WithEventSink(sink EventSink) EngineOption {
	return func(opts *EngineOptions) {
		opts.Events = sink
	}
}

func WithMetrics(metrics Metrics) EngineOption {
	return func(opts *EngineOptions) {
		opts.Metrics = metrics
	}
}

func WithSnapshotEvery(n int) EngineOption {
	return func(opts *EngineOptions) {
		opts.SnapshotEvery = n
	}
}

func EnableMemStore() EngineOption {
	return func(opts *EngineOptions) {
		opts.MemStore = true
	}
}

func WithSQLitePath(path string) EngineOption {
	return func(opts *EngineOptions) {
		opts.SQLitePath = path
	}
}

// WithPostgresConfig configures the engine to snapshot through PostgreSQL
func WithPostgresConfig(config *PostgresConfig) EngineOption {
	return func(opts *EngineOptions) {
		opts.PostgresConfig = config
	}
}
