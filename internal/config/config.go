// Package config provides configuration persistence for the query engine
// coordinator.
//
// Store persists and reloads the desired coordinator configuration across
// restarts. This is control-plane state, not data-plane state: it describes
// result-bus endpoints, storage-engine endpoints, and the coordinator's own
// tunables (MaxTasks, MaxSlice, MaxPipelines, MaxRows).
//
// Store does not:
//   - Plan queries
//   - Execute WHERE/SELECT/POST-PROCESSING
//   - Watch for live changes (v1 is load-on-start only)
package config

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Store.Load when no configuration has been saved.
var ErrNotFound = errors.New("config: not found")

// Store persists and loads coordinator configuration.
//
// Config changes are not hot-reloaded; the coordinator loads config once at
// startup and does not watch the backing store for changes. Store is not
// accessed on the query hot path.
type Store interface {
	// Load reads the configuration. Returns ErrNotFound if none exists.
	Load(ctx context.Context) (*Config, error)

	// Save persists the configuration.
	Save(ctx context.Context, cfg *Config) error
}

// Config describes the desired shape of a coordinator process.
// It is declarative: it defines what should exist, not how to create it.
type Config struct {
	// ResultBus describes the front-end queue/result-store connection.
	ResultBus ResultBusConfig

	// Storage describes the storage-engine endpoint this coordinator reads from.
	Storage StorageConfig

	// Tunables bounds the coordinator's admission and scheduling behavior.
	Tunables Tunables
}

// ResultBusConfig describes how to reach the shared result bus.
type ResultBusConfig struct {
	// Addr is the Redis-compatible address (host:port) of the result bus.
	Addr string

	// Password authenticates to the result bus, if required.
	Password string

	// DB selects the logical database index.
	DB int

	// Connections is K, the number of non-intake connections (1..K) used
	// for per-query I/O. Connection 0 (intake) is implicit and always present.
	Connections int

	// Host identifies this engine instance in the per-engine backup list
	// key (ENGINE:<host>).
	Host string
}

// StorageConfig describes how to reach the storage engine.
type StorageConfig struct {
	// Endpoint is the storage-engine connection string. Empty selects the
	// in-memory engine (internal/qe/storage.Memory), used for tests and for
	// standalone operation.
	Endpoint string

	// Keyspace is passed to the storage engine's init(keyspace) call.
	Keyspace string
}

// Tunables bounds admission and scheduling.
type Tunables struct {
	// MaxTasks is the stage-0 instance count (parallel chunk workers) per pipeline.
	MaxTasks int

	// MaxSlice bounds chunk size as a multiple of 2^RowTimeBits (spec §3).
	MaxSlice int

	// MaxPipelines is the global in-flight pipeline cap (spec §3: 32).
	MaxPipelines int

	// MaxRows is the row cap applied to every query; there is no per-query
	// override.
	MaxRows int
}

// DefaultTunables returns the tunables used when a Config omits them.
func DefaultTunables() Tunables {
	return Tunables{
		MaxTasks:     4,
		MaxSlice:     64,
		MaxPipelines: 32,
		MaxRows:      1_000_000,
	}
}

// Validate checks the tunables are usable, filling in defaults for zero fields.
func (t *Tunables) Validate() error {
	d := DefaultTunables()
	if t.MaxTasks <= 0 {
		t.MaxTasks = d.MaxTasks
	}
	if t.MaxSlice <= 0 {
		t.MaxSlice = d.MaxSlice
	}
	if t.MaxPipelines <= 0 {
		t.MaxPipelines = d.MaxPipelines
	}
	if t.MaxRows <= 0 {
		t.MaxRows = d.MaxRows
	}
	if t.MaxPipelines > 4096 {
		return fmt.Errorf("config: max_pipelines %d exceeds sane bound", t.MaxPipelines)
	}
	return nil
}
