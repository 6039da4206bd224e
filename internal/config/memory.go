package config

import (
	"context"
	"sync"
)

// Memory is an in-process Store backed by a guarded pointer. It is used by
// cmd/qeserver for flag-derived configuration and by tests; it performs no I/O.
type Memory struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewMemory returns a Memory store seeded with cfg (nil leaves it empty).
func NewMemory(cfg *Config) *Memory {
	return &Memory{cfg: cfg}
}

func (m *Memory) Load(ctx context.Context) (*Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cfg == nil {
		return nil, ErrNotFound
	}
	cp := *m.cfg
	return &cp, nil
}

func (m *Memory) Save(ctx context.Context, cfg *Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *cfg
	m.cfg = &cp
	return nil
}
