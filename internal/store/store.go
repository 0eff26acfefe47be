// Package store provides velocity store implementations for Nexus.
package store

import (
	"fmt"

	"github.com/wekeza/nexus/internal/domain"
)

// New creates a velocity store based on configuration.
// Single node: in-memory sharded counters.
// Multi node: Redis, so all nodes see the same velocity state.
func New(cfg domain.StoreConfig) (domain.VelocityStore, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(), nil

	case "redis":
		return NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Type)
	}
}
