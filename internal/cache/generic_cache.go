// Handles persistent caching of HTTP responses
package cache

import (
	"fmt"
	"path/filepath"

	"github.com/iTrooz/shortcache-proxy/internal/config"
)

// GenericCache interface for caching operations
type GenericCache interface {
	// retrieves cached response data if it exists and is not expired.
	// returns nil, nil when not found or expired
	Get(key string) ([]byte, error)
	// stores response data in the cache at the specified path
	Set(key string, value []byte) error
	// removes every key starting with prefix and returns how many were removed
	DeletePrefix(prefix string) (int, error)
	// initializes the cache (e.g., creates necessary directories)
	Init() error
}

// NewGeneric creates the persistent cache selected by the configuration
func NewGeneric(cfg *config.Config) (GenericCache, error) {
	ttl, err := cfg.GetCacheTTL()
	if err != nil {
		return nil, fmt.Errorf("invalid cache TTL: %w", err)
	}

	switch cfg.Cache.Backend {
	case "", config.BackendDisk:
		return NewGenericDisk(cfg.Cache.Folder, ttl), nil
	case config.BackendBolt:
		return NewGenericBolt(filepath.Join(cfg.Cache.Folder, "cache.db"), ttl), nil
	default:
		return nil, fmt.Errorf("unknown cache backend: %s", cfg.Cache.Backend)
	}
}
