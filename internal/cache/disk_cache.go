package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// GenericDiskCache stores every key as a file below cacheDir. Expiration is
// based on the file modification time.
type GenericDiskCache struct {
	cacheDir string
	ttl      time.Duration
}

// NewGenericDisk creates a new disk cache
func NewGenericDisk(cacheDir string, ttl time.Duration) *GenericDiskCache {
	return &GenericDiskCache{
		cacheDir: cacheDir,
		ttl:      ttl,
	}
}

func (d *GenericDiskCache) path(key string) (string, error) {
	if !filepath.IsLocal(key) {
		return "", fmt.Errorf("invalid cache key %q", key)
	}
	return filepath.Join(d.cacheDir, key), nil
}

// Get retrieves cached data if it exists and is not expired
func (d *GenericDiskCache) Get(key string) ([]byte, error) {
	cachePath, err := d.path(key)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(cachePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat cache file: %w", err)
	}

	if time.Since(info.ModTime()) > d.ttl {
		// Cache expired, remove it
		if err := os.Remove(cachePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logrus.Errorf("Failed to remove expired cache file %s: %v", cachePath, err)
		}
		logrus.Debugf("Cache file expired: %s", cachePath)
		return nil, nil
	}

	data, err := os.ReadFile(cachePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache file: %w", err)
	}

	return data, nil
}

// Set stores data in the cache
func (d *GenericDiskCache) Set(key string, data []byte) error {
	cachePath, err := d.path(key)
	if err != nil {
		return err
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(cachePath), 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	if err := os.WriteFile(cachePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}

	logrus.Debugf("Cached response: %s", cachePath)
	return nil
}

// DeletePrefix removes the files whose key starts with prefix. Keys are
// matched within the directory of prefix only.
func (d *GenericDiskCache) DeletePrefix(prefix string) (int, error) {
	prefixPath, err := d.path(prefix)
	if err != nil {
		return 0, err
	}
	dir, base := filepath.Split(prefixPath)

	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to list cache directory: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), base) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("failed to remove cache file: %w", err)
		}
		removed++
	}
	if removed > 0 {
		logrus.Debugf("Removed %d cache files matching %s", removed, prefixPath)
	}
	return removed, nil
}

// Init ensures the cache directory exists
func (d *GenericDiskCache) Init() error {
	return os.MkdirAll(d.cacheDir, 0755)
}
