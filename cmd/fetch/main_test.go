package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iTrooz/shortcache-proxy/internal/config"
)

func TestNewShortCache(t *testing.T) {
	cfg := config.Default()
	cfg.ShortCache.TTL = "5s"
	cache, err := newShortCache(&cfg)
	require.NoError(t, err)
	require.NotNil(t, cache)
	assert.Equal(t, 5*time.Second, cache.TTL())

	cfg.ShortCache.TTL = "garbage"
	_, err = newShortCache(&cfg)
	assert.Error(t, err)

	// A disabled cache ignores its TTL
	cfg.ShortCache.Enabled = false
	cache, err = newShortCache(&cfg)
	require.NoError(t, err)
	assert.Nil(t, cache)
}
