// Package tests holds end-to-end tests running the proxy against a local
// upstream.
package tests

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/iTrooz/shortcache-proxy/internal/config"
	"github.com/iTrooz/shortcache-proxy/internal/proxy"
)

// fixture_upstream creates a test upstream server counting its requests
func fixture_upstream(hits *atomic.Int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, requ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Link", `</related>; rel="related"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"message": "Hello from upstream", "path": "` + requ.URL.Path + `"}`))
	}))
}

// fixture_versioned_upstream serves the current version of every resource,
// as HTML or JSON depending on Accept. Unsafe requests bump the version.
func fixture_versioned_upstream(hits *atomic.Int32) *httptest.Server {
	var version atomic.Int32
	version.Store(1)
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, requ *http.Request) {
		hits.Add(1)
		if requ.Method != http.MethodGet && requ.Method != http.MethodHead {
			version.Add(1)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		v := version.Load()
		if strings.Contains(requ.Header.Get("Accept"), "text/html") {
			w.Header().Set("Content-Type", "text/html")
			_, _ = fmt.Fprintf(w, "<html>v%d</html>", v)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"v":%d}`, v)
	}))
}

// fixture_config creates a test config with optional rules
func fixture_config(tempDir string, rules *config.RulesConfig) *config.Config {
	cfg := config.Default()
	cfg.Server.Port = 0 // Will be set by test server
	cfg.Cache = config.CacheConfig{
		TTL:     "1h",
		Folder:  tempDir,
		Backend: config.BackendDisk,
	}
	cfg.ShortCache = config.ShortCacheConfig{Enabled: true, TTL: "1m"}

	if rules != nil {
		cfg.Rules = *rules
	}

	return &cfg
}

// fixture_proxy creates a proxy server with the given config and returns the server, test server, and HTTP client
func fixture_proxy(cfg *config.Config) (*proxy.Server, *httptest.Server, *http.Client, error) {
	proxyServer, err := proxy.New(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	// Create test proxy HTTP server using goproxy
	proxyTestServer := httptest.NewServer(proxyServer.GetProxy())

	// Create HTTP client that uses our proxy
	proxyURL, _ := url.Parse(proxyTestServer.URL)
	client := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
		Timeout: 10 * time.Second,
	}

	return proxyServer, proxyTestServer, client, nil
}
