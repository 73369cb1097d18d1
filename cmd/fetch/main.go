// Command fetch prints the state of one or more resources. URLs given more
// than once within the short cache TTL are only fetched once.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/iTrooz/shortcache-proxy/internal/cache/shortcache"
	"github.com/iTrooz/shortcache-proxy/internal/config"
	"github.com/iTrooz/shortcache-proxy/internal/fetch"
	"github.com/iTrooz/shortcache-proxy/internal/state"
)

func main() {
	configPath := flag.String("config", "", "optional configuration file")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: fetch [-config file] URL...")
		os.Exit(2)
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logrus.Fatalf("Failed to load config: %v", err)
		}
		cfg = *loaded
	}
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}
	level, _ := cfg.GetLogLevel()
	logrus.SetLevel(level)

	timeout, _ := cfg.GetFetchTimeout()

	cache, err := newShortCache(&cfg)
	if err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}
	if cache != nil {
		defer cache.Clear()
	}
	fetcher := fetch.NewFetcher(&http.Client{Timeout: timeout}, cache, fetch.Init{Header: cfg.FetchHeaders()}, nil)

	failed := false
	for _, rawURL := range flag.Args() {
		s, err := fetcher.Fetch(context.Background(), rawURL)
		if err != nil {
			logrus.Errorf("%v", err)
			failed = true
			continue
		}
		printState(s)
	}
	if failed {
		os.Exit(1)
	}
}

// newShortCache returns nil when the short cache is disabled
func newShortCache(cfg *config.Config) (*shortcache.ShortCache[*state.State], error) {
	if !cfg.ShortCache.Enabled {
		return nil, nil
	}
	ttl, err := cfg.GetShortCacheTTL()
	if err != nil {
		return nil, fmt.Errorf("invalid short cache TTL: %w", err)
	}
	return shortcache.New[*state.State](shortcache.WithTTL(ttl)), nil
}

func printState(s *state.State) {
	fmt.Printf("%s\n", s.URI)
	fmt.Printf("  content-type: %s\n", s.ContentType())
	fmt.Printf("  size: %d bytes\n", len(s.Body))
	for _, link := range s.Links.All() {
		if link.Title != "" {
			fmt.Printf("  link %s -> %s (%s)\n", link.Rel, link.Href, link.Title)
		} else {
			fmt.Printf("  link %s -> %s\n", link.Rel, link.Href)
		}
	}
}
