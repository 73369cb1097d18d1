package fetch

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/iTrooz/shortcache-proxy/internal/cache/shortcache"
	"github.com/iTrooz/shortcache-proxy/internal/metrics"
	"github.com/iTrooz/shortcache-proxy/internal/state"
)

// StatusError is returned when the upstream answers with a non-2xx status
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetching %s: unexpected status %d", e.URL, e.StatusCode)
}

// Fetcher retrieves resource states, serving recently fetched ones from a
// short cache.
type Fetcher struct {
	client   *http.Client
	cache    *shortcache.ShortCache[*state.State]
	defaults Init
	metrics  *metrics.Metrics
	group    singleflight.Group
}

// NewFetcher creates a fetcher. A nil client means http.DefaultClient and
// a nil cache disables caching; m may be nil.
func NewFetcher(client *http.Client, cache *shortcache.ShortCache[*state.State], defaults Init, m *metrics.Metrics) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{
		client:   client,
		cache:    cache,
		defaults: defaults,
		metrics:  m,
	}
}

// Fetch returns the state of rawURL. The returned state belongs to the
// caller.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*state.State, error) {
	if f.cache != nil {
		if s, ok := f.cache.Get(rawURL); ok {
			f.metrics.Lookup(metrics.LayerMemory, metrics.ResultHit)
			logrus.Debugf("Short cache hit for %s", rawURL)
			return s, nil
		}
		f.metrics.Lookup(metrics.LayerMemory, metrics.ResultMiss)
	}

	// Concurrent misses for one URL share a single upstream request. The
	// request outlives the caller that started it; each caller only stops
	// waiting on its own cancellation.
	ch := f.group.DoChan(rawURL, func() (any, error) {
		return f.fetch(context.WithoutCancel(ctx), rawURL)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*state.State).Clone(), nil
	}
}

// Invalidate drops the cached state of rawURL
func (f *Fetcher) Invalidate(rawURL string) {
	if f.cache == nil {
		return
	}
	f.cache.Delete(rawURL)
}

func (f *Fetcher) fetch(ctx context.Context, rawURL string) (*state.State, error) {
	requ, err := NewRequest(ctx, rawURL, nil, &f.defaults)
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(requ)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	f.metrics.Upstream(resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	s, err := state.FromResponse(rawURL, resp)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", rawURL, err)
	}

	if f.cache != nil {
		f.cache.Store(s)
	}
	logrus.Debugf("Fetched %s (%d bytes, %d links)", rawURL, len(s.Body), s.Links.Len())
	return s, nil
}
