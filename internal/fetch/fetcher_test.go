package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iTrooz/shortcache-proxy/internal/cache/shortcache"
	"github.com/iTrooz/shortcache-proxy/internal/state"
)

func fixture_upstream(t *testing.T, hits *atomic.Int32, delay time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, requ *http.Request) {
		hits.Add(1)
		time.Sleep(delay)
		if requ.URL.Path == "/missing" {
			http.NotFound(w, requ)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Link", `</next>; rel="next"`)
		w.Header().Set("X-Accept-Echo", requ.Header.Get("Accept"))
		_, _ = w.Write([]byte(`<html><a rel="author" href="/me">me</a></html>`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetcherCachesStates(t *testing.T) {
	var hits atomic.Int32
	upstream := fixture_upstream(t, &hits, 0)

	cache := shortcache.New[*state.State](shortcache.WithTTL(time.Minute))
	f := NewFetcher(upstream.Client(), cache, Init{Header: http.Header{"Accept": {"text/html"}}}, nil)

	first, err := f.Fetch(context.Background(), upstream.URL+"/doc")
	require.NoError(t, err)
	assert.Equal(t, "text/html", first.Header.Get("X-Accept-Echo"))
	assert.True(t, first.Links.Has("next"))
	assert.True(t, first.Links.Has("author"))

	// Mutating the result must not leak into the cache
	first.Body = nil

	second, err := f.Fetch(context.Background(), upstream.URL+"/doc")
	require.NoError(t, err)
	assert.EqualValues(t, 1, hits.Load())
	assert.NotEmpty(t, second.Body)
	assert.NotSame(t, first, second)

	f.Invalidate(upstream.URL + "/doc")
	_, err = f.Fetch(context.Background(), upstream.URL+"/doc")
	require.NoError(t, err)
	assert.EqualValues(t, 2, hits.Load())
}

func TestFetcherStatusError(t *testing.T) {
	var hits atomic.Int32
	upstream := fixture_upstream(t, &hits, 0)

	cache := shortcache.New[*state.State]()
	f := NewFetcher(upstream.Client(), cache, Init{}, nil)

	_, err := f.Fetch(context.Background(), upstream.URL+"/missing")
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.False(t, cache.Has(upstream.URL+"/missing"))
}

func TestFetcherCoalescesConcurrentMisses(t *testing.T) {
	var hits atomic.Int32
	upstream := fixture_upstream(t, &hits, 100*time.Millisecond)

	cache := shortcache.New[*state.State](shortcache.WithTTL(time.Minute))
	f := NewFetcher(upstream.Client(), cache, Init{}, nil)

	var wg sync.WaitGroup
	results := make([]*state.State, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := f.Fetch(context.Background(), upstream.URL+"/slow")
			assert.NoError(t, err)
			results[i] = s
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, hits.Load())
	for i := 1; i < len(results); i++ {
		require.NotNil(t, results[i])
		assert.NotSame(t, results[0], results[i])
	}
}

func TestFetcherSharedFetchSurvivesCallerCancel(t *testing.T) {
	var hits atomic.Int32
	upstream := fixture_upstream(t, &hits, 200*time.Millisecond)

	cache := shortcache.New[*state.State](shortcache.WithTTL(time.Minute))
	f := NewFetcher(upstream.Client(), cache, Init{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := f.Fetch(ctx, upstream.URL+"/slow")
		leaderErr <- err
	}()
	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, 5*time.Millisecond)

	followerDone := make(chan *state.State, 1)
	go func() {
		s, err := f.Fetch(context.Background(), upstream.URL+"/slow")
		assert.NoError(t, err)
		followerDone <- s
	}()

	// Let the second caller join the request in flight
	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-leaderErr, context.Canceled)

	s := <-followerDone
	require.NotNil(t, s)
	assert.NotEmpty(t, s.Body)
	assert.EqualValues(t, 1, hits.Load())
	assert.True(t, cache.Has(upstream.URL+"/slow"))
}

func TestFetcherWithoutCache(t *testing.T) {
	var hits atomic.Int32
	upstream := fixture_upstream(t, &hits, 0)

	f := NewFetcher(upstream.Client(), nil, Init{}, nil)
	for i := 0; i < 2; i++ {
		s, err := f.Fetch(context.Background(), upstream.URL+"/doc")
		require.NoError(t, err)
		assert.NotEmpty(t, s.Body)
	}
	assert.EqualValues(t, 2, hits.Load())
	f.Invalidate(upstream.URL + "/doc")
}
