package shortcache

import (
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iTrooz/shortcache-proxy/internal/state"
)

// manualScheduler only fires timers when Advance is called
type manualScheduler struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*manualTimer
}

type manualTimer struct {
	s       *manualScheduler
	at      time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func (s *manualScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTimer{s: s, at: s.now + d, fn: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *manualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	s.now += d
	var due []*manualTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired && t.at <= s.now {
			t.fired = true
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		t.fn()
	}
}

func (s *manualScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

const fooURL = "http://example/foo"

func fixture_state(body string) *state.State {
	header := http.Header{"Content-Type": []string{"text/plain"}}
	links := state.NewLinks()
	links.Add(state.Link{Rel: "next", Href: "http://example/bar"})
	return state.New(fooURL, []byte(body), header, links)
}

func TestNewDefaults(t *testing.T) {
	c := New[*state.State]()
	assert.Equal(t, DefaultTTL, c.TTL())
	assert.Equal(t, 0, c.Len())

	c = New[*state.State](WithTTL(0))
	assert.Equal(t, time.Duration(0), c.TTL())

	c = New[*state.State](WithTTL(-time.Second))
	assert.Equal(t, DefaultTTL, c.TTL(), "negative TTL should be ignored")
}

func TestStoreAndGet(t *testing.T) {
	c := New[*state.State](WithScheduler(&manualScheduler{}))
	s := fixture_state("hi")
	c.Store(s)

	assert.True(t, c.Has(fooURL))

	got, ok := c.Get(fooURL)
	require.True(t, ok)

	// Timestamps are not part of the value
	got.Timestamp = s.Timestamp
	assert.True(t, got.Equal(s))
	assert.Equal(t, s, got)
	assert.NotSame(t, s, got)
}

func TestStoreClonesInput(t *testing.T) {
	c := New[*state.State](WithScheduler(&manualScheduler{}))
	s := fixture_state("hi")
	c.Store(s)

	s.Body[0] = 'X'
	s.Header.Set("Content-Type", "application/json")
	s.Links.Add(state.Link{Rel: "prev", Href: "http://example/baz"})

	got, ok := c.Get(fooURL)
	require.True(t, ok)
	assert.Equal(t, "hi", string(got.Body))
	assert.Equal(t, "text/plain", got.Header.Get("Content-Type"))
	assert.False(t, got.Links.Has("prev"))
}

func TestGetReturnsIndependentCopies(t *testing.T) {
	c := New[*state.State](WithScheduler(&manualScheduler{}))
	c.Store(fixture_state("hi"))

	first, ok := c.Get(fooURL)
	require.True(t, ok)
	first.Body = []byte("changed")
	first.Header.Add("X-Test", "1")
	first.Links.Delete("next")

	second, ok := c.Get(fooURL)
	require.True(t, ok)
	assert.NotSame(t, first, second)
	assert.Equal(t, "hi", string(second.Body))
	assert.Empty(t, second.Header.Get("X-Test"))
	assert.True(t, second.Links.Has("next"))
}

func TestGetMissing(t *testing.T) {
	c := New[*state.State](WithScheduler(&manualScheduler{}))

	got, ok := c.Get("http://example/missing")
	assert.False(t, ok)
	assert.Nil(t, got)
	assert.False(t, c.Has("http://example/missing"))
}

func TestDelete(t *testing.T) {
	sched := &manualScheduler{}
	c := New[*state.State](WithScheduler(sched))
	c.Store(fixture_state("hi"))
	c.Delete(fooURL)

	assert.False(t, c.Has(fooURL))
	got, ok := c.Get(fooURL)
	assert.False(t, ok)
	assert.Nil(t, got)
	assert.Equal(t, 0, sched.pending(), "delete should stop the timer")

	// Deleting again is a no-op
	c.Delete(fooURL)
	assert.Equal(t, 0, c.Len())
}

func TestClear(t *testing.T) {
	sched := &manualScheduler{}
	c := New[*state.State](WithScheduler(sched))

	urls := []string{"http://example/a", "http://example/b", "http://example/c"}
	for _, u := range urls {
		c.Store(state.New(u, []byte(u), nil, nil))
	}
	require.Equal(t, len(urls), c.Len())

	c.Clear()
	for _, u := range urls {
		assert.False(t, c.Has(u), u)
		_, ok := c.Get(u)
		assert.False(t, ok, u)
	}
	assert.Equal(t, 0, sched.pending())

	// Clearing an empty cache is a no-op
	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestExpiration(t *testing.T) {
	sched := &manualScheduler{}
	var expired []string
	c := New[*state.State](
		WithTTL(time.Minute),
		WithScheduler(sched),
		WithExpireHook(func(key string) { expired = append(expired, key) }),
	)
	c.Store(fixture_state("hi"))

	sched.Advance(59 * time.Second)
	assert.True(t, c.Has(fooURL))

	sched.Advance(time.Second)
	assert.False(t, c.Has(fooURL))
	_, ok := c.Get(fooURL)
	assert.False(t, ok)
	assert.Equal(t, []string{fooURL}, expired)
}

func TestGetDoesNotExtendTTL(t *testing.T) {
	sched := &manualScheduler{}
	c := New[*state.State](WithTTL(10*time.Second), WithScheduler(sched))
	c.Store(fixture_state("hi"))

	for i := 0; i < 9; i++ {
		sched.Advance(time.Second)
		_, ok := c.Get(fooURL)
		require.True(t, ok)
	}
	sched.Advance(time.Second)
	assert.False(t, c.Has(fooURL))
}

func TestReplaceKeepsNewEntryAlive(t *testing.T) {
	sched := &manualScheduler{}
	c := New[*state.State](WithTTL(10*time.Second), WithScheduler(sched))

	c.Store(fixture_state("first"))
	sched.Advance(5 * time.Second)
	c.Store(fixture_state("second"))
	assert.Equal(t, 1, sched.pending(), "old timer should be stopped")

	// Past the first entry's deadline, before the second's
	sched.Advance(6 * time.Second)
	got, ok := c.Get(fooURL)
	require.True(t, ok)
	assert.Equal(t, "second", string(got.Body))

	sched.Advance(4 * time.Second)
	assert.False(t, c.Has(fooURL))
}

func TestLateTimerIgnoresNewerEntry(t *testing.T) {
	c := New[*state.State](WithScheduler(&manualScheduler{}))
	c.Store(fixture_state("first"))

	c.mu.Lock()
	stale := c.entries[fooURL]
	c.mu.Unlock()

	c.Store(fixture_state("second"))

	// A timer that fired before being stopped must not evict its successor
	c.expire(fooURL, stale)
	got, ok := c.Get(fooURL)
	require.True(t, ok)
	assert.Equal(t, "second", string(got.Body))
}

func TestExpireWithRealTimers(t *testing.T) {
	c := New[*state.State](WithTTL(0))
	c.Store(fixture_state("hi"))

	assert.Eventually(t, func() bool {
		return !c.Has(fooURL)
	}, time.Second, 10*time.Millisecond)
}

func TestReplaceWithRealTimers(t *testing.T) {
	c := New[*state.State](WithTTL(200 * time.Millisecond))
	c.Store(fixture_state("first"))
	time.Sleep(100 * time.Millisecond)
	c.Store(fixture_state("second"))

	time.Sleep(150 * time.Millisecond)
	got, ok := c.Get(fooURL)
	require.True(t, ok, "first entry's timer evicted the replacement")
	assert.Equal(t, "second", string(got.Body))
}

func TestConcurrentAccess(t *testing.T) {
	c := New[*state.State](WithTTL(time.Millisecond))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				c.Store(fixture_state("hi"))
				if got, ok := c.Get(fooURL); ok {
					got.Body = nil
				}
				c.Has(fooURL)
				if j%50 == 0 {
					c.Delete(fooURL)
				}
			}
		}()
	}
	wg.Wait()
	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestZeroTTLExpiresOnNextTick(t *testing.T) {
	sched := &manualScheduler{}
	c := New[*state.State](WithTTL(0), WithScheduler(sched))
	c.Store(state.New(fooURL, []byte("hi"), nil, nil))

	// Never evicted synchronously by Store itself
	assert.True(t, c.Has(fooURL))

	sched.Advance(0)
	assert.False(t, c.Has(fooURL))
}
