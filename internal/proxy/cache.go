package proxy

import (
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/iTrooz/shortcache-proxy/internal/cache/httpcache"
	"github.com/iTrooz/shortcache-proxy/internal/metrics"
	"github.com/iTrooz/shortcache-proxy/internal/state"
)

// getShortCached answers GET requests from the in-memory state cache. The
// entry is only used when it holds the representation requ asks for.
func (s *Server) getShortCached(requ *http.Request, targetURL string) *http.Response {
	if s.shortCache == nil || requ.Method != http.MethodGet {
		return nil
	}

	st, ok := s.shortCache.Get(targetURL)
	if !ok {
		s.metrics.Lookup(metrics.LayerMemory, metrics.ResultMiss)
		return nil
	}
	if st.Variant != httpcache.Variant(requ) {
		s.metrics.Lookup(metrics.LayerMemory, metrics.ResultMiss)
		logrus.Debugf("Short cache holds another representation of %s", targetURL)
		return nil
	}
	s.metrics.Lookup(metrics.LayerMemory, metrics.ResultHit)
	logrus.Debugf("Short cache hit for %s", targetURL)

	resp := st.Response(requ)
	resp.Header.Set("X-Cache", "HIT")
	resp.Header.Set("X-Cache-Layer", metrics.LayerMemory)
	return resp
}

// getCachedResponse returns a response from the persistent cache if available
func (s *Server) getCachedResponse(requ *http.Request, key string) *http.Response {
	resp, err := s.httpCache.GetKey(key)
	if err != nil {
		logrus.Errorf("Failed to get cached data for %s: %v", requ.URL, err)
		return nil
	}
	if resp == nil {
		s.metrics.Lookup(metrics.LayerDisk, metrics.ResultMiss)
		logrus.Debugf("No cached data found for %s", requ.URL)
		return nil
	}
	s.metrics.Lookup(metrics.LayerDisk, metrics.ResultHit)
	resp.Request = requ

	// Later requests for the same URL can skip the disk
	s.storeShort(requ, resp, getTargetURL(requ), httpcache.Variant(requ))

	resp.Header.Set("X-Cache", "HIT")
	resp.Header.Set("X-Cache-Layer", metrics.LayerDisk)
	return resp
}

// shouldBeCached determines if a response should be cached based on rules
func (s *Server) shouldBeCached(requ *http.Request, resp *http.Response) bool {
	matched := false
	for _, rule := range s.rules {
		if rule.Match(requ, resp) {
			matched = true
			break
		}
	}

	if s.config.Rules.Mode == "whitelist" {
		return matched
	}
	return !matched
}

// cacheResponse stores an upstream response in both cache layers
func (s *Server) cacheResponse(requ *http.Request, resp *http.Response, ex *exchange) {
	s.storeShort(requ, resp, ex.targetURL, ex.variant)

	if err := s.httpCache.SetKey(ex.key, resp); err != nil {
		logrus.Errorf("Failed to cache response for %s: %v", ex.targetURL, err)
	}
}

// storeShort keeps successful GET responses in the short cache. The
// response body is buffered and stays readable.
func (s *Server) storeShort(requ *http.Request, resp *http.Response, targetURL, variant string) {
	if s.shortCache == nil || requ.Method != http.MethodGet || resp.StatusCode != http.StatusOK {
		return
	}

	st, err := state.FromResponse(targetURL, resp)
	if err != nil {
		logrus.Errorf("Failed to read state of %s: %v", targetURL, err)
		return
	}
	st.Header.Del("X-Cache")
	st.Header.Del("X-Cache-Layer")
	st.Variant = variant
	s.shortCache.Store(st)
}

// invalidate drops every cached copy of a resource that was modified, from
// both layers
func (s *Server) invalidate(targetURL string) {
	if s.shortCache != nil && s.shortCache.Has(targetURL) {
		s.shortCache.Delete(targetURL)
		s.metrics.Invalidated()
		logrus.Debugf("Short cache invalidated %s", targetURL)
	}

	u, err := url.Parse(targetURL)
	if err != nil {
		logrus.Errorf("Failed to invalidate %s: %v", targetURL, err)
		return
	}
	n, err := s.httpCache.Invalidate(u)
	if err != nil {
		logrus.Errorf("Failed to invalidate cached responses of %s: %v", targetURL, err)
	}
	if n > 0 {
		logrus.Debugf("Removed %d cached responses of %s", n, targetURL)
	}
}
