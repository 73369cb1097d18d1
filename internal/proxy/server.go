package proxy

import (
	"fmt"
	"io"
	"net/http"

	"github.com/elazarl/goproxy"
	"github.com/sirupsen/logrus"

	"github.com/iTrooz/shortcache-proxy/internal/cache"
	"github.com/iTrooz/shortcache-proxy/internal/cache/httpcache"
	"github.com/iTrooz/shortcache-proxy/internal/cache/shortcache"
	"github.com/iTrooz/shortcache-proxy/internal/config"
	"github.com/iTrooz/shortcache-proxy/internal/metrics"
	"github.com/iTrooz/shortcache-proxy/internal/state"
)

// Server represents the caching proxy server
type Server struct {
	config     *config.Config
	proxy      *goproxy.ProxyHttpServer
	rules      []Rule
	persistent cache.GenericCache
	httpCache  *httpcache.HTTPCache
	// nil when the short cache is disabled
	shortCache *shortcache.ShortCache[*state.State]
	metrics    *metrics.Metrics
}

// New creates a new proxy server
func New(cfg *config.Config) (*Server, error) {
	persistent, err := cache.NewGeneric(cfg)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:     cfg,
		proxy:      goproxy.NewProxyHttpServer(),
		persistent: persistent,
		httpCache:  httpcache.New(persistent),
		metrics:    metrics.New(),
	}

	for _, rule := range cfg.Rules.Rules {
		s.rules = append(s.rules, &ConfigRule{CacheRule: rule})
	}

	if cfg.ShortCache.Enabled {
		ttl, err := cfg.GetShortCacheTTL()
		if err != nil {
			return nil, fmt.Errorf("invalid short cache TTL: %w", err)
		}
		s.shortCache = shortcache.New[*state.State](
			shortcache.WithTTL(ttl),
			shortcache.WithExpireHook(s.metrics.Expired),
		)
		s.metrics.RegisterShortCacheSize(s.shortCache.Len)
	}

	s.proxy.Logger = logrus.StandardLogger()
	s.proxy.Verbose = logrus.IsLevelEnabled(logrus.DebugLevel)
	s.proxy.NonproxyHandler = s.nonProxyHandler()

	if cfg.Server.HTTPS.MITM {
		if err := s.setupHTTPSProxyHandler(); err != nil {
			return nil, fmt.Errorf("failed to set up TLS interception: %w", err)
		}
	}

	s.proxy.OnRequest().DoFunc(s.onRequest)
	s.proxy.OnResponse().DoFunc(s.onResponse)

	return s, nil
}

// GetProxy returns the underlying goproxy handler
func (s *Server) GetProxy() *goproxy.ProxyHttpServer {
	return s.proxy
}

// ShortCache returns the in-memory state cache, nil when disabled
func (s *Server) ShortCache() *shortcache.ShortCache[*state.State] {
	return s.shortCache
}

// Start starts the proxy server
func (s *Server) Start() error {
	if err := s.persistent.Init(); err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}

	logrus.Infof("Starting caching proxy on port %d", s.config.Server.Port)
	logrus.Infof("Cache folder: %s (%s backend)", s.config.Cache.Folder, s.config.Cache.Backend)
	logrus.Infof("Cache TTL: %s", s.config.Cache.TTL)
	if s.shortCache != nil {
		logrus.Infof("Short cache TTL: %s", s.shortCache.TTL())
	} else {
		logrus.Infof("Short cache disabled")
	}
	logrus.Infof("Rules mode: %s", s.config.Rules.Mode)

	if addr := s.config.Server.HTTPS.TransparentAddr; addr != "" {
		go func() {
			if err := s.StartTransparentHTTPS(addr); err != nil {
				logrus.Errorf("Transparent HTTPS stopped: %v", err)
			}
		}()
	}

	return http.ListenAndServe(fmt.Sprintf(":%d", s.config.Server.Port), s.proxy)
}

// Close drops the in-memory cache and releases the persistent one
func (s *Server) Close() error {
	if s.shortCache != nil {
		s.shortCache.Clear()
	}
	if closer, ok := s.persistent.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// nonProxyHandler serves requests addressed to the proxy itself
func (s *Server) nonProxyHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "This is a proxy server. Does not respond to non-proxy requests.", http.StatusInternalServerError)
	})
	return mux
}

// exchange carries per-request data from the request to the response phase
type exchange struct {
	targetURL string
	// persistent cache key, empty if the request is not cacheable
	key string
	// requested representation, read before goproxy strips headers such
	// as Accept-Encoding from the forwarded request
	variant string
	// layer that answered the request, empty on a miss
	hitLayer string
}

func (s *Server) onRequest(requ *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	ex := &exchange{targetURL: getTargetURL(requ), variant: httpcache.Variant(requ)}
	ctx.UserData = ex

	if !s.shouldBeCached(requ, nil) {
		logrus.Debugf("Not caching %s %s (disabled by rules)", requ.Method, ex.targetURL)
		return requ, nil
	}

	if resp := s.getShortCached(requ, ex.targetURL); resp != nil {
		ex.hitLayer = metrics.LayerMemory
		return requ, resp
	}

	key, err := s.httpCache.GenerateKey(requ)
	if err != nil {
		logrus.Errorf("Failed to generate cache key for %s: %v", ex.targetURL, err)
		return requ, nil
	}
	ex.key = key

	if resp := s.getCachedResponse(requ, key); resp != nil {
		ex.hitLayer = metrics.LayerDisk
		return requ, resp
	}

	return requ, nil
}

func (s *Server) onResponse(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	ex, ok := ctx.UserData.(*exchange)
	if !ok || ex.hitLayer != "" {
		return resp
	}

	// Cached copies are stale once the upstream saw a modification, even
	// one that failed
	if isUnsafe(ctx.Req.Method) {
		s.invalidate(ex.targetURL)
	}

	if resp == nil {
		return nil
	}

	s.metrics.Upstream(resp.StatusCode)
	logrus.Infof("Forwarded request: %s %s -> %d", ctx.Req.Method, ex.targetURL, resp.StatusCode)

	if ex.key != "" && s.shouldBeCached(ctx.Req, resp) {
		s.cacheResponse(ctx.Req, resp, ex)
	}

	resp.Header.Set("X-Cache", "MISS")
	return resp
}
