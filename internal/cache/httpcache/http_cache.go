// Package httpcache maps HTTP requests to keys of a persistent cache and
// stores serialized responses under them.
package httpcache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/iTrooz/shortcache-proxy/internal/cache"
)

// Headers that change the representation returned by the upstream
var keyHeaders = []string{"Accept", "Accept-Encoding", "Accept-Language", "Content-Type"}

type HTTPCache struct {
	cache cache.GenericCache
}

func New(cache cache.GenericCache) *HTTPCache {
	return &HTTPCache{
		cache: cache,
	}
}

func shortHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:8]
}

// Variant describes the representation requ asks for, through the headers
// that take part in the cache key. Empty when none is set.
func Variant(requ *http.Request) string {
	variant := ""
	for _, k := range keyHeaders {
		if v, ok := requ.Header[k]; ok {
			variant += k + ":" + strings.Join(v, ",") + "\n"
		}
	}
	return variant
}

// GenerateKey builds a key from the URL, method, selected headers, and body:
// host/path/METHOD[_qHASH][_hHASH][_bHASH].bin
func (d *HTTPCache) GenerateKey(requ *http.Request) (string, error) {
	headersStr := Variant(requ)

	// Hash body (read and restore)
	var bodyHash string
	if requ.Body != nil && requ.Body != http.NoBody {
		body, err := io.ReadAll(requ.Body)
		if closeErr := requ.Body.Close(); err == nil && closeErr != nil {
			err = closeErr
		}
		if err != nil {
			return "", fmt.Errorf("failed to read request body: %w", err)
		}
		requ.Body = io.NopCloser(bytes.NewReader(body))
		if len(body) > 0 {
			bodyHash = shortHash(body)
		}
	}

	stem, err := keyStem(requ.Method, requ.URL, requ.Host)
	if err != nil {
		return "", err
	}

	key := stem
	if headersStr != "" {
		key += "_h" + shortHash([]byte(headersStr))
	}
	if bodyHash != "" {
		key += "_b" + bodyHash
	}
	return key + ".bin", nil
}

// keyStem is the part of a key shared by every representation of one
// method and URL: host/path/METHOD[_qHASH]
func keyStem(method string, u *url.URL, fallbackHost string) (string, error) {
	host := u.Host
	if host == "" {
		host = fallbackHost
	}
	host = strings.TrimSuffix(strings.TrimSuffix(host, ":80"), ":443")
	if host == "" {
		return "", fmt.Errorf("request %s has no host", u)
	}
	pathParts := []string{host}

	// Cleaning against "/" drops any ".." segment
	if p := strings.Trim(path.Clean("/"+u.Path), "/"); p != "" {
		pathParts = append(pathParts, p)
	}

	filename := method
	if u.RawQuery != "" {
		filename += "_q" + shortHash([]byte(u.RawQuery))
	}
	pathParts = append(pathParts, filename)

	return filepath.Join(pathParts...), nil
}

// Invalidate drops every cached GET and HEAD response of u, whatever
// representation it was stored for. It returns the number of keys removed.
func (d *HTTPCache) Invalidate(u *url.URL) (int, error) {
	removed := 0
	for _, method := range []string{http.MethodGet, http.MethodHead} {
		stem, err := keyStem(method, u, "")
		if err != nil {
			return removed, err
		}
		// Spelled out so that "GET" does not also match "GET_q..." keys of
		// other queries on the same path
		for _, prefix := range []string{stem + ".bin", stem + "_h", stem + "_b"} {
			n, err := d.cache.DeletePrefix(prefix)
			removed += n
			if err != nil {
				return removed, fmt.Errorf("failed to invalidate %s: %w", u, err)
			}
		}
	}
	return removed, nil
}

func (d *HTTPCache) SetReq(requ *http.Request, resp *http.Response) error {
	key, err := d.GenerateKey(requ)
	if err != nil {
		return fmt.Errorf("failed to generate cache key: %w", err)
	}

	return d.SetKey(key, resp)
}

func (d *HTTPCache) SetKey(key string, resp *http.Response) error {
	data, err := Serialize(resp)
	if err != nil {
		return fmt.Errorf("failed to serialize response: %w", err)
	}

	if err := d.cache.Set(key, data); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}

	return nil
}

// GetReq returns the cached response of requ, or nil on a miss
func (d *HTTPCache) GetReq(requ *http.Request) (*http.Response, error) {
	key, err := d.GenerateKey(requ)
	if err != nil {
		return nil, fmt.Errorf("failed to generate cache key: %w", err)
	}

	resp, err := d.GetKey(key)
	if err != nil {
		return nil, err
	}
	// Handle no cache hit
	if resp == nil {
		return nil, nil
	}

	// Associate the original request with the response
	resp.Request = requ
	logrus.Debugf("Cache hit for %s %s", requ.Method, requ.URL)
	return resp, nil
}

func (d *HTTPCache) GetKey(key string) (*http.Response, error) {
	data, err := d.cache.Get(key)
	if err != nil {
		return nil, fmt.Errorf("failed to get cache: %w", err)
	}
	if data == nil {
		return nil, nil // Cache miss
	}

	resp, err := Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize response: %w", err)
	}
	return resp, nil
}
