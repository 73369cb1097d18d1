package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iTrooz/shortcache-proxy/internal/config"
)

// fixture_tls_upstream serves the request path over TLS
func fixture_tls_upstream(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, requ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "secure "+requ.URL.Path)
	}))
	t.Cleanup(upstream.Close)
	return upstream
}

// mitmServer builds a MITM proxy whose outgoing connections all go to
// upstream, trusting its self-signed certificate
func mitmServer(t *testing.T, upstream *httptest.Server, rules config.RulesConfig) *Server {
	t.Helper()
	cfg := testConfig(t)
	cfg.Server.HTTPS.MITM = true
	cfg.Rules = rules

	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	upstreamAddr := upstream.Listener.Addr().String()
	s.proxy.Tr = &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(ctx, network, upstreamAddr)
		},
	}
	return s
}

func TestMITMRequestIsCached(t *testing.T) {
	var hits atomic.Int32
	upstream := fixture_tls_upstream(t, &hits)
	s := mitmServer(t, upstream, config.RulesConfig{
		Mode:  "whitelist",
		Rules: []config.CacheRule{{BaseURI: upstream.URL, Methods: []string{"GET"}}},
	})

	proxyTestServer := httptest.NewServer(s.GetProxy())
	defer proxyTestServer.Close()
	proxyURL, _ := url.Parse(proxyTestServer.URL)
	client := &http.Client{
		Transport: &http.Transport{
			Proxy:           http.ProxyURL(proxyURL),
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
		Timeout: 10 * time.Second,
	}

	layers := []string{"", "memory"}
	for _, wantLayer := range layers {
		resp, err := client.Get(upstream.URL + "/secret")
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		require.NoError(t, err)

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "secure /secret", string(body))
		assert.Equal(t, wantLayer, resp.Header.Get("X-Cache-Layer"))
		// The response was decrypted by the proxy, not tunneled
		assert.NotEmpty(t, resp.Header.Get("X-Cache"))
	}
	assert.EqualValues(t, 1, hits.Load())
	assert.True(t, s.ShortCache().Has(upstream.URL+"/secret"))
}

func TestTransparentHTTPS(t *testing.T) {
	var hits atomic.Int32
	upstream := fixture_tls_upstream(t, &hits)
	s := mitmServer(t, upstream, config.RulesConfig{Mode: "blacklist"})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	go func() { _ = s.serveTransparentHTTPS(ln) }()

	fetch := func() (*http.Response, string) {
		conn, err := tls.Dial("tcp", ln.Addr().String(), &tls.Config{
			ServerName:         "localhost",
			InsecureSkipVerify: true,
		})
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()
		require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))

		requ, err := http.NewRequest(http.MethodGet, "https://localhost/plain", nil)
		require.NoError(t, err)
		require.NoError(t, requ.Write(conn))

		resp, err := http.ReadResponse(bufio.NewReader(conn), requ)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		_ = resp.Body.Close()
		return resp, string(body)
	}

	resp, body := fetch()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "secure /plain", body)
	assert.Equal(t, "MISS", resp.Header.Get("X-Cache"))

	resp, body = fetch()
	assert.Equal(t, "secure /plain", body)
	assert.Equal(t, "memory", resp.Header.Get("X-Cache-Layer"))
	assert.EqualValues(t, 1, hits.Load())
}

func TestTransparentHTTPSRejectsClientsWithoutSNI(t *testing.T) {
	s, err := New(testConfig(t))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	go func() { _ = s.serveTransparentHTTPS(ln) }()

	// No SNI is sent for an IP address
	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	tlsConn := tls.Client(conn, &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, tlsConn.SetDeadline(time.Now().Add(5*time.Second)))
	assert.Error(t, tlsConn.Handshake())
	_ = tlsConn.Close()
}
