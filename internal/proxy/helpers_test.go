package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/webstore/offline-proxy/internal/cache"
	"github.com/webstore/offline-proxy/internal/config"
	"github.com/webstore/offline-proxy/internal/metrics"
	"github.com/webstore/offline-proxy/internal/worker"
)

// fixture_storefront serves "page <path>" for GET requests and "ok <method>" otherwise.
// /old redirects to /products.
func fixture_storefront() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, requ *http.Request) {
		if requ.URL.Path == "/old" {
			http.Redirect(w, requ, "/products", http.StatusFound)
			return
		}
		if requ.Method != http.MethodGet {
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte("ok " + requ.Method))
			return
		}
		if strings.HasPrefix(requ.URL.Path, "/missing") {
			http.NotFound(w, requ)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("page " + requ.URL.Path))
	}))
}

// fixture_config returns a validated config scoped to origin
func fixture_config(t *testing.T, origin string, rules *config.RulesConfig) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Origin = origin
	cfg.Cache.Backend = "memory"
	if rules != nil {
		cfg.Rules = *rules
	}
	require.NoError(t, cfg.Validate())
	return &cfg
}

type gateway struct {
	server   *Server
	reg      *worker.Registration
	storage  cache.Storage
	registry *prometheus.Registry
	proxy    *httptest.Server
}

// fixture_gateway wires a registration, not yet updated, to a proxy server
func fixture_gateway(t *testing.T, cfg *config.Config) *gateway {
	t.Helper()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	opts, err := worker.NewOptions(cfg, m)
	require.NoError(t, err)

	storage := cache.NewMemory()
	reg := worker.NewRegistration(storage, worker.NewNetwork(5*time.Second), opts, cfg.Worker.SkipWaiting)
	t.Cleanup(reg.Wait)

	server, err := New(cfg, reg, m)
	require.NoError(t, err)

	proxyTestServer := httptest.NewServer(server.GetProxy())
	t.Cleanup(proxyTestServer.Close)

	return &gateway{server: server, reg: reg, storage: storage, registry: registry, proxy: proxyTestServer}
}

// client returns an HTTP client that uses the gateway as its proxy
func (g *gateway) client() *http.Client {
	proxyURL, _ := url.Parse(g.proxy.URL)
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
		Timeout: 10 * time.Second,
	}
}

func do(t *testing.T, client *http.Client, method, target string, headers map[string]string) (*http.Response, string) {
	t.Helper()
	requ, err := http.NewRequest(method, target, nil)
	require.NoError(t, err)
	for k, v := range headers {
		requ.Header.Set(k, v)
	}
	resp, err := client.Do(requ)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

var (
	navigation = map[string]string{"Sec-Fetch-Mode": "navigate", "Sec-Fetch-Dest": "document", "Accept": "text/html"}
	script     = map[string]string{"Sec-Fetch-Mode": "no-cors", "Sec-Fetch-Dest": "script"}
	image      = map[string]string{"Sec-Fetch-Mode": "no-cors", "Sec-Fetch-Dest": "image"}
)
