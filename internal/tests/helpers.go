// Package tests runs the gateway end to end against a fake storefront.
package tests

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/webstore/offline-proxy/internal/cache"
	"github.com/webstore/offline-proxy/internal/config"
	"github.com/webstore/offline-proxy/internal/proxy"
	"github.com/webstore/offline-proxy/internal/worker"
)

// Storefront is a fake origin. Every GET answers "<release> <path>" unless a
// status override is set for the path. Offline drops every connection.
type Storefront struct {
	*httptest.Server

	Release atomic.Value
	Offline atomic.Bool

	mu     sync.Mutex
	status map[string]int
	hits   map[string]int
}

// fixture_upstream creates a test storefront serving release "r1"
func fixture_upstream() *Storefront {
	s := &Storefront{status: map[string]int{}, hits: map[string]int{}}
	s.Release.Store("r1")
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

func (s *Storefront) serve(w http.ResponseWriter, requ *http.Request) {
	if s.Offline.Load() {
		if conn, _, err := http.NewResponseController(w).Hijack(); err == nil {
			_ = conn.Close()
		}
		return
	}

	s.mu.Lock()
	s.hits[requ.Method+" "+requ.URL.Path]++
	status, ok := s.status[requ.URL.Path]
	s.mu.Unlock()

	if ok {
		http.Error(w, http.StatusText(status), status)
		return
	}
	if requ.Method != http.MethodGet {
		w.WriteHeader(http.StatusAccepted)
		_, _ = fmt.Fprintf(w, "%s %s", requ.Method, requ.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "%s %s", s.Release.Load(), requ.URL.Path)
}

// SetStatus makes path answer with status
func (s *Storefront) SetStatus(path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[path] = status
}

// Hits counts requests for "METHOD /path"
func (s *Storefront) Hits(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[key]
}

// fixture_config creates a test config for the given backend
func fixture_config(origin, backend, tempDir string, rules *config.RulesConfig) *config.Config {
	cfg := config.Default()
	cfg.Server.Origin = origin
	cfg.Cache.Backend = backend
	cfg.Cache.Folder = tempDir

	if rules != nil {
		cfg.Rules = *rules
	}

	return &cfg
}

// Gateway bundles what a test needs to drive and inspect the proxy
type Gateway struct {
	Server  *httptest.Server
	Client  *http.Client
	Reg     *worker.Registration
	Storage cache.Storage
}

// Close stops the proxy and releases the storage
func (g *Gateway) Close() {
	g.Server.Close()
	g.Reg.Wait()
	_ = g.Storage.Close()
}

// fixture_proxy creates a gateway with the given config. The worker is not installed yet.
func fixture_proxy(ctx context.Context, cfg *config.Config) (*Gateway, error) {
	storage, err := cache.New(ctx, cfg.Cache)
	if err != nil {
		return nil, err
	}
	if err := storage.Init(ctx); err != nil {
		return nil, err
	}

	opts, err := worker.NewOptions(cfg, nil)
	if err != nil {
		return nil, err
	}
	reg := worker.NewRegistration(storage, worker.NewNetwork(5*time.Second), opts, cfg.Worker.SkipWaiting)

	proxyServer, err := proxy.New(cfg, reg, nil)
	if err != nil {
		return nil, err
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

	return &Gateway{Server: proxyTestServer, Client: client, Reg: reg, Storage: storage}, nil
}
