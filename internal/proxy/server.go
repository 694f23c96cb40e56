package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/sirupsen/logrus"

	"github.com/webstore/offline-proxy/internal/config"
	"github.com/webstore/offline-proxy/internal/metrics"
	"github.com/webstore/offline-proxy/internal/worker"
)

// Server is the offline gateway in front of the storefront. Browsers use it
// either as their HTTP proxy or, in reverse mode, as the storefront itself.
type Server struct {
	config  *config.Config
	origin  *url.URL
	reg     *worker.Registration
	metrics *metrics.Metrics
	rules   []Rule

	proxy   *goproxy.ProxyHttpServer
	reverse *httputil.ReverseProxy
	server  *http.Server

	mu          sync.Mutex
	closed      bool
	transparent net.Listener
}

// New creates a new proxy server. m may be nil.
func New(cfg *config.Config, reg *worker.Registration, m *metrics.Metrics) (*Server, error) {
	origin, err := cfg.GetOrigin()
	if err != nil {
		return nil, fmt.Errorf("invalid origin: %w", err)
	}

	s := &Server{
		config:  cfg,
		origin:  origin,
		reg:     reg,
		metrics: m,
		rules:   newRules(cfg.Rules),
	}

	s.proxy = goproxy.NewProxyHttpServer()
	s.proxy.Verbose = logrus.IsLevelEnabled(logrus.TraceLevel)
	s.proxy.Logger = logrus.StandardLogger()
	s.proxy.CertStore = newCertStore()
	s.proxy.NonproxyHandler = http.HandlerFunc(s.serveReverse)
	s.proxy.OnRequest().DoFunc(func(requ *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
		return requ, s.handle(requ)
	})

	if cfg.Server.HTTPS.Intercept {
		if err := s.setupHTTPSProxyHandler(); err != nil {
			return nil, err
		}
	}

	s.reverse = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(origin)
			pr.SetXForwarded()
		},
		Transport: s.proxy.Tr,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logrus.Errorf("Failed to forward %s %s: %v", r.Method, r.URL, err)
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		},
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           s.proxy,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// GetProxy returns the handler serving both proxy and reverse mode requests
func (s *Server) GetProxy() *goproxy.ProxyHttpServer {
	return s.proxy
}

// serveReverse handles requests addressed to the proxy itself, as if it were the origin
func (s *Server) serveReverse(w http.ResponseWriter, r *http.Request) {
	requ := r.Clone(r.Context())
	requ.URL.Scheme = s.origin.Scheme
	requ.URL.Host = s.origin.Host
	requ.Host = s.origin.Host

	if resp := s.handle(requ); resp != nil {
		writeResponse(w, resp)
		return
	}
	s.reverse.ServeHTTP(w, r)
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	logrus.Infof("Starting offline proxy on port %d", s.config.Server.Port)
	logrus.Infof("Origin: %s", s.origin)
	logrus.Infof("Rules mode: %s", s.config.Rules.Mode)

	if port := s.config.Server.HTTPS.TransparentPort; port > 0 {
		go func() {
			if err := s.StartTransparentHTTPS(fmt.Sprintf(":%d", port)); err != nil {
				logrus.Errorf("Transparent HTTPS stopped: %v", err)
			}
		}()
	}

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	if s.transparent != nil {
		_ = s.transparent.Close()
	}
	s.mu.Unlock()

	return s.server.Shutdown(ctx)
}
