package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/webstore/offline-proxy/internal/cache"
	"github.com/webstore/offline-proxy/internal/config"
	"github.com/webstore/offline-proxy/internal/metrics"
	"github.com/webstore/offline-proxy/internal/proxy"
	"github.com/webstore/offline-proxy/internal/tracing"
	"github.com/webstore/offline-proxy/internal/worker"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the configuration file")
	printConfig := flag.Bool("print-config", false, "print the effective configuration and exit")
	flag.Parse()
	if flag.NArg() > 0 {
		*configPath = flag.Arg(0)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logrus.Warnf("Failed to load .env: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	if *printConfig {
		out, err := cfg.YAML()
		if err != nil {
			logrus.Fatalf("Failed to render config: %v", err)
		}
		_, _ = os.Stdout.Write(out)
		return
	}

	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}

	if err := setupLogging(cfg.Log); err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		logrus.Fatalf("Failed to start: %v", err)
	}
	defer a.close()

	a.install(ctx)

	unwatch, err := config.Watch(*configPath, func(newCfg *config.Config, err error) {
		a.reload(ctx, newCfg, err)
	})
	if err != nil {
		logrus.Warnf("Config reload disabled: %v", err)
	} else {
		defer func() { _ = unwatch() }()
	}

	if err := a.serve(ctx); err != nil {
		logrus.Errorf("Server failed: %v", err)
	}
}

func setupLogging(cfg config.LogConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)

	if cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

type app struct {
	cfg      *config.Config
	storage  cache.Storage
	registry *prometheus.Registry
	reg      *worker.Registration
	server   *proxy.Server
	admin    *proxy.Admin

	shutdownTracing func(context.Context) error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}

	storage, err := cache.New(ctx, cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache storage: %w", err)
	}
	if err := storage.Init(ctx); err != nil {
		_ = storage.Close()
		return nil, fmt.Errorf("failed to initialize cache storage: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	timeout, err := cfg.GetNetworkTimeout()
	if err != nil {
		_ = storage.Close()
		return nil, err
	}
	opts, err := worker.NewOptions(cfg, m)
	if err != nil {
		_ = storage.Close()
		return nil, err
	}
	reg := worker.NewRegistration(storage, worker.NewNetwork(timeout), opts, cfg.Worker.SkipWaiting)

	server, err := proxy.New(cfg, reg, m)
	if err != nil {
		_ = storage.Close()
		return nil, fmt.Errorf("failed to create proxy server: %w", err)
	}

	return &app{
		cfg:             cfg,
		storage:         storage,
		registry:        registry,
		reg:             reg,
		server:          server,
		admin:           proxy.NewAdmin(cfg.GetAdminAddr(), reg, storage, registry),
		shutdownTracing: shutdownTracing,
	}, nil
}

// install adopts the bucket of a previous run, or installs the configured
// version. A failed install leaves the proxy forwarding requests untouched
// until the next config reload or admin update.
func (a *app) install(ctx context.Context) {
	version := a.cfg.Worker.Version

	restored, err := a.reg.Restore(ctx, version)
	if err != nil {
		logrus.Warnf("Failed to restore %s: %v", version, err)
	}
	if restored {
		logrus.Infof("Restored cache %s", version)
		return
	}

	if err := a.reg.Update(ctx, version); err != nil {
		logrus.Errorf("Install of %s failed, requests are forwarded untouched: %v", version, err)
	}
}

// reload installs the worker version of a changed config file.
// Other settings need a restart.
func (a *app) reload(ctx context.Context, cfg *config.Config, err error) {
	if err != nil {
		logrus.Errorf("Failed to reload config: %v", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		logrus.Errorf("Ignoring invalid config: %v", err)
		return
	}

	logrus.Infof("Config changed, updating to %s", cfg.Worker.Version)
	if err := a.reg.Update(ctx, cfg.Worker.Version); err != nil {
		logrus.Errorf("Update to %s failed: %v", cfg.Worker.Version, err)
	}
}

// serve runs the proxy and admin listeners until ctx is done or one of them fails
func (a *app) serve(ctx context.Context) error {
	errc := make(chan error, 2)
	go func() { errc <- a.server.Start() }()
	if a.cfg.Admin.Port > 0 {
		go func() { errc <- a.admin.Start() }()
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := a.server.Shutdown(shutdownCtx); serr != nil {
		logrus.Warnf("Proxy shutdown: %v", serr)
	}
	if serr := a.admin.Shutdown(shutdownCtx); serr != nil {
		logrus.Warnf("Admin shutdown: %v", serr)
	}
	return err
}

func (a *app) close() {
	a.reg.Wait()
	if err := a.storage.Close(); err != nil {
		logrus.Warnf("Failed to close cache storage: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.shutdownTracing(ctx); err != nil {
		logrus.Warnf("Failed to flush traces: %v", err)
	}
}
