// Package worker applies the storefront offline caching policy: a versioned
// cache bucket seeded at install time, stale buckets dropped at activation,
// network-first navigations and cache-first assets with offline fallbacks.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/webstore/offline-proxy/internal/cache"
	"github.com/webstore/offline-proxy/internal/cache/httpcache"
	"github.com/webstore/offline-proxy/internal/config"
	"github.com/webstore/offline-proxy/internal/metrics"
)

var (
	ErrInstallFailed   = errors.New("install failed")
	ErrInvalidState    = errors.New("invalid worker state")
	ErrNotReady        = errors.New("worker has no cache bucket")
	ErrNoActiveWorker  = errors.New("no active worker")
	ErrNoWaitingWorker = errors.New("no waiting worker")
)

// installedMarker is written last by a successful install. Buckets without it are never served.
const installedMarker = "installed.marker"

// Fetcher performs network requests. *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewNetwork returns the client workers fetch with. Redirects are handed back
// to the browser as they are, never followed, so the page URL stays right and
// a redirect target is never stored under the redirecting URL.
func NewNetwork(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Options configures a worker
type Options struct {
	// Version names the cache bucket
	Version string
	// Origin scopes the worker: same-origin responses are basic, and precache paths resolve against it
	Origin        *url.URL
	Precache      []string
	FallbackImage string
	OfflineBody   string
	Metrics       *metrics.Metrics
}

// NewOptions builds worker options from the configuration. m may be nil.
func NewOptions(cfg *config.Config, m *metrics.Metrics) (Options, error) {
	origin, err := cfg.GetOrigin()
	if err != nil {
		return Options{}, err
	}
	return Options{
		Version:       cfg.Worker.Version,
		Origin:        origin,
		Precache:      cfg.Worker.Precache,
		FallbackImage: cfg.Worker.FallbackImage,
		OfflineBody:   cfg.Worker.OfflineBody,
		Metrics:       m,
	}, nil
}

type State int32

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Worker is one version of the caching policy
type Worker struct {
	id      string
	opts    Options
	storage cache.Storage
	network Fetcher
	tracer  trace.Tracer

	state   atomic.Int32
	cache   *httpcache.HTTPCache
	pending sync.WaitGroup
}

func New(storage cache.Storage, network Fetcher, opts Options) *Worker {
	if opts.OfflineBody == "" {
		opts.OfflineBody = "Offline"
	}
	return &Worker{
		id:      uuid.NewString(),
		opts:    opts,
		storage: storage,
		network: network,
		tracer:  otel.Tracer("github.com/webstore/offline-proxy/internal/worker"),
	}
}

func (w *Worker) ID() string { return w.id }

func (w *Worker) Version() string { return w.opts.Version }

func (w *Worker) State() State { return State(w.state.Load()) }

func (w *Worker) setState(s State) {
	old := State(w.state.Swap(int32(s)))
	if old != s {
		w.log().Debugf("Worker state %s -> %s", old, s)
	}
}

func (w *Worker) transition(from, to State) bool {
	if !w.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	w.log().Debugf("Worker state %s -> %s", from, to)
	return true
}

func (w *Worker) log() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"worker":  w.id[:8],
		"version": w.opts.Version,
	})
}

// resolve turns a same-origin path into an absolute URL
func (w *Worker) resolve(p string) (*url.URL, error) {
	ref, err := url.Parse(p)
	if err != nil {
		return nil, err
	}
	return w.opts.Origin.ResolveReference(ref), nil
}

// waitUntil runs fn in the background and keeps the worker alive until it returns.
// Failures are only logged.
func (w *Worker) waitUntil(ctx context.Context, name string, fn func(ctx context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	w.pending.Add(1)
	go func() {
		defer w.pending.Done()
		if err := fn(ctx); err != nil {
			w.log().Errorf("Background task %s failed: %v", name, err)
		}
	}()
}

// Wait blocks until every background task has finished
func (w *Worker) Wait() {
	w.pending.Wait()
}

// Entries counts the responses stored in the worker's bucket
func (w *Worker) Entries(ctx context.Context) (int, error) {
	if w.cache == nil {
		return 0, nil
	}
	keys, err := w.cache.Keys(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, key := range keys {
		if key != installedMarker {
			n++
		}
	}
	return n, nil
}
