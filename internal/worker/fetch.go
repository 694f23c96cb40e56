package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/webstore/offline-proxy/internal/cache"
	"github.com/webstore/offline-proxy/internal/cache/httpcache"
	"github.com/webstore/offline-proxy/internal/metrics"
)

// X-Cache values
const (
	CacheHit      = "HIT"
	CacheMiss     = "MISS"
	CacheFallback = "FALLBACK"
	CacheOffline  = "OFFLINE"
)

// Intercepts reports whether Fetch handles req.
// Everything else must go to the network untouched.
func (w *Worker) Intercepts(req *http.Request) bool {
	return req.Method == http.MethodGet
}

// Fetch answers an intercepted request. req.URL must be absolute.
// Navigations are network-first, everything else cache-first.
// An error is only returned for a navigation that failed with no cached root page to fall back to.
func (w *Worker) Fetch(req *http.Request) (*http.Response, error) {
	if w.cache == nil {
		return nil, ErrNotReady
	}
	if !w.Intercepts(req) {
		return nil, fmt.Errorf("%w: %s requests are not intercepted", ErrInvalidState, req.Method)
	}

	strategy := metrics.CacheFirst
	if IsNavigation(req) {
		strategy = metrics.NetworkFirst
	}

	ctx, span := w.tracer.Start(req.Context(), "worker.fetch", trace.WithAttributes(
		attribute.String("http.url", req.URL.String()),
		attribute.String("cache.strategy", strategy),
	))
	defer span.End()
	req = req.WithContext(ctx)

	var resp *http.Response
	var err error
	if strategy == metrics.NetworkFirst {
		resp, err = w.networkFirst(ctx, req)
	} else {
		resp = w.cacheFirst(ctx, req)
	}

	source := metrics.SourceError
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		source = sourceOf(resp)
	}
	span.SetAttributes(attribute.String("cache.source", source))
	w.opts.Metrics.Fetch(strategy, source)
	return resp, err
}

func sourceOf(resp *http.Response) string {
	switch resp.Header.Get("X-Cache") {
	case CacheHit:
		return metrics.SourceCache
	case CacheFallback:
		return metrics.SourceFallback
	case CacheOffline:
		return metrics.SourceOffline
	default:
		return metrics.SourceNetwork
	}
}

func (w *Worker) networkFirst(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := w.fetchNetwork(req)
	if err == nil && resp.StatusCode == http.StatusOK {
		err = w.putAsync(ctx, req, resp)
	}
	if err == nil {
		resp.Header.Set("X-Cache", CacheMiss)
		return resp, nil
	}

	w.log().Warnf("Network failed for navigation %s: %v", req.URL, err)

	root, rerr := w.resolve("/")
	if rerr != nil {
		return nil, fmt.Errorf("network: %w", err)
	}
	cached, cerr := w.cache.MatchURL(ctx, root)
	if cerr != nil {
		w.log().Errorf("Failed to read cached root page: %v", cerr)
	}
	if cached == nil {
		return nil, fmt.Errorf("network: %w", err)
	}

	cached.Request = req
	cached.Header.Set("X-Cache", CacheFallback)
	return cached, nil
}

func (w *Worker) cacheFirst(ctx context.Context, req *http.Request) *http.Response {
	cached, err := w.cache.Match(ctx, req)
	if err != nil {
		// an unreadable entry is treated as a miss
		w.log().Errorf("Failed to get cached data for %s: %v", req.URL, err)
	}
	if cached != nil {
		cached.Header.Set("X-Cache", CacheHit)
		return cached
	}

	image := Destination(req) == DestinationImage

	resp, err := w.fetchNetwork(req)
	if err == nil && image && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		if fallback := w.fallbackImage(ctx, req); fallback != nil {
			_ = resp.Body.Close()
			return fallback
		}
	}
	if err == nil && resp.StatusCode == http.StatusOK && ResponseType(req, w.opts.Origin) == ResponseBasic {
		err = w.putAsync(ctx, req, resp)
	}
	if err == nil {
		resp.Header.Set("X-Cache", CacheMiss)
		return resp
	}

	w.log().Warnf("Network failed for %s: %v", req.URL, err)
	if image {
		if fallback := w.fallbackImage(ctx, req); fallback != nil {
			return fallback
		}
	}
	return w.offline(req)
}

// hop-by-hop headers addressed to the proxy itself
var proxyHeaders = []string{"Proxy-Connection", "Proxy-Authorization"}

func (w *Worker) fetchNetwork(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.RequestURI = ""
	for _, h := range proxyHeaders {
		out.Header.Del(h)
	}
	return w.network.Do(out)
}

func (w *Worker) fallbackImage(ctx context.Context, req *http.Request) *http.Response {
	if w.opts.FallbackImage == "" {
		return nil
	}
	u, err := w.resolve(w.opts.FallbackImage)
	if err != nil {
		return nil
	}
	fallback, err := w.cache.MatchURL(ctx, u)
	if err != nil {
		w.log().Errorf("Failed to read fallback image: %v", err)
		return nil
	}
	if fallback == nil {
		w.log().Warnf("Fallback image %s is not cached", u)
		return nil
	}
	fallback.Request = req
	fallback.Header.Set("X-Cache", CacheFallback)
	return fallback
}

// offline builds the synthetic response returned when neither cache nor network can answer
func (w *Worker) offline(req *http.Request) *http.Response {
	body := w.opts.OfflineBody
	return &http.Response{
		Status:     "503 Offline",
		StatusCode: http.StatusServiceUnavailable,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header: http.Header{
			"Content-Type": []string{"text/plain; charset=utf-8"},
			"X-Cache":      []string{CacheOffline},
		},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// putAsync snapshots resp now and writes it in the background.
// The caller's response is never affected by the outcome of the write.
// An error means the body could not be read: resp is closed and must not be used.
func (w *Worker) putAsync(ctx context.Context, req *http.Request, resp *http.Response) error {
	snapshot, err := httpcache.Serialize(resp)
	if err != nil {
		_ = resp.Body.Close()
		w.opts.Metrics.CacheWriteFailure()
		return fmt.Errorf("reading response body: %w", err)
	}
	key := httpcache.GenerateKey(req.URL)

	w.waitUntil(ctx, "cache put "+key, func(ctx context.Context) error {
		if w.State() == StateRedundant {
			w.log().Debugf("Dropping cache write for %s: worker is redundant", key)
			return nil
		}
		err := w.cache.SetKey(ctx, key, snapshot)
		if errors.Is(err, cache.ErrBucketNotFound) {
			// a newer version deleted the bucket while this write was pending
			w.log().Debugf("Dropping cache write for %s: bucket is gone", key)
			return nil
		}
		if err != nil {
			w.opts.Metrics.CacheWriteFailure()
			return err
		}
		w.log().Debugf("Cached response for %s", req.URL)
		return nil
	})
	return nil
}
