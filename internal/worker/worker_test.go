package worker

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webstore/offline-proxy/internal/cache"
	"github.com/webstore/offline-proxy/internal/cache/httpcache"
	"github.com/webstore/offline-proxy/internal/config"
	"github.com/webstore/offline-proxy/internal/metrics"
)

func TestInstallPrecachesEveryEntry(t *testing.T) {
	w, storage, network := newActiveWorker(t)

	assert.Equal(t, StateActivated, w.State())

	bucket, err := storage.Open(t.Context(), "webstore-v1")
	require.NoError(t, err)
	keys, err := bucket.Keys(t.Context())
	require.NoError(t, err)
	assert.Len(t, keys, len(config.DefaultPrecache)+1)
	assert.Contains(t, keys, installedMarker)

	for _, p := range config.DefaultPrecache {
		assert.Equal(t, 1, network.count(p), p)
	}
}

func TestInstallFailsOnErrorStatus(t *testing.T) {
	storage := cache.NewMemory()
	network := newFakeNetwork()
	network.set("/products", http.StatusInternalServerError, "boom")

	w := New(storage, network, testOptions(t))
	err := w.Install(t.Context())

	require.ErrorIs(t, err, ErrInstallFailed)
	assert.Contains(t, err.Error(), "/products")
	assert.Equal(t, StateRedundant, w.State())

	exists, err := storage.Has(t.Context(), "webstore-v1")
	require.NoError(t, err)
	assert.False(t, exists, "a failed install must not leave a bucket behind")
}

func TestInstallFailsOffline(t *testing.T) {
	storage := cache.NewMemory()
	network := newFakeNetwork()
	network.offline.Store(true)

	w := New(storage, network, testOptions(t))
	err := w.Install(t.Context())

	require.ErrorIs(t, err, ErrInstallFailed)
	assert.ErrorIs(t, err, errConnRefused)

	names, err := storage.Keys(t.Context())
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestInstallKeepsPreexistingBucketOnFailure(t *testing.T) {
	storage := cache.NewMemory()
	bucket, err := storage.Open(t.Context(), "webstore-v1")
	require.NoError(t, err)
	require.NoError(t, bucket.Set(t.Context(), "keep", []byte("me")))

	network := newFakeNetwork()
	network.set("/cart", http.StatusNotFound, "")

	w := New(storage, network, testOptions(t))
	require.ErrorIs(t, w.Install(t.Context()), ErrInstallFailed)

	value, err := bucket.Get(t.Context(), "keep")
	require.NoError(t, err)
	assert.Equal(t, []byte("me"), value)
}

func TestInstallTwice(t *testing.T) {
	w, _, _ := newActiveWorker(t)
	assert.ErrorIs(t, w.Install(t.Context()), ErrInvalidState)
	assert.ErrorIs(t, w.Activate(t.Context()), ErrInvalidState)
}

func TestFetchBeforeInstall(t *testing.T) {
	w := New(cache.NewMemory(), newFakeNetwork(), testOptions(t))
	_, err := w.Fetch(navigate("/"))
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestActivateDeletesStaleBuckets(t *testing.T) {
	storage := cache.NewMemory()
	for _, name := range []string{"webstore-v0", "unrelated"} {
		_, err := storage.Open(t.Context(), name)
		require.NoError(t, err)
	}

	w := New(storage, newFakeNetwork(), testOptions(t))
	require.NoError(t, w.Install(t.Context()))

	names, err := storage.Keys(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"unrelated", "webstore-v0", "webstore-v1"}, names, "install must not delete anything")

	require.NoError(t, w.Activate(t.Context()))

	names, err = storage.Keys(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"webstore-v1"}, names)
}

func TestNavigationPrefersNetwork(t *testing.T) {
	w, _, network := newActiveWorker(t)
	network.set("/products", http.StatusOK, "products, fresh")

	resp, err := w.Fetch(navigate("/products"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, CacheMiss, resp.Header.Get("X-Cache"))
	assert.Equal(t, "products, fresh", readBody(t, resp))

	w.Wait()

	// the copy in the cache was refreshed
	network.offline.Store(true)
	cached, err := w.cache.MatchURL(t.Context(), mustResolve(t, w, "/products"))
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, "products, fresh", readBody(t, cached))
}

func TestNavigationErrorStatusIsNotCached(t *testing.T) {
	w, _, network := newActiveWorker(t)
	network.set("/cart", http.StatusInternalServerError, "broken")

	resp, err := w.Fetch(navigate("/cart"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "broken", readBody(t, resp))

	w.Wait()

	cached, err := w.cache.MatchURL(t.Context(), mustResolve(t, w, "/cart"))
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, "precached /cart", readBody(t, cached))
}

func TestNavigationOfflineServesRootPage(t *testing.T) {
	w, _, network := newActiveWorker(t)
	network.offline.Store(true)

	// any navigation falls back to the cached root, even one that was never visited
	for _, p := range []string{"/products", "/checkout/step-2"} {
		resp, err := w.Fetch(navigate(p))
		require.NoError(t, err, p)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, CacheFallback, resp.Header.Get("X-Cache"))
		assert.Equal(t, "precached /", readBody(t, resp))
	}
}

func TestNavigationOfflineWithoutRootPage(t *testing.T) {
	storage := cache.NewMemory()
	network := newFakeNetwork()
	opts := testOptions(t)
	opts.Precache = []string{"/static/css/styles.css"}

	w := New(storage, network, opts)
	require.NoError(t, w.Install(t.Context()))
	require.NoError(t, w.Activate(t.Context()))

	network.offline.Store(true)
	_, err := w.Fetch(navigate("/products"))
	assert.ErrorIs(t, err, errConnRefused)
}

func TestNavigationDetectedFromAccept(t *testing.T) {
	w, _, network := newActiveWorker(t)
	network.offline.Store(true)

	req, err := http.NewRequest(http.MethodGet, testOrigin+"/about", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/html")

	resp, err := w.Fetch(req)
	require.NoError(t, err)
	assert.Equal(t, "precached /", readBody(t, resp))
}

func TestCacheFirstHitSkipsNetwork(t *testing.T) {
	w, _, network := newActiveWorker(t)
	network.set("/static/css/styles.css", http.StatusOK, "changed on the server")

	resp, err := w.Fetch(asset(testOrigin+"/static/css/styles.css", "style"))
	require.NoError(t, err)
	assert.Equal(t, CacheHit, resp.Header.Get("X-Cache"))
	assert.Equal(t, "precached /static/css/styles.css", readBody(t, resp))
	assert.Equal(t, 1, network.count("/static/css/styles.css"), "only the install fetch")
}

func TestCacheFirstMissIsStored(t *testing.T) {
	w, _, network := newActiveWorker(t)
	network.set("/static/js/cart.js", http.StatusOK, "cart()")

	resp, err := w.Fetch(asset(testOrigin+"/static/js/cart.js", "script"))
	require.NoError(t, err)
	assert.Equal(t, CacheMiss, resp.Header.Get("X-Cache"))
	assert.Equal(t, "cart()", readBody(t, resp))

	w.Wait()
	network.offline.Store(true)

	resp, err = w.Fetch(asset(testOrigin+"/static/js/cart.js", "script"))
	require.NoError(t, err)
	assert.Equal(t, CacheHit, resp.Header.Get("X-Cache"))
	assert.Equal(t, "cart()", readBody(t, resp))
	assert.Equal(t, 1, network.count("/static/js/cart.js"))
}

func TestCacheFirstKeysOnQuery(t *testing.T) {
	w, _, network := newActiveWorker(t)
	network.set("/api/products", http.StatusOK, "[]")

	_, err := w.Fetch(asset(testOrigin+"/api/products?page=1", ""))
	require.NoError(t, err)
	w.Wait()

	_, err = w.Fetch(asset(testOrigin+"/api/products?page=2", ""))
	require.NoError(t, err)
	w.Wait()

	assert.Equal(t, 2, network.count("/api/products"))

	resp, err := w.Fetch(asset(testOrigin+"/api/products?page=1", ""))
	require.NoError(t, err)
	assert.Equal(t, CacheHit, resp.Header.Get("X-Cache"))
	assert.Equal(t, 2, network.count("/api/products"))
}

func TestCacheFirstSkipsCrossOrigin(t *testing.T) {
	w, storage, network := newActiveWorker(t)
	network.set("/lib.js", http.StatusOK, "lib()")

	for i := 0; i < 2; i++ {
		resp, err := w.Fetch(asset("https://cdn.example.net/lib.js", "script"))
		require.NoError(t, err)
		assert.Equal(t, CacheMiss, resp.Header.Get("X-Cache"))
		assert.Equal(t, "lib()", readBody(t, resp))
		w.Wait()
	}
	assert.Equal(t, 2, network.count("/lib.js"))

	bucket, err := storage.Open(t.Context(), "webstore-v1")
	require.NoError(t, err)
	keys, err := bucket.Keys(t.Context())
	require.NoError(t, err)
	for _, key := range keys {
		assert.False(t, strings.HasPrefix(key, "cdn.example.net/"), key)
	}
}

func TestCacheFirstErrorStatusIsNotStored(t *testing.T) {
	w, _, network := newActiveWorker(t)

	for i := 0; i < 2; i++ {
		resp, err := w.Fetch(asset(testOrigin+"/static/js/missing.js", "script"))
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		w.Wait()
	}
	assert.Equal(t, 2, network.count("/static/js/missing.js"))
}

func TestImageFallback(t *testing.T) {
	tests := []struct {
		name    string
		offline bool
		req     *http.Request
	}{
		{
			name: "not found",
			req:  asset(testOrigin+"/static/images/missing.png", "image"),
		},
		{
			name:    "network error",
			offline: true,
			req:     asset(testOrigin+"/static/images/product-42.jpg", "image"),
		},
		{
			name:    "detected from accept",
			offline: true,
			req: func() *http.Request {
				r, _ := http.NewRequest(http.MethodGet, testOrigin+"/img/banner.webp", nil)
				r.Header.Set("Accept", "image/avif,image/webp,*/*")
				return r
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _, network := newActiveWorker(t)
			network.offline.Store(tt.offline)

			resp, err := w.Fetch(tt.req)
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, CacheFallback, resp.Header.Get("X-Cache"))
			assert.Equal(t, "precached /static/images/logo-192.png", readBody(t, resp))
		})
	}
}

func TestImageFallbackMissing(t *testing.T) {
	storage := cache.NewMemory()
	network := newFakeNetwork()
	opts := testOptions(t)
	opts.Precache = []string{"/"}

	w := New(storage, network, opts)
	require.NoError(t, w.Install(t.Context()))

	resp, err := w.Fetch(asset(testOrigin+"/static/images/missing.png", "image"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	network.offline.Store(true)
	resp, err = w.Fetch(asset(testOrigin+"/static/images/missing.png", "image"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestOfflineResponse(t *testing.T) {
	w, _, network := newActiveWorker(t)
	network.offline.Store(true)

	resp, err := w.Fetch(asset(testOrigin+"/static/js/not-cached.js", "script"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "503 Offline", resp.Status)
	assert.Equal(t, CacheOffline, resp.Header.Get("X-Cache"))
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Equal(t, "Offline", readBody(t, resp))
}

func TestOnlyGetIsIntercepted(t *testing.T) {
	w, _, _ := newActiveWorker(t)

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodHead} {
		req, err := http.NewRequest(method, testOrigin+"/cart", nil)
		require.NoError(t, err)
		assert.False(t, w.Intercepts(req), method)

		_, err = w.Fetch(req)
		assert.ErrorIs(t, err, ErrInvalidState, method)
	}
}

func TestRedundantWorkerDropsWrites(t *testing.T) {
	w, storage, network := newActiveWorker(t)
	network.set("/static/js/late.js", http.StatusOK, "late()")

	w.setState(StateRedundant)
	resp, err := w.Fetch(asset(testOrigin+"/static/js/late.js", "script"))
	require.NoError(t, err)
	assert.Equal(t, "late()", readBody(t, resp))
	w.Wait()

	bucket, err := storage.Open(t.Context(), "webstore-v1")
	require.NoError(t, err)
	value, err := bucket.Get(t.Context(), httpcache.GenerateKey(resp.Request.URL))
	require.NoError(t, err)
	assert.Nil(t, value)
}

func TestWriteToDeletedBucketIsDropped(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	storage := cache.NewMemory()
	network := newFakeNetwork()
	opts := testOptions(t)
	opts.Metrics = m

	w := New(storage, network, opts)
	require.NoError(t, w.Install(t.Context()))
	require.NoError(t, w.Activate(t.Context()))

	_, err := storage.Delete(t.Context(), "webstore-v1")
	require.NoError(t, err)

	network.set("/static/js/late.js", http.StatusOK, "late()")
	_, err = w.Fetch(asset(testOrigin+"/static/js/late.js", "script"))
	require.NoError(t, err)
	w.Wait()

	exists, err := storage.Has(t.Context(), "webstore-v1")
	require.NoError(t, err)
	assert.False(t, exists, "a background write must not recreate a deleted bucket")

	assert.Contains(t, gatherText(t, reg), "offline_proxy_cache_write_failures_total 0")
}

func TestFetchMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()

	storage := cache.NewMemory()
	network := newFakeNetwork()
	opts := testOptions(t)
	opts.Metrics = metrics.New(reg)

	w := New(storage, network, opts)
	require.NoError(t, w.Install(t.Context()))
	require.NoError(t, w.Activate(t.Context()))

	_, err := w.Fetch(navigate("/"))
	require.NoError(t, err)
	_, err = w.Fetch(asset(testOrigin+"/static/css/styles.css", "style"))
	require.NoError(t, err)
	network.offline.Store(true)
	_, err = w.Fetch(asset(testOrigin+"/nope.js", "script"))
	require.NoError(t, err)
	w.Wait()

	count, err := testutil.GatherAndCount(reg, "offline_proxy_fetch_total")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	text := gatherText(t, reg)
	assert.Contains(t, text, `offline_proxy_fetch_total{source="network",strategy="network_first"} 1`)
	assert.Contains(t, text, `offline_proxy_fetch_total{source="cache",strategy="cache_first"} 1`)
	assert.Contains(t, text, `offline_proxy_fetch_total{source="offline",strategy="cache_first"} 1`)
	assert.Contains(t, text, `offline_proxy_install_total{result="success"} 1`)
	assert.Contains(t, text, `offline_proxy_activations_total 1`)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "activated", StateActivated.String())
	assert.Equal(t, "redundant", StateRedundant.String())
	assert.Equal(t, "State(42)", State(42).String())
}

func mustResolve(t *testing.T, w *Worker, p string) *url.URL {
	t.Helper()
	u, err := w.resolve(p)
	require.NoError(t, err)
	return u
}

func gatherText(t *testing.T, reg *prometheus.Registry) string {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	var sb strings.Builder
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			sb.WriteString(mf.GetName())
			if labels := m.GetLabel(); len(labels) > 0 {
				parts := make([]string, 0, len(labels))
				for _, l := range labels {
					parts = append(parts, l.GetName()+`="`+l.GetValue()+`"`)
				}
				sb.WriteString("{" + strings.Join(parts, ",") + "}")
			}
			value := m.GetCounter().GetValue()
			sb.WriteString(" " + strconv.FormatFloat(value, 'f', -1, 64) + "\n")
		}
	}
	return sb.String()
}

func TestEntries(t *testing.T) {
	w, _, _ := newActiveWorker(t)
	n, err := w.Entries(t.Context())
	require.NoError(t, err)
	assert.Equal(t, len(config.DefaultPrecache), n)

	empty := New(cache.NewMemory(), newFakeNetwork(), testOptions(t))
	n, err = empty.Entries(t.Context())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNavigationBrokenBodyFallsBackToRoot(t *testing.T) {
	w, _, network := newActiveWorker(t)
	network.setBroken("/products", "<html>half a page")

	resp, err := w.Fetch(navigate("/products"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, CacheFallback, resp.Header.Get("X-Cache"))
	assert.Equal(t, "precached /", readBody(t, resp))
}

func TestCacheFirstBrokenBody(t *testing.T) {
	w, _, network := newActiveWorker(t)
	network.setBroken("/static/js/app.js", "function half(")
	network.setBroken("/static/images/product-1.png", "\x89PNG")

	resp, err := w.Fetch(asset(testOrigin+"/static/js/app.js", "script"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "Offline", readBody(t, resp))

	resp, err = w.Fetch(asset(testOrigin+"/static/images/product-1.png", DestinationImage))
	require.NoError(t, err)
	assert.Equal(t, CacheFallback, resp.Header.Get("X-Cache"))
	assert.Equal(t, "precached /static/images/logo-192.png", readBody(t, resp))

	w.Wait()
	entries, err := w.Entries(t.Context())
	require.NoError(t, err)
	assert.Equal(t, len(config.DefaultPrecache), entries, "a truncated body is never stored")
}

func TestProxyHeadersAreNotForwarded(t *testing.T) {
	w, _, network := newActiveWorker(t)

	req := asset(testOrigin+"/static/js/app.js", "script")
	req.Header.Set("Proxy-Connection", "keep-alive")
	req.Header.Set("Proxy-Authorization", "Basic dXNlcjpwYXNz")
	req.Header.Set("Accept-Language", "fr")

	resp, err := w.Fetch(req)
	require.NoError(t, err)
	_ = readBody(t, resp)
	w.Wait()

	sent := network.header("/static/js/app.js")
	require.NotNil(t, sent)
	assert.Empty(t, sent.Get("Proxy-Connection"))
	assert.Empty(t, sent.Get("Proxy-Authorization"))
	assert.Equal(t, "fr", sent.Get("Accept-Language"))
	assert.Equal(t, "Basic dXNlcjpwYXNz", req.Header.Get("Proxy-Authorization"), "the caller's request is left as is")
}
