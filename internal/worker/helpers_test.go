package worker

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/require"

	"github.com/webstore/offline-proxy/internal/cache"
	"github.com/webstore/offline-proxy/internal/config"
)

const testOrigin = "http://store.test"

var (
	errConnRefused = errors.New("dial tcp 127.0.0.1:5000: connect: connection refused")
	errConnReset   = errors.New("read tcp 127.0.0.1:5000: connection reset by peer")
)

type route struct {
	status int
	body   string
	// the connection drops after body has been sent
	broken bool
}

// fakeNetwork answers by URL path and counts calls. Unknown paths are 404.
type fakeNetwork struct {
	mu      sync.Mutex
	routes  map[string]route
	calls   map[string]int
	headers map[string]http.Header
	offline atomic.Bool
}

func newFakeNetwork() *fakeNetwork {
	n := &fakeNetwork{routes: map[string]route{}, calls: map[string]int{}, headers: map[string]http.Header{}}
	for _, p := range config.DefaultPrecache {
		n.routes[p] = route{status: http.StatusOK, body: "precached " + p}
	}
	return n
}

func (n *fakeNetwork) set(path string, status int, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.routes[path] = route{status: status, body: body}
}

func (n *fakeNetwork) setBroken(path string, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.routes[path] = route{status: http.StatusOK, body: body, broken: true}
}

// header returns the request headers last sent for path
func (n *fakeNetwork) header(path string) http.Header {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.headers[path]
}

func (n *fakeNetwork) count(path string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[path]
}

func (n *fakeNetwork) Do(req *http.Request) (*http.Response, error) {
	n.mu.Lock()
	n.calls[req.URL.Path]++
	n.headers[req.URL.Path] = req.Header.Clone()
	r, ok := n.routes[req.URL.Path]
	n.mu.Unlock()

	if req.RequestURI != "" {
		return nil, errors.New("http: Request.RequestURI can't be set in client requests")
	}
	if n.offline.Load() {
		return nil, errConnRefused
	}
	if !ok {
		r = route{status: http.StatusNotFound, body: "not found"}
	}
	var body io.Reader = strings.NewReader(r.body)
	contentLength := int64(len(r.body))
	if r.broken {
		body = io.MultiReader(body, iotest.ErrReader(errConnReset))
		contentLength = -1
	}
	return &http.Response{
		Status:        strconv.Itoa(r.status) + " " + http.StatusText(r.status),
		StatusCode:    r.status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		Body:          io.NopCloser(body),
		ContentLength: contentLength,
		Request:       req,
	}, nil
}

func testOptions(t *testing.T) Options {
	t.Helper()
	origin, err := url.Parse(testOrigin)
	require.NoError(t, err)
	return Options{
		Version:       "webstore-v1",
		Origin:        origin,
		Precache:      append([]string(nil), config.DefaultPrecache...),
		FallbackImage: "/static/images/logo-192.png",
		OfflineBody:   "Offline",
	}
}

// newActiveWorker returns an installed and activated worker over memory storage
func newActiveWorker(t *testing.T) (*Worker, *cache.MemoryStorage, *fakeNetwork) {
	t.Helper()
	storage := cache.NewMemory()
	network := newFakeNetwork()
	w := New(storage, network, testOptions(t))
	require.NoError(t, w.Install(t.Context()))
	require.NoError(t, w.Activate(t.Context()))
	return w, storage, network
}

func navigate(path string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, testOrigin+path, nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Sec-Fetch-Dest", "document")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	return req
}

func asset(rawURL, dest string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, rawURL, nil)
	req.Header.Set("Sec-Fetch-Mode", "no-cors")
	if dest != "" {
		req.Header.Set("Sec-Fetch-Dest", dest)
	}
	return req
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}
