package httpcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/webstore/offline-proxy/internal/cache"
)

type HTTPCache struct {
	cache cache.Cache
}

// Name of the underlying bucket
func (d *HTTPCache) Name() string {
	return d.cache.Name()
}

// Keys lists the stored keys in order
func (d *HTTPCache) Keys(ctx context.Context) ([]string, error) {
	return d.cache.Keys(ctx)
}

// GenerateKey builds the storage key of a GET request for u.
// Fragments are ignored and default ports dropped, so equivalent URLs share a key.
func GenerateKey(u *url.URL) string {
	host := strings.ToLower(u.Host)
	switch u.Scheme {
	case "http":
		host = strings.TrimSuffix(host, ":80")
	case "https":
		host = strings.TrimSuffix(host, ":443")
	}

	// Build path: host/path/GET[_s][_q<queryhash>].bin
	pathParts := []string{host}

	cleaned := path.Clean("/" + u.Path)
	if cleaned != "/" {
		pathParts = append(pathParts, strings.Trim(cleaned, "/"))
	}

	filename := http.MethodGet
	if cleaned != "/" && strings.HasSuffix(u.Path, "/") {
		filename += "_s"
	}
	if u.RawQuery != "" {
		hash := sha256.Sum256([]byte(u.RawQuery))
		filename += "_q" + hex.EncodeToString(hash[:])[:8]
	}
	filename += ".bin"

	pathParts = append(pathParts, filename)

	return path.Join(pathParts...)
}

// Put stores a snapshot of resp under the request URL. resp.Body stays readable.
func (d *HTTPCache) Put(ctx context.Context, request *http.Request, resp *http.Response) error {
	data, err := Serialize(resp)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	return d.SetKey(ctx, GenerateKey(request.URL), data)
}

// SetKey stores an already serialized snapshot
func (d *HTTPCache) SetKey(ctx context.Context, requestKey string, data []byte) error {
	if err := d.cache.Set(ctx, requestKey, data); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}
	return nil
}

// Match returns the stored response for the request URL, or nil on a miss
func (d *HTTPCache) Match(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := d.GetKey(ctx, GenerateKey(req.URL))
	if err != nil {
		return nil, err
	}
	// Handle no cache hit
	if resp == nil {
		return nil, nil
	}

	// Associate the original request with the response
	resp.Request = req
	logrus.Debugf("Cache hit for %s %s in %s", req.Method, req.URL.String(), d.cache.Name())
	return resp, nil
}

// MatchURL is Match for a GET of u
func (d *HTTPCache) MatchURL(ctx context.Context, u *url.URL) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", u, err)
	}
	return d.Match(ctx, req)
}

func (d *HTTPCache) GetKey(ctx context.Context, requestKey string) (*http.Response, error) {
	data, err := d.cache.Get(ctx, requestKey)
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
