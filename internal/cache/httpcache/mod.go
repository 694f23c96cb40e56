// Package httpcache stores HTTP response snapshots in a cache bucket, keyed by request URL.
package httpcache

import "github.com/webstore/offline-proxy/internal/cache"

func New(cache cache.Cache) *HTTPCache {
	return &HTTPCache{
		cache: cache,
	}
}
