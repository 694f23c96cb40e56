package cache

import "context"

// Cache is a single bucket of key/value entries.
// Stored values are snapshots: mutating a slice passed to Set or returned by Get
// never changes what the bucket holds.
type Cache interface {
	// name of the bucket
	Name() string
	// retrieves the stored value.
	// returns nil, nil when not found
	Get(ctx context.Context, key string) ([]byte, error)
	// stores a value, replacing any previous one (last writer wins).
	// returns ErrBucketNotFound if the bucket was deleted
	Set(ctx context.Context, key string, value []byte) error
	// removes an entry. reports whether it existed
	Delete(ctx context.Context, key string) (bool, error)
	// lists entry keys, sorted
	Keys(ctx context.Context) ([]string, error)
}
