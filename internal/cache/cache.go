// Handles storage of cached HTTP responses, grouped into named buckets
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidName is returned for bucket names or entry keys a backend cannot store
	ErrInvalidName = errors.New("invalid cache name")
	// ErrBucketNotFound is returned when writing through a handle whose bucket was deleted
	ErrBucketNotFound = errors.New("cache bucket not found")
)

// Storage groups named buckets. Every backend implements it.
type Storage interface {
	// initializes the storage (e.g., creates necessary directories, checks connectivity)
	Init(ctx context.Context) error
	// returns the bucket with this name, creating it if absent
	Open(ctx context.Context, name string) (Cache, error)
	// reports whether a bucket with this name exists
	Has(ctx context.Context, name string) (bool, error)
	// deletes a bucket and all of its entries. reports whether it existed
	Delete(ctx context.Context, name string) (bool, error)
	// lists bucket names, sorted
	Keys(ctx context.Context) ([]string, error)
	Close() error
}

// ValidateName checks that a bucket name is usable by every backend
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if len(name) > 255 || strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// ValidateKey checks that an entry key is usable by every backend
func ValidateKey(key string) error {
	if key == "" || strings.ContainsRune(key, 0) {
		return fmt.Errorf("%w: key %q", ErrInvalidName, key)
	}
	return nil
}
