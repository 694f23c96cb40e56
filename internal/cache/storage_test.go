package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testStorage runs the behaviour every backend must share
func testStorage(t *testing.T, storage Storage) {
	ctx := context.Background()
	require.NoError(t, storage.Init(ctx))

	t.Run("open creates bucket", func(t *testing.T) {
		exists, err := storage.Has(ctx, "webstore-v1")
		require.NoError(t, err)
		assert.False(t, exists)

		bucket, err := storage.Open(ctx, "webstore-v1")
		require.NoError(t, err)
		assert.Equal(t, "webstore-v1", bucket.Name())

		exists, err = storage.Has(ctx, "webstore-v1")
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("set and get", func(t *testing.T) {
		bucket, err := storage.Open(ctx, "webstore-v1")
		require.NoError(t, err)

		data, err := bucket.Get(ctx, "example.com/GET.bin")
		require.NoError(t, err)
		assert.Nil(t, data, "miss must return nil")

		require.NoError(t, bucket.Set(ctx, "example.com/GET.bin", []byte("root")))
		require.NoError(t, bucket.Set(ctx, "example.com/products/GET.bin", []byte("products")))

		data, err = bucket.Get(ctx, "example.com/GET.bin")
		require.NoError(t, err)
		assert.Equal(t, "root", string(data))

		keys, err := bucket.Keys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"example.com/GET.bin", "example.com/products/GET.bin"}, keys)
	})

	t.Run("last writer wins", func(t *testing.T) {
		bucket, err := storage.Open(ctx, "webstore-v1")
		require.NoError(t, err)

		require.NoError(t, bucket.Set(ctx, "example.com/GET.bin", []byte("first")))
		require.NoError(t, bucket.Set(ctx, "example.com/GET.bin", []byte("second")))

		data, err := bucket.Get(ctx, "example.com/GET.bin")
		require.NoError(t, err)
		assert.Equal(t, "second", string(data))
	})

	t.Run("stored value is a snapshot", func(t *testing.T) {
		bucket, err := storage.Open(ctx, "webstore-v1")
		require.NoError(t, err)

		value := []byte("original")
		require.NoError(t, bucket.Set(ctx, "example.com/snapshot/GET.bin", value))
		copy(value, "mutated!")

		data, err := bucket.Get(ctx, "example.com/snapshot/GET.bin")
		require.NoError(t, err)
		assert.Equal(t, "original", string(data))
	})

	t.Run("delete entry", func(t *testing.T) {
		bucket, err := storage.Open(ctx, "webstore-v1")
		require.NoError(t, err)
		require.NoError(t, bucket.Set(ctx, "example.com/gone/GET.bin", []byte("x")))

		deleted, err := bucket.Delete(ctx, "example.com/gone/GET.bin")
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = bucket.Delete(ctx, "example.com/gone/GET.bin")
		require.NoError(t, err)
		assert.False(t, deleted)
	})

	t.Run("buckets are isolated", func(t *testing.T) {
		v1, err := storage.Open(ctx, "webstore-v1")
		require.NoError(t, err)
		v2, err := storage.Open(ctx, "webstore-v2")
		require.NoError(t, err)

		require.NoError(t, v2.Set(ctx, "example.com/only-v2/GET.bin", []byte("v2")))

		data, err := v1.Get(ctx, "example.com/only-v2/GET.bin")
		require.NoError(t, err)
		assert.Nil(t, data)

		names, err := storage.Keys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"webstore-v1", "webstore-v2"}, names)
	})

	t.Run("delete bucket", func(t *testing.T) {
		v2, err := storage.Open(ctx, "webstore-v2")
		require.NoError(t, err)

		deleted, err := storage.Delete(ctx, "webstore-v2")
		require.NoError(t, err)
		assert.True(t, deleted)

		exists, err := storage.Has(ctx, "webstore-v2")
		require.NoError(t, err)
		assert.False(t, exists)

		err = v2.Set(ctx, "example.com/late/GET.bin", []byte("late"))
		assert.ErrorIs(t, err, ErrBucketNotFound)

		deleted, err = storage.Delete(ctx, "webstore-v2")
		require.NoError(t, err)
		assert.False(t, deleted)

		// a reopened bucket starts empty
		v2, err = storage.Open(ctx, "webstore-v2")
		require.NoError(t, err)
		keys, err := v2.Keys(ctx)
		require.NoError(t, err)
		assert.Empty(t, keys)
		_, err = storage.Delete(ctx, "webstore-v2")
		require.NoError(t, err)
	})

	t.Run("invalid names", func(t *testing.T) {
		for _, name := range []string{"", ".", "..", "a/b", "nul\x00"} {
			_, err := storage.Open(ctx, name)
			assert.ErrorIs(t, err, ErrInvalidName, "name %q", name)
		}
	})

	t.Run("concurrent writes", func(t *testing.T) {
		bucket, err := storage.Open(ctx, "webstore-v1")
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, bucket.Set(ctx, "example.com/race/GET.bin", []byte(fmt.Sprintf("writer-%d", i))))
			}(i)
		}
		wg.Wait()

		data, err := bucket.Get(ctx, "example.com/race/GET.bin")
		require.NoError(t, err)
		assert.Contains(t, string(data), "writer-")
	})
}
