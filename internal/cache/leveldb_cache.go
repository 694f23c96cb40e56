package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDBStorage keeps every bucket in a single LevelDB database.
//
// Layout:
//
//	b:<bucket>            bucket marker
//	e:<bucket>\x00<key>   entry
type LevelDBStorage struct {
	db *leveldb.DB
}

type levelDBCache struct {
	db   *leveldb.DB
	name string
}

// NewLevelDB opens (or creates) the database at path
func NewLevelDB(path string) (*LevelDBStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb at %s: %w", path, err)
	}
	return &LevelDBStorage{db: db}, nil
}

func bucketMarker(name string) []byte {
	return []byte("b:" + name)
}

func entryPrefix(name string) []byte {
	return []byte("e:" + name + "\x00")
}

func (l *LevelDBStorage) Init(ctx context.Context) error { return nil }

func (l *LevelDBStorage) Close() error {
	return l.db.Close()
}

func (l *LevelDBStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	ok, err := l.db.Has(bucketMarker(name), nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := l.db.Put(bucketMarker(name), []byte{1}, nil); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", name, err)
		}
	}
	return &levelDBCache{db: l.db, name: name}, nil
}

func (l *LevelDBStorage) Has(ctx context.Context, name string) (bool, error) {
	return l.db.Has(bucketMarker(name), nil)
}

func (l *LevelDBStorage) Delete(ctx context.Context, name string) (bool, error) {
	ok, err := l.db.Has(bucketMarker(name), nil)
	if err != nil || !ok {
		return false, err
	}

	batch := new(leveldb.Batch)
	batch.Delete(bucketMarker(name))

	it := l.db.NewIterator(util.BytesPrefix(entryPrefix(name)), nil)
	for it.Next() {
		batch.Delete(slices.Clone(it.Key()))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}

	if err := l.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("failed to delete bucket %s: %w", name, err)
	}
	return true, nil
}

func (l *LevelDBStorage) Keys(ctx context.Context) ([]string, error) {
	it := l.db.NewIterator(util.BytesPrefix([]byte("b:")), nil)
	defer it.Release()

	names := []string{}
	for it.Next() {
		names = append(names, string(bytes.TrimPrefix(it.Key(), []byte("b:"))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return names, nil
}

func (c *levelDBCache) Name() string { return c.name }

func (c *levelDBCache) key(key string) []byte {
	return append(entryPrefix(c.name), key...)
}

func (c *levelDBCache) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := c.db.Get(c.key(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (c *levelDBCache) Set(ctx context.Context, key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	ok, err := c.db.Has(bucketMarker(c.name), nil)
	if err != nil {
		return err
	}
	if !ok {
		return ErrBucketNotFound
	}
	return c.db.Put(c.key(key), value, nil)
}

func (c *levelDBCache) Delete(ctx context.Context, key string) (bool, error) {
	ok, err := c.db.Has(c.key(key), nil)
	if err != nil || !ok {
		return false, err
	}
	return true, c.db.Delete(c.key(key), nil)
}

func (c *levelDBCache) Keys(ctx context.Context) ([]string, error) {
	prefix := entryPrefix(c.name)
	it := c.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	keys := []string{}
	for it.Next() {
		keys = append(keys, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return keys, nil
}
