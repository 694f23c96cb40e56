package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"
)

// DiskStorage implements Storage with one directory per bucket and one file per entry
type DiskStorage struct {
	cacheDir string
}

type diskCache struct {
	dir  string
	name string
}

// NewDisk creates a new disk storage rooted at cacheDir
func NewDisk(cacheDir string) *DiskStorage {
	return &DiskStorage{cacheDir: cacheDir}
}

// Init ensures the cache directory exists
func (d *DiskStorage) Init(ctx context.Context) error {
	return os.MkdirAll(d.cacheDir, 0755)
}

func (d *DiskStorage) Close() error { return nil }

// bucket names are path-escaped so that any valid name maps to a single directory
func (d *DiskStorage) bucketDir(name string) string {
	return filepath.Join(d.cacheDir, url.PathEscape(name))
}

func (d *DiskStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	dir := d.bucketDir(name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create bucket directory %s: %w", dir, err)
	}
	return &diskCache{dir: dir, name: name}, nil
}

func (d *DiskStorage) Has(ctx context.Context, name string) (bool, error) {
	if ValidateName(name) != nil {
		return false, nil
	}
	info, err := os.Stat(d.bucketDir(name))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

func (d *DiskStorage) Delete(ctx context.Context, name string) (bool, error) {
	exists, err := d.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}
	if err := os.RemoveAll(d.bucketDir(name)); err != nil {
		return false, fmt.Errorf("failed to remove bucket %s: %w", name, err)
	}
	logrus.Debugf("Removed cache bucket directory: %s", d.bucketDir(name))
	return true, nil
}

func (d *DiskStorage) Keys(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(d.cacheDir)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name, err := url.PathUnescape(entry.Name())
		if err != nil {
			logrus.Warnf("Ignoring unexpected directory in cache folder: %s", entry.Name())
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (c *diskCache) Name() string { return c.name }

// entry keys are relative slash-separated paths, e.g. "example.com/products/GET.bin"
func (c *diskCache) path(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	rel := filepath.FromSlash(key)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: key %q escapes the bucket", ErrInvalidName, key)
	}
	return filepath.Join(c.dir, rel), nil
}

// Get retrieves a cached entry if it exists
func (c *diskCache) Get(ctx context.Context, key string) ([]byte, error) {
	cachePath, err := c.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(cachePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Set stores an entry. The file is written aside and renamed so readers never see a partial snapshot.
func (c *diskCache) Set(ctx context.Context, key string, data []byte) error {
	cachePath, err := c.path(key)
	if err != nil {
		return err
	}

	dir := filepath.Dir(cachePath)
	if err := c.mkdirBelow(dir); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if errors.Is(err, fs.ErrNotExist) {
		return ErrBucketNotFound
	}
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), cachePath); err != nil {
		_ = os.Remove(tmp.Name())
		if errors.Is(err, fs.ErrNotExist) {
			return ErrBucketNotFound
		}
		return err
	}

	logrus.Debugf("Cached entry: %s", cachePath)
	return nil
}

// mkdirBelow creates dir and its parents up to, but never including, the
// bucket directory. A bucket deleted concurrently stays deleted.
func (c *diskCache) mkdirBelow(dir string) error {
	rel, err := filepath.Rel(c.dir, dir)
	if err != nil {
		return err
	}
	cur := c.dir
	for _, seg := range strings.Split(rel, string(filepath.Separator)) {
		if seg == "." {
			continue
		}
		cur = filepath.Join(cur, seg)
		err := os.Mkdir(cur, 0755)
		if errors.Is(err, fs.ErrNotExist) {
			return ErrBucketNotFound
		}
		if err != nil && !errors.Is(err, fs.ErrExist) {
			return err
		}
	}
	return nil
}

func (c *diskCache) Delete(ctx context.Context, key string) (bool, error) {
	cachePath, err := c.path(key)
	if err != nil {
		return false, err
	}
	err = os.Remove(cachePath)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *diskCache) Keys(ctx context.Context) ([]string, error) {
	keys := []string{}
	err := filepath.WalkDir(c.dir, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if entry.IsDir() || filepath.Base(p)[0] == '.' {
			return nil
		}
		rel, err := filepath.Rel(c.dir, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(keys)
	return keys, nil
}
