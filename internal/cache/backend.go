package cache

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/webstore/offline-proxy/internal/config"
)

// New creates the storage backend selected by the configuration. The storage is not initialized.
func New(ctx context.Context, cfg config.CacheConfig) (Storage, error) {
	logrus.Debugf("Using %s cache backend", cfg.Backend)

	switch cfg.Backend {
	case "memory":
		return NewMemory(), nil
	case "disk":
		return NewDisk(cfg.Folder), nil
	case "leveldb":
		return NewLevelDB(filepath.Join(cfg.Folder, "leveldb"))
	case "sqlite":
		return NewSQLite(filepath.Join(cfg.Folder, "cache.db"))
	case "redis":
		client := NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		return NewRedis(client, cfg.Redis.Prefix), nil
	case "s3":
		client, err := NewS3Client(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return NewS3Store(cfg.S3.Bucket, cfg.S3.Prefix, client), nil
	default:
		return nil, fmt.Errorf("unknown cache backend: %q", cfg.Backend)
	}
}
