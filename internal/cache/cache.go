// Package cache stores downloaded log objects keyed by their checksum.
package cache

import (
	"context"
	"fmt"
	"strings"

	"github.com/Anipaleja/cdn-defender/internal/config"
	"github.com/sirupsen/logrus"
)

// Store is a content-addressed byte store. Entries never expire.
type Store interface {
	// Get returns the bytes stored under checksum. The boolean is false on a
	// miss; a miss is not an error.
	Get(ctx context.Context, checksum string) ([]byte, bool, error)
	// Put stores data under checksum. name is kept for humans browsing the
	// store and does not participate in lookups.
	Put(ctx context.Context, checksum, name string, data []byte) error
}

// New returns the store selected by cfg.CacheBackend.
func New(cfg config.DownloadConfig, logger *logrus.Logger) (Store, error) {
	switch cfg.CacheBackend {
	case "", "dir":
		logger.WithField("dir", cfg.CacheDir).Debug("Using directory cache")
		return NewDirStore(cfg.CacheDir), nil
	case "redis":
		logger.WithField("addr", cfg.Redis.Addr).Debug("Using redis cache")
		return NewRedisStore(cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown cache backend: %s", cfg.CacheBackend)
	}
}

func validChecksum(checksum string) bool {
	if checksum == "" || checksum == "." || checksum == ".." {
		return false
	}
	return !strings.ContainsAny(checksum, `/\`)
}
