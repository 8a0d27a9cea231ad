package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Anipaleja/cdn-defender/internal/errdefs"
)

const tempPrefix = ".tmp-"

// DirStore keeps each entry at <root>/<checksum>/<name>.
type DirStore struct {
	root string
}

// NewDirStore creates a DirStore rooted at root. The directory is created
// lazily on the first Put.
func NewDirStore(root string) *DirStore {
	return &DirStore{root: root}
}

// Root returns the cache directory.
func (s *DirStore) Root() string {
	return s.root
}

// Path returns where an object with the given checksum and name is stored.
func (s *DirStore) Path(checksum, name string) string {
	return filepath.Join(s.root, checksum, baseName(checksum, name))
}

// Get returns the first regular file found in the checksum directory, so
// objects with equal content share one entry whatever their names.
func (s *DirStore) Get(ctx context.Context, checksum string) ([]byte, bool, error) {
	if !validChecksum(checksum) {
		return nil, false, errdefs.CacheIO("get", fmt.Errorf("invalid checksum %q", checksum))
	}

	dir := filepath.Join(s.root, checksum)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, errdefs.CacheIO("get", err)
	}

	for _, entry := range entries {
		if !entry.Type().IsRegular() || strings.HasPrefix(entry.Name(), tempPrefix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, false, errdefs.CacheIO("get", err)
		}
		return data, true, nil
	}

	return nil, false, nil
}

// Put writes data through a temp file and renames it into place, so readers
// never observe a partial entry and racing writers of the same checksum are
// harmless.
func (s *DirStore) Put(ctx context.Context, checksum, name string, data []byte) (err error) {
	if !validChecksum(checksum) {
		return errdefs.CacheIO("put", fmt.Errorf("invalid checksum %q", checksum))
	}

	dir := filepath.Join(s.root, checksum)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errdefs.CacheIO("put", err)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return errdefs.CacheIO("put", err)
	}
	tmpName := tmp.Name()

	closed := false
	defer func() {
		if !closed {
			if cerr := tmp.Close(); cerr != nil && err == nil {
				err = errdefs.CacheIO("close", cerr)
			}
		}
		if err != nil {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return errdefs.CacheIO("write", err)
	}
	if err := tmp.Sync(); err != nil {
		return errdefs.CacheIO("sync", err)
	}
	closed = true
	if err := tmp.Close(); err != nil {
		return errdefs.CacheIO("close", err)
	}

	if err := os.Rename(tmpName, filepath.Join(dir, baseName(checksum, name))); err != nil {
		return errdefs.CacheIO("rename", err)
	}
	return nil
}

func baseName(checksum, name string) string {
	base := filepath.Base(name)
	if base == "." || base == ".." || base == string(filepath.Separator) || strings.HasPrefix(base, tempPrefix) {
		return checksum
	}
	return base
}
