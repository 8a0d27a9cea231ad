package logs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// SaveOptions controls how SaveDay lays out downloaded archives.
type SaveOptions struct {
	Dir string
	// DomainDir stores files under <Dir>/<domain>.
	DomainDir bool
	// Limit caps the number of objects saved; zero or less saves all.
	Limit int
	// Unzip writes the decompressed file next to the archive.
	Unzip bool
	// KeepArchive keeps the .gz after unzipping.
	KeepArchive bool
}

// SaveDay downloads the objects listed for domain on day into opts.Dir and
// returns the paths written. Downloads go through the cache and the shared
// download gate.
func (f *Fetcher) SaveDay(ctx context.Context, day time.Time, domain string, opts SaveOptions) ([]string, error) {
	descs, err := f.catalog.List(ctx, day, domain)
	if err != nil {
		return nil, err
	}
	if opts.Limit > 0 && len(descs) > opts.Limit {
		descs = descs[:opts.Limit]
	}

	dir := opts.Dir
	if opts.DomainDir {
		dir = filepath.Join(dir, domain)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}

	paths := make([]string, len(descs))
	g, gctx := errgroup.WithContext(ctx)
	for i, d := range descs {
		i, d := i, d
		g.Go(func() error {
			path, err := f.save(gctx, d, dir, opts)
			if err != nil {
				return err
			}
			paths[i] = path
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return paths, nil
}

func (f *Fetcher) save(ctx context.Context, d Descriptor, dir string, opts SaveOptions) (string, error) {
	data, err := f.Download(ctx, d)
	if err != nil {
		return "", err
	}

	archive := filepath.Join(dir, filepath.Base(d.Name))
	if err := os.WriteFile(archive, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", archive, err)
	}
	f.logger.WithFields(logrus.Fields{
		"name": d.Name,
		"path": archive,
	}).Info("Log object saved")

	if !opts.Unzip {
		return archive, nil
	}

	plain := strings.TrimSuffix(archive, ".gz")
	if plain == archive {
		plain = archive + ".log"
	}
	if err := unzipFile(archive, plain); err != nil {
		return "", fmt.Errorf("failed to unzip %s: %w", archive, err)
	}
	if !opts.KeepArchive {
		if err := os.Remove(archive); err != nil {
			return "", fmt.Errorf("failed to remove %s: %w", archive, err)
		}
	}
	return plain, nil
}

func unzipFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	return gunzip(out, in)
}
