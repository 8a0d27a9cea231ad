package logs

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Anipaleja/cdn-defender/internal/cache"
	"github.com/Anipaleja/cdn-defender/internal/config"
	"github.com/Anipaleja/cdn-defender/internal/errdefs"
	"github.com/Anipaleja/cdn-defender/internal/metrics"
	"github.com/Anipaleja/cdn-defender/internal/qiniu"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	// MaxRangeDays is the longest span a single range fetch may cover.
	MaxRangeDays = 30

	maxLineSize = 1024 * 1024
	lineBuffer  = 1024
)

// Fetcher downloads log objects through the cache and merges whole date
// ranges into one line stream.
type Fetcher struct {
	catalog *Catalog
	client  *qiniu.Client
	store   cache.Store
	gate    *semaphore.Weighted
	maxDays int
	metrics *metrics.Collector
	logger  *logrus.Logger
}

// NewFetcher creates a Fetcher. cfg.MaxDownloads bounds simultaneous
// downloads across every range fetched through it.
func NewFetcher(cfg config.DownloadConfig, catalog *Catalog, client *qiniu.Client, store cache.Store, collector *metrics.Collector, logger *logrus.Logger) *Fetcher {
	maxDownloads := cfg.MaxDownloads
	if maxDownloads <= 0 {
		maxDownloads = 25
	}
	maxDays := cfg.MaxRangeDays
	if maxDays <= 0 || maxDays > MaxRangeDays {
		maxDays = MaxRangeDays
	}

	return &Fetcher{
		catalog: catalog,
		client:  client,
		store:   store,
		gate:    semaphore.NewWeighted(int64(maxDownloads)),
		maxDays: maxDays,
		metrics: collector,
		logger:  logger,
	}
}

// Catalog returns the catalog used for manifest lookups.
func (f *Fetcher) Catalog() *Catalog {
	return f.catalog
}

// Download returns the bytes of one log object, from the cache when the
// checksum is already stored, otherwise from the origin. Fresh downloads are
// persisted before they are returned.
func (f *Fetcher) Download(ctx context.Context, d Descriptor) ([]byte, error) {
	data, ok, err := f.store.Get(ctx, d.Checksum)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache for %s: %w", d.Name, err)
	}
	f.metrics.RecordCacheLookup(ok)
	if ok {
		return data, nil
	}

	if err := f.gate.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	data, err = f.client.Fetch(ctx, d.URL)
	f.gate.Release(1)

	f.metrics.RecordDownload(len(data), err)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", d.Name, err)
	}

	if err := f.store.Put(ctx, d.Checksum, d.Name, data); err != nil {
		return nil, fmt.Errorf("failed to cache %s: %w", d.Name, err)
	}

	f.logger.WithFields(logrus.Fields{
		"name":  d.Name,
		"bytes": len(data),
	}).Debug("Downloaded log object")

	return data, nil
}

// FetchRange lists every day in [start, end] and streams the decompressed
// lines of all objects found. The range is checked before any request is
// made. A failed manifest call fails the whole range; a failed object only
// drops that object's lines and is reported by Stream.Err.
//
// Callers must drain Lines or cancel ctx.
func (f *Fetcher) FetchRange(ctx context.Context, start, end time.Time, domain string) (*Stream, error) {
	days, err := Days(start, end, f.maxDays)
	if err != nil {
		return nil, err
	}

	begin := time.Now()
	descs, err := f.listDays(ctx, days, domain)
	if err != nil {
		return nil, err
	}

	f.logger.WithFields(logrus.Fields{
		"domain":  domain,
		"days":    len(days),
		"objects": len(descs),
	}).Info("Fetching logs")

	s := newStream(len(descs))
	errs := make(chan error, len(descs))

	var wg sync.WaitGroup
	for _, d := range descs {
		wg.Add(1)
		go func(d Descriptor) {
			defer wg.Done()
			if err := f.emit(ctx, d, s); err != nil {
				f.logger.WithError(err).WithField("name", d.Name).Warn("Skipping log object")
				errs <- err
			}
		}(d)
	}

	go func() {
		wg.Wait()
		close(errs)

		var all []error
		for err := range errs {
			all = append(all, err)
		}
		s.finish(errors.Join(all...))
		f.metrics.RecordFetch(domain, s.count(), time.Since(begin))
	}()

	return s, nil
}

// listDays fans one catalog call out per day and drains the results from a
// channel. Any failure cancels the siblings and is returned.
func (f *Fetcher) listDays(ctx context.Context, days []time.Time, domain string) ([]Descriptor, error) {
	g, gctx := errgroup.WithContext(ctx)
	results := make(chan []Descriptor, len(days))

	for _, day := range days {
		day := day
		g.Go(func() error {
			descs, err := f.catalog.List(gctx, day, domain)
			if err != nil {
				return err
			}
			results <- descs
			return nil
		})
	}

	err := g.Wait()
	close(results)
	if err != nil {
		return nil, err
	}

	var all []Descriptor
	for descs := range results {
		all = append(all, descs...)
	}
	return all, nil
}

func (f *Fetcher) emit(ctx context.Context, d Descriptor, s *Stream) error {
	data, err := f.Download(ctx, d)
	if err != nil {
		return err
	}

	lines, err := decode(data)
	if err != nil {
		f.metrics.RecordDecodeError()
		return errdefs.Decode(d.Name, err)
	}

	for _, line := range lines {
		if !s.send(ctx, line) {
			return ctx.Err()
		}
	}
	return nil
}

// decode gunzips a single-member archive and splits it into lines. The
// whole object is decoded before any line is returned, so a corrupt archive
// contributes nothing.
func decode(data []byte) ([]string, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	zr.Multistream(false)

	var lines []string
	scanner := bufio.NewScanner(zr)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// gunzip copies a decompressed archive from r to w.
func gunzip(w io.Writer, r io.Reader) error {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer zr.Close()

	_, err = io.Copy(w, zr)
	return err
}

// Days returns every calendar day from start to end inclusive. start must
// not be after end and the span must not exceed maxDays.
func Days(start, end time.Time, maxDays int) ([]time.Time, error) {
	start, end = truncateDay(start), truncateDay(end)
	if start.After(end) {
		return nil, errdefs.Configf("start date %s is after end date %s",
			start.Format(DayLayout), end.Format(DayLayout))
	}

	var days []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
		if len(days) > maxDays {
			return nil, errdefs.Configf("date range %s to %s exceeds %d days",
				start.Format(DayLayout), end.Format(DayLayout), maxDays)
		}
	}
	return days, nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
