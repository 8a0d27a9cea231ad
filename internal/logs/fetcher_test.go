package logs

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Anipaleja/cdn-defender/internal/cache"
	"github.com/Anipaleja/cdn-defender/internal/config"
	"github.com/Anipaleja/cdn-defender/internal/errdefs"
	"github.com/Anipaleja/cdn-defender/internal/metrics"
	"github.com/Anipaleja/cdn-defender/internal/qiniu"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDomain = "static.example.com"

// fakeOrigin serves the log list API and the objects it advertises.
type fakeOrigin struct {
	srv *httptest.Server

	mutex   sync.Mutex
	days    map[string][]Descriptor
	objects map[string][]byte
	failDay string

	// delay holds each object download open so overlapping requests can
	// be observed.
	delay time.Duration

	listCalls atomic.Int32
	downloads atomic.Int32
	inFlight  atomic.Int32
	peak      atomic.Int32
}

func newFakeOrigin(t *testing.T) *fakeOrigin {
	o := &fakeOrigin{
		days:    make(map[string][]Descriptor),
		objects: make(map[string][]byte),
	}
	o.srv = httptest.NewServer(http.HandlerFunc(o.handle))
	t.Cleanup(o.srv.Close)
	return o
}

func (o *fakeOrigin) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == listPath {
		o.listCalls.Add(1)
		var req listRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		o.mutex.Lock()
		failed := req.Day == o.failDay
		descs, ok := o.days[req.Day]
		o.mutex.Unlock()

		if failed {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"code":500,"error":"upstream unavailable"}`))
			return
		}
		data := map[string][]Descriptor{}
		if ok {
			data[req.Domains] = descs
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"code": 200, "error": "", "data": data})
		return
	}

	o.downloads.Add(1)
	n := o.inFlight.Add(1)
	defer o.inFlight.Add(-1)
	for {
		p := o.peak.Load()
		if n <= p || o.peak.CompareAndSwap(p, n) {
			break
		}
	}

	o.mutex.Lock()
	body, ok := o.objects[r.URL.Path]
	delay := o.delay
	o.mutex.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Write(body)
}

// addObject advertises name for day with the given body.
func (o *fakeOrigin) addObject(day, name, checksum string, body []byte) Descriptor {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	path := "/obj/" + name
	d := Descriptor{
		Name:     "v2/" + name,
		Size:     int64(len(body)),
		URL:      o.srv.URL + path,
		Checksum: checksum,
	}
	o.objects[path] = body
	o.days[day] = append(o.days[day], d)
	return d
}

func gzipLines(t *testing.T, lines ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(strings.Join(lines, "\n") + "\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func newTestFetcher(t *testing.T, o *fakeOrigin, store cache.Store) *Fetcher {
	t.Helper()
	return newFetcherWithConfig(t, o, store, config.Default())
}

func newFetcherWithConfig(t *testing.T, o *fakeOrigin, store cache.Store, cfg *config.Config) *Fetcher {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	cfg.CDN.AccessKey = "ak"
	cfg.CDN.SecretKey = "sk"

	if store == nil {
		store = cache.NewDirStore(t.TempDir())
	}
	client := qiniu.New(cfg.CDN, logger, qiniu.WithEndpoints(o.srv.URL, o.srv.URL))
	collector := metrics.NewCollector(cfg.Metrics, logger)
	return NewFetcher(cfg.Download, NewCatalog(client, collector, logger), client, store, collector, logger)
}

func day(d int) time.Time {
	return time.Date(2024, 7, d, 0, 0, 0, 0, time.UTC)
}

func TestCatalogList(t *testing.T) {
	o := newFakeOrigin(t)
	o.addObject("2024-07-16", "a.gz", "md5a", []byte("x"))
	f := newTestFetcher(t, o, nil)

	descs, err := f.Catalog().List(context.Background(), day(16), testDomain)
	require.NoError(t, err)
	require.Len(t, descs, 1)
	assert.Equal(t, "v2/a.gz", descs[0].Name)
	assert.Equal(t, "md5a", descs[0].Checksum)

	// No key for the domain: empty, not an error.
	descs, err = f.Catalog().List(context.Background(), day(17), testDomain)
	require.NoError(t, err)
	assert.Empty(t, descs)
	assert.NotNil(t, descs)
}

func TestCatalogListError(t *testing.T) {
	o := newFakeOrigin(t)
	o.failDay = "2024-07-16"
	f := newTestFetcher(t, o, nil)

	_, err := f.Catalog().List(context.Background(), day(16), testDomain)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrTransport))
	assert.Contains(t, err.Error(), "2024-07-16")
	assert.Contains(t, err.Error(), testDomain)
	assert.Contains(t, err.Error(), "upstream unavailable")
	assert.Contains(t, err.Error(), "500")
}

func TestFetchRangeMergesDays(t *testing.T) {
	o := newFakeOrigin(t)
	o.addObject("2024-07-15", "15-00.gz", "m1", gzipLines(t, "a1", "a2"))
	o.addObject("2024-07-16", "16-00.gz", "m2", gzipLines(t, "b1"))
	o.addObject("2024-07-16", "16-01.gz", "m3", gzipLines(t, "c1", "c2", "c3"))
	f := newTestFetcher(t, o, nil)

	stream, err := f.FetchRange(context.Background(), day(15), day(16), testDomain)
	require.NoError(t, err)
	assert.Equal(t, 3, stream.Objects())

	lines, err := stream.Collect()
	require.NoError(t, err)

	sort.Strings(lines)
	assert.Equal(t, []string{"a1", "a2", "b1", "c1", "c2", "c3"}, lines)
	assert.Equal(t, int32(2), o.listCalls.Load())
	assert.Equal(t, int32(3), o.downloads.Load())
}

func TestFetchRangeRejectsInvalidRange(t *testing.T) {
	o := newFakeOrigin(t)
	f := newTestFetcher(t, o, nil)
	ctx := context.Background()

	_, err := f.FetchRange(ctx, day(17), day(16), testDomain)
	assert.True(t, errors.Is(err, errdefs.ErrConfig))

	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	_, err = f.FetchRange(ctx, start, start.AddDate(0, 0, 30), testDomain)
	assert.True(t, errors.Is(err, errdefs.ErrConfig), "31 days must be rejected")
	assert.Contains(t, err.Error(), "exceeds 30 days")

	assert.Equal(t, int32(0), o.listCalls.Load())
	assert.Equal(t, int32(0), o.downloads.Load())

	// Exactly 30 days is accepted.
	stream, err := f.FetchRange(ctx, start, start.AddDate(0, 0, 29), testDomain)
	require.NoError(t, err)
	lines, err := stream.Collect()
	require.NoError(t, err)
	assert.Empty(t, lines)
	assert.Equal(t, int32(30), o.listCalls.Load())
}

func TestFetchRangeCatalogFailure(t *testing.T) {
	o := newFakeOrigin(t)
	o.addObject("2024-07-15", "15-00.gz", "m1", gzipLines(t, "a1"))
	o.failDay = "2024-07-16"
	f := newTestFetcher(t, o, nil)

	_, err := f.FetchRange(context.Background(), day(15), day(16), testDomain)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrTransport))
}

func TestFetchRangeIsolatesCorruptObject(t *testing.T) {
	o := newFakeOrigin(t)
	o.addObject("2024-07-16", "good.gz", "m1", gzipLines(t, "good1", "good2"))
	o.addObject("2024-07-16", "bad.gz", "m2", []byte("this is not gzip"))
	f := newTestFetcher(t, o, nil)

	stream, err := f.FetchRange(context.Background(), day(16), day(16), testDomain)
	require.NoError(t, err)

	lines, err := stream.Collect()
	sort.Strings(lines)
	assert.Equal(t, []string{"good1", "good2"}, lines)

	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrDecode))
	assert.Contains(t, err.Error(), "bad.gz")
}

func TestFetchRangeMissingObject(t *testing.T) {
	o := newFakeOrigin(t)
	o.addObject("2024-07-16", "good.gz", "m1", gzipLines(t, "good1"))
	d := o.addObject("2024-07-16", "gone.gz", "m2", nil)
	delete(o.objects, "/obj/gone.gz")
	f := newTestFetcher(t, o, nil)

	stream, err := f.FetchRange(context.Background(), day(16), day(16), testDomain)
	require.NoError(t, err)

	lines, err := stream.Collect()
	assert.Equal(t, []string{"good1"}, lines)
	assert.True(t, errors.Is(err, errdefs.ErrTransport))
	assert.Contains(t, err.Error(), d.Name)
}

func TestFetchRangeCancel(t *testing.T) {
	o := newFakeOrigin(t)
	many := make([]string, 3*lineBuffer)
	for i := range many {
		many[i] = "line"
	}
	o.addObject("2024-07-16", "big.gz", "m1", gzipLines(t, many...))
	f := newTestFetcher(t, o, nil)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := f.FetchRange(ctx, day(16), day(16), testDomain)
	require.NoError(t, err)

	<-stream.Lines()
	cancel()

	done := make(chan error, 1)
	go func() { done <- stream.Err() }()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not finish after cancel")
	}
}

func TestFetchRangeBoundsConcurrentDownloads(t *testing.T) {
	tests := []struct {
		name    string
		limit   int
		objects int
	}{
		{"default limit", 0, 80},
		{"configured limit", 3, 12},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newFakeOrigin(t)
			o.delay = 50 * time.Millisecond
			for i := 0; i < tt.objects; i++ {
				name := fmt.Sprintf("16-%02d.gz", i)
				o.addObject("2024-07-16", name, fmt.Sprintf("m%d", i), gzipLines(t, name))
			}

			cfg := config.Default()
			if tt.limit > 0 {
				cfg.Download.MaxDownloads = tt.limit
			}
			f := newFetcherWithConfig(t, o, nil, cfg)

			stream, err := f.FetchRange(context.Background(), day(16), day(16), testDomain)
			require.NoError(t, err)
			lines, err := stream.Collect()
			require.NoError(t, err)

			assert.Len(t, lines, tt.objects)
			assert.Equal(t, int32(tt.objects), o.downloads.Load())
			assert.Equal(t, int32(cfg.Download.MaxDownloads), o.peak.Load())
		})
	}
}

func TestDownloadCacheIdempotent(t *testing.T) {
	o := newFakeOrigin(t)
	body := gzipLines(t, "x")
	d := o.addObject("2024-07-16", "a.gz", "abc", body)
	store := cache.NewDirStore(t.TempDir())
	f := newTestFetcher(t, o, store)

	first, err := f.Download(context.Background(), d)
	require.NoError(t, err)
	second, err := f.Download(context.Background(), d)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, body, first)
	assert.Equal(t, int32(1), o.downloads.Load())

	// A later run sharing the cache directory never hits the origin.
	again, err := newTestFetcher(t, o, store).Download(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, body, again)
	assert.Equal(t, int32(1), o.downloads.Load())

	_, err = os.Stat(store.Path("abc", d.Name))
	assert.NoError(t, err)
}

func TestSaveDay(t *testing.T) {
	o := newFakeOrigin(t)
	o.addObject("2024-07-16", "a.gz", "ma", gzipLines(t, "alpha"))
	o.addObject("2024-07-16", "b.gz", "mb", gzipLines(t, "beta"))
	f := newTestFetcher(t, o, nil)

	dir := t.TempDir()
	paths, err := f.SaveDay(context.Background(), day(16), testDomain, SaveOptions{
		Dir:       dir,
		DomainDir: true,
		Limit:     1,
		Unzip:     true,
	})
	require.NoError(t, err)
	require.Len(t, paths, 1)

	assert.Equal(t, filepath.Join(dir, testDomain, "a"), paths[0])
	content, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	assert.Equal(t, "alpha\n", string(content))

	_, err = os.Stat(filepath.Join(dir, testDomain, "a.gz"))
	assert.True(t, os.IsNotExist(err), "archive should be removed")
}

func TestSaveDayKeepArchive(t *testing.T) {
	o := newFakeOrigin(t)
	o.addObject("2024-07-16", "a.gz", "ma", gzipLines(t, "alpha"))
	f := newTestFetcher(t, o, nil)

	dir := t.TempDir()
	paths, err := f.SaveDay(context.Background(), day(16), testDomain, SaveOptions{
		Dir:         dir,
		Unzip:       true,
		KeepArchive: true,
	})
	require.NoError(t, err)
	require.Len(t, paths, 1)

	_, err = os.Stat(filepath.Join(dir, "a.gz"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "a"))
	assert.NoError(t, err)
}

func TestDays(t *testing.T) {
	days, err := Days(day(15).Add(13*time.Hour), day(17), MaxRangeDays)
	require.NoError(t, err)
	require.Len(t, days, 3)
	assert.Equal(t, day(15), days[0])
	assert.Equal(t, day(17), days[2])

	days, err = Days(day(16), day(16), MaxRangeDays)
	require.NoError(t, err)
	assert.Len(t, days, 1)
}

func TestCountURLs(t *testing.T) {
	lines := make(chan string, 8)
	lines <- `1.1.1.1 HIT 1 [16/Jul/2024:00:00:01 +0800] "GET http://s.example.com/a HTTP/1.1" 200 1 "-" "ua"`
	lines <- `1.1.1.1 HIT 1 [16/Jul/2024:00:00:02 +0800] "GET http://s.example.com/b HTTP/1.1" 200 1 "-" "ua"`
	lines <- `1.1.1.1 HIT 1 [16/Jul/2024:00:00:03 +0800] "GET http://s.example.com/b HTTP/1.1" 200 1 "-" "ua"`
	lines <- `1.1.1.10 HIT 1 [16/Jul/2024:00:00:04 +0800] "GET http://s.example.com/c HTTP/1.1" 200 1 "-" "ua"`
	lines <- `2.2.2.2 HIT 1 [16/Jul/2024:00:00:05 +0800] "GET http://s.example.com/a HTTP/1.1" 200 1 "-" "ua"`
	lines <- `1.1.1.1 malformed`
	close(lines)

	got := CountURLs(lines, "1.1.1.1")
	assert.Equal(t, []URLCount{
		{URL: "http://s.example.com/b", Count: 2},
		{URL: "http://s.example.com/a", Count: 1},
	}, got)
}
