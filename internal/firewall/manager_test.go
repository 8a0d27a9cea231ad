package firewall

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/Anipaleja/cdn-defender/internal/config"
	"github.com/Anipaleja/cdn-defender/internal/errdefs"
	"github.com/Anipaleja/cdn-defender/internal/metrics"
	"github.com/Anipaleja/cdn-defender/internal/qiniu"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDomain = "static.example.com"

func newTestManager(t *testing.T, whitelist ...string) (*Manager, *MockBackend) {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // Reduce noise in tests

	backend := NewMockBackend()
	manager, err := NewManager(config.BlackIPConfig{Whitelist: whitelist}, backend,
		metrics.NewCollector(config.MetricsConfig{}, logger), logger)
	require.NoError(t, err)
	return manager, backend
}

func TestManagerCreation(t *testing.T) {
	manager, _ := newTestManager(t, "127.0.0.1", "::1")
	assert.Equal(t, "mock", manager.Backend())

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	_, err := NewManager(config.BlackIPConfig{Whitelist: []string{"bogus"}}, NewMockBackend(),
		metrics.NewCollector(config.MetricsConfig{}, logger), logger)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrConfig))
}

func TestParseMode(t *testing.T) {
	for input, want := range map[string]Mode{"black": ModeBlack, "WHITE": ModeWhite, "close": ModeClose} {
		got, err := ParseMode(input)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseMode("grey")
	assert.True(t, errors.Is(err, errdefs.ErrConfig))
}

func TestAppendMergesWithCurrent(t *testing.T) {
	manager, backend := newTestManager(t)
	backend.Set(testDomain, ACL{Mode: ModeBlack, Entries: []string{"203.0.113.1", "203.0.113.2"}})

	update, err := manager.Apply(context.Background(), Request{
		Domain:  testDomain,
		Mode:    ModeBlack,
		Entries: []string{"203.0.113.3", "d203.0.113.1"},
	})
	require.NoError(t, err)

	assert.True(t, update.Changed)
	assert.Equal(t, []string{"203.0.113.3", "203.0.113.2"}, update.Entries)
	assert.Equal(t, []string{"203.0.113.1", "203.0.113.2"}, update.Previous.Entries)

	acl, err := manager.Current(context.Background(), testDomain)
	require.NoError(t, err)
	assert.Equal(t, ModeBlack, acl.Mode)
	assert.ElementsMatch(t, []string{"203.0.113.2", "203.0.113.3"}, acl.Entries)
}

func TestAppendUnchangedSkipsWrite(t *testing.T) {
	manager, backend := newTestManager(t)
	backend.Set(testDomain, ACL{Mode: ModeBlack, Entries: []string{"203.0.113.1", "203.0.113.2"}})

	update, err := manager.Apply(context.Background(), Request{
		Domain:  testDomain,
		Mode:    ModeBlack,
		Entries: []string{"203.0.113.2"},
	})
	require.NoError(t, err)
	assert.False(t, update.Changed)
	assert.Equal(t, 0, backend.Applies())
}

func TestAppendRemovingEverythingClosesACL(t *testing.T) {
	manager, backend := newTestManager(t)
	backend.Set(testDomain, ACL{Mode: ModeBlack, Entries: []string{"203.0.113.1"}})

	update, err := manager.Apply(context.Background(), Request{
		Domain:  testDomain,
		Mode:    ModeBlack,
		Entries: []string{"d203.0.113.1"},
	})
	require.NoError(t, err)
	assert.True(t, update.Changed)
	assert.Equal(t, ModeClose, update.Mode)

	acl, _ := manager.Current(context.Background(), testDomain)
	assert.Equal(t, ModeClose, acl.Mode)
	assert.Empty(t, acl.Entries)
}

func TestAppendModeMismatch(t *testing.T) {
	manager, backend := newTestManager(t)
	backend.Set(testDomain, ACL{Mode: ModeWhite, Entries: []string{"203.0.113.1"}})

	_, err := manager.Apply(context.Background(), Request{
		Domain:  testDomain,
		Mode:    ModeBlack,
		Entries: []string{"d203.0.113.1"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrConfig))
	assert.Equal(t, 0, backend.Applies())

	// Adding under a different mode replaces the list.
	update, err := manager.Apply(context.Background(), Request{
		Domain:  testDomain,
		Mode:    ModeBlack,
		Entries: []string{"203.0.113.9"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"203.0.113.9"}, update.Entries)
	assert.Equal(t, ModeBlack, update.Mode)
}

func TestRewriteReplaces(t *testing.T) {
	manager, backend := newTestManager(t)
	backend.Set(testDomain, ACL{Mode: ModeBlack, Entries: []string{"203.0.113.1"}})

	update, err := manager.Apply(context.Background(), Request{
		Domain:  testDomain,
		Mode:    ModeBlack,
		Entries: []string{"203.0.113.5", "203.0.113.5", "198.51.100.0/24"},
		Rewrite: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"203.0.113.5", "198.51.100.0/24"}, update.Entries)

	_, err = manager.Apply(context.Background(), Request{
		Domain:  testDomain,
		Mode:    ModeBlack,
		Entries: []string{"d203.0.113.5"},
		Rewrite: true,
	})
	assert.True(t, errors.Is(err, errdefs.ErrConfig))
}

func TestClose(t *testing.T) {
	manager, backend := newTestManager(t)
	backend.Set(testDomain, ACL{Mode: ModeWhite, Entries: []string{"203.0.113.1"}})

	update, err := manager.Apply(context.Background(), Request{Domain: testDomain, Mode: ModeClose})
	require.NoError(t, err)
	assert.True(t, update.Changed)

	acl, _ := manager.Current(context.Background(), testDomain)
	assert.Equal(t, ACL{Mode: ModeClose}, acl)
}

func TestWhitelistedIP(t *testing.T) {
	manager, backend := newTestManager(t, "203.0.113.7", "198.51.100.0/24")

	update, err := manager.Apply(context.Background(), Request{
		Domain:  testDomain,
		Mode:    ModeBlack,
		Entries: []string{"203.0.113.7", "198.51.100.50", "127.0.0.1", "10.0.0.8", "203.0.113.8"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"203.0.113.8"}, update.Entries)
	assert.Equal(t, []string{"203.0.113.7", "198.51.100.50", "127.0.0.1", "10.0.0.8"}, update.Protected)

	// Only protected entries: nothing is written.
	applies := backend.Applies()
	update, err = manager.Apply(context.Background(), Request{
		Domain:  testDomain,
		Mode:    ModeBlack,
		Entries: []string{"203.0.113.7"},
	})
	require.NoError(t, err)
	assert.False(t, update.Changed)
	assert.Equal(t, applies, backend.Applies())

	// White lists are not filtered.
	update, err = manager.Apply(context.Background(), Request{
		Domain:  "other.example.com",
		Mode:    ModeWhite,
		Entries: []string{"203.0.113.7"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"203.0.113.7"}, update.Entries)
}

func TestInvalidRequest(t *testing.T) {
	manager, backend := newTestManager(t)

	tests := []Request{
		{Domain: testDomain, Mode: ModeBlack, Entries: []string{"invalid-ip"}},
		{Domain: testDomain, Mode: ModeBlack},
		{Domain: testDomain, Mode: ModeBlack, Entries: []string{" ", ""}},
		{Domain: "", Mode: ModeBlack, Entries: []string{"203.0.113.1"}},
		{Domain: testDomain, Mode: Mode("grey"), Entries: []string{"203.0.113.1"}},
	}
	for _, req := range tests {
		_, err := manager.Apply(context.Background(), req)
		require.Error(t, err, "%+v", req)
		assert.True(t, errors.Is(err, errdefs.ErrConfig))
	}
	assert.Equal(t, 0, backend.Applies())
}

func TestIPv6EntryStartingWithD(t *testing.T) {
	manager, _ := newTestManager(t)

	update, err := manager.Apply(context.Background(), Request{
		Domain:  testDomain,
		Mode:    ModeBlack,
		Entries: []string{"db8::1"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"db8::1"}, update.Entries)
}

func TestBackendFailure(t *testing.T) {
	manager, backend := newTestManager(t)
	backend.Fail(errdefs.ErrTransport)

	_, err := manager.Apply(context.Background(), Request{
		Domain:  testDomain,
		Mode:    ModeBlack,
		Entries: []string{"203.0.113.1"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrTransport))
	assert.Empty(t, manager.History())
}

func TestConcurrentAppends(t *testing.T) {
	manager, backend := newTestManager(t)
	backend.Set(testDomain, ACL{Mode: ModeBlack, Entries: []string{"203.0.113.100"}})

	ips := []string{"203.0.113.1", "203.0.113.2", "203.0.113.3", "203.0.113.4", "203.0.113.5"}
	var wg sync.WaitGroup
	for _, ip := range ips {
		wg.Add(1)
		go func(ip string) {
			defer wg.Done()
			_, err := manager.Apply(context.Background(), Request{Domain: testDomain, Mode: ModeBlack, Entries: []string{ip}})
			assert.NoError(t, err)
		}(ip)
	}
	wg.Wait()

	acl, _ := manager.Current(context.Background(), testDomain)
	assert.ElementsMatch(t, append(ips, "203.0.113.100"), acl.Entries)
}

func TestGetStats(t *testing.T) {
	manager, backend := newTestManager(t)
	backend.Set(testDomain, ACL{Mode: ModeBlack, Entries: []string{"203.0.113.1"}})

	manager.Apply(context.Background(), Request{Domain: testDomain, Mode: ModeBlack, Entries: []string{"203.0.113.1"}})
	manager.Apply(context.Background(), Request{Domain: testDomain, Mode: ModeBlack, Entries: []string{"203.0.113.2"}})
	manager.Apply(context.Background(), Request{Domain: testDomain, Mode: ModeClose})

	stats := manager.GetStats()
	assert.Equal(t, "mock", stats["backend"])
	assert.Equal(t, 3, stats["total_updates"])
	assert.Equal(t, 2, stats["changed"])

	modes := stats["modes"].(map[string]int)
	assert.Equal(t, 2, modes["black"])
	assert.Equal(t, 1, modes["close"])

	history := manager.History()
	require.Len(t, history, 3)
	assert.Equal(t, ModeClose, history[0].Mode)
}

func TestCDNBackend(t *testing.T) {
	var (
		mutex sync.Mutex
		put   qiniu.IPACL
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/domain/"+testDomain:
			w.Write([]byte(`{"name":"static.example.com","ipACL":{"ipACLType":"black","ipACLValues":["203.0.113.1"]}}`))
		case r.Method == http.MethodPut && r.URL.Path == "/domain/"+testDomain+"/ipacl":
			body, _ := io.ReadAll(r.Body)
			mutex.Lock()
			json.Unmarshal(body, &put)
			mutex.Unlock()
			w.Write([]byte(`{"code":200,"error":"success"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	cfg := config.Default().CDN
	cfg.AccessKey, cfg.SecretKey = "ak", "sk"
	backend := NewCDNBackend(qiniu.New(cfg, logger, qiniu.WithEndpoints(srv.URL, srv.URL)))

	manager, err := NewManager(config.BlackIPConfig{}, backend, metrics.NewCollector(config.MetricsConfig{}, logger), logger)
	require.NoError(t, err)

	update, err := manager.Apply(context.Background(), Request{
		Domain:  testDomain,
		Mode:    ModeBlack,
		Entries: []string{"203.0.113.2"},
	})
	require.NoError(t, err)
	assert.True(t, update.Changed)

	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, "black", put.Type)
	assert.Equal(t, []string{"203.0.113.2", "203.0.113.1"}, put.Values)
}
