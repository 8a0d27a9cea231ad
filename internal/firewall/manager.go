package firewall

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Anipaleja/cdn-defender/internal/config"
	"github.com/Anipaleja/cdn-defender/internal/errdefs"
	"github.com/Anipaleja/cdn-defender/internal/metrics"
	"github.com/Anipaleja/cdn-defender/pkg/ranges"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Mode is the IP ACL type applied to a domain.
type Mode string

const (
	ModeBlack Mode = "black"
	ModeWhite Mode = "white"
	ModeClose Mode = ""
)

func (m Mode) String() string {
	if m == ModeClose {
		return "close"
	}
	return string(m)
}

// ParseMode accepts black, white and close.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "black":
		return ModeBlack, nil
	case "white":
		return ModeWhite, nil
	case "close", "off":
		return ModeClose, nil
	default:
		return "", errdefs.Configf("unknown acl mode %q, want black, white or close", s)
	}
}

// RemovePrefix marks an entry that removes an IP in append mode.
const RemovePrefix = "d"

// ACL is the IP list of one domain.
type ACL struct {
	Mode    Mode     `json:"mode"`
	Entries []string `json:"entries"`
}

// Request describes one ACL change. Rewrite replaces the current list;
// otherwise entries are merged with it.
type Request struct {
	Domain  string   `json:"domain"`
	Mode    Mode     `json:"mode"`
	Entries []string `json:"entries"`
	Rewrite bool     `json:"rewrite"`
	Reason  string   `json:"reason,omitempty"`
}

// Update records the outcome of a Request.
type Update struct {
	ID        string    `json:"id"`
	Domain    string    `json:"domain"`
	Mode      Mode      `json:"mode"`
	Entries   []string  `json:"entries"`
	Previous  ACL       `json:"previous"`
	Changed   bool      `json:"changed"`
	Protected []string  `json:"protected,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Backend reads and writes a domain's ACL.
type Backend interface {
	Current(ctx context.Context, domain string) (ACL, error)
	Apply(ctx context.Context, domain string, acl ACL) error
	Name() string
}

const historySize = 100

// Manager merges requested changes with the live ACL and applies them
// through a Backend. Changes to the same domain are serialized.
type Manager struct {
	backend Backend
	ranges  *ranges.RangeManager
	metrics *metrics.Collector
	logger  *logrus.Logger

	mutex   sync.Mutex
	domains map[string]*sync.Mutex
	history []*Update
}

// NewManager creates a manager that never blacklists whitelisted entries.
func NewManager(cfg config.BlackIPConfig, backend Backend, collector *metrics.Collector, logger *logrus.Logger) (*Manager, error) {
	rm := ranges.NewRangeManager()
	if err := rm.AddEntries(ranges.CategoryWhitelist, cfg.Whitelist); err != nil {
		return nil, errdefs.Configf("blackip.whitelist: %v", err)
	}

	logger.Infof("ACL manager initialized with backend: %s", backend.Name())
	return &Manager{
		backend: backend,
		ranges:  rm,
		metrics: collector,
		logger:  logger,
		domains: make(map[string]*sync.Mutex),
	}, nil
}

// Backend returns the name of the backend in use.
func (m *Manager) Backend() string {
	return m.backend.Name()
}

// IsProtected reports whether entry may never be blacklisted.
func (m *Manager) IsProtected(entry string) bool {
	ok, _ := m.ranges.CheckIP(entry, ranges.ProtectedCategories)
	return ok
}

// Apply validates req, merges it with the current ACL unless req.Rewrite is
// set, and writes the result. An unchanged list is not written. An empty
// merged list closes the ACL.
func (m *Manager) Apply(ctx context.Context, req Request) (*Update, error) {
	update, err := m.apply(ctx, req)
	entries := 0
	if update != nil {
		entries = len(update.Entries)
	}
	m.metrics.RecordACLUpdate(req.Domain, req.Mode.String(), entries, err)
	if err != nil {
		return nil, err
	}

	m.record(update)
	m.logger.WithFields(logrus.Fields{
		"id":      update.ID,
		"domain":  update.Domain,
		"mode":    update.Mode.String(),
		"entries": len(update.Entries),
		"changed": update.Changed,
	}).Info("IP ACL processed")
	return update, nil
}

func (m *Manager) apply(ctx context.Context, req Request) (*Update, error) {
	if req.Domain == "" {
		return nil, errdefs.Configf("domain is required")
	}

	adds, removes, err := splitEntries(req.Entries)
	if err != nil {
		return nil, err
	}

	update := &Update{
		ID:        uuid.New().String(),
		Domain:    req.Domain,
		Mode:      req.Mode,
		Reason:    req.Reason,
		Timestamp: time.Now().UTC(),
	}

	switch req.Mode {
	case ModeClose:
		lock := m.domainLock(req.Domain)
		lock.Lock()
		defer lock.Unlock()
		return update, m.write(ctx, update, ACL{Mode: ModeClose})
	case ModeBlack, ModeWhite:
	default:
		return nil, errdefs.Configf("unknown acl mode %q", string(req.Mode))
	}

	if len(adds) == 0 && len(removes) == 0 {
		return nil, errdefs.Configf("at least one IP is required for %s mode", req.Mode)
	}
	if req.Mode == ModeBlack {
		adds, update.Protected = m.dropProtected(adds)
		if len(adds) == 0 && len(removes) == 0 {
			return update, nil
		}
	}

	lock := m.domainLock(req.Domain)
	lock.Lock()
	defer lock.Unlock()

	if req.Rewrite {
		if len(removes) > 0 {
			return nil, errdefs.Configf("removal entries need append mode")
		}
		return update, m.write(ctx, update, ACL{Mode: req.Mode, Entries: adds})
	}

	current, err := m.backend.Current(ctx, req.Domain)
	if err != nil {
		return nil, fmt.Errorf("failed to read ip acl of %s: %w", req.Domain, err)
	}
	update.Previous = current

	merged := adds
	if current.Mode == req.Mode {
		merged = merge(adds, removes, current.Entries)
		if sameSet(merged, current.Entries) {
			update.Entries = current.Entries
			m.logger.Infof("IP ACL of %s matches the requested list, skipping", req.Domain)
			return update, nil
		}
	} else if len(removes) > 0 {
		return nil, errdefs.Configf("cannot remove IPs from %s: live acl mode is %s, not %s",
			req.Domain, current.Mode, req.Mode)
	}

	acl := ACL{Mode: req.Mode, Entries: merged}
	if len(merged) == 0 {
		m.logger.Warnf("IP list of %s is empty, closing the ACL", req.Domain)
		acl.Mode = ModeClose
	}
	return update, m.write(ctx, update, acl)
}

func (m *Manager) write(ctx context.Context, update *Update, acl ACL) error {
	if err := m.backend.Apply(ctx, update.Domain, acl); err != nil {
		return fmt.Errorf("failed to set ip acl of %s: %w", update.Domain, err)
	}
	update.Mode = acl.Mode
	update.Entries = acl.Entries
	update.Changed = true
	return nil
}

func (m *Manager) dropProtected(entries []string) (kept, dropped []string) {
	for _, e := range entries {
		if m.IsProtected(e) {
			m.logger.Infof("IP %s is whitelisted, skipping block", e)
			dropped = append(dropped, e)
			continue
		}
		kept = append(kept, e)
	}
	return kept, dropped
}

func (m *Manager) domainLock(domain string) *sync.Mutex {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	lock, ok := m.domains[domain]
	if !ok {
		lock = &sync.Mutex{}
		m.domains[domain] = lock
	}
	return lock
}

func (m *Manager) record(update *Update) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.history = append(m.history, update)
	if len(m.history) > historySize {
		m.history = m.history[len(m.history)-historySize:]
	}
}

// History returns recent updates, newest first.
func (m *Manager) History() []*Update {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	out := make([]*Update, len(m.history))
	for i, u := range m.history {
		out[len(m.history)-1-i] = u
	}
	return out
}

// Current returns the live ACL of domain.
func (m *Manager) Current(ctx context.Context, domain string) (ACL, error) {
	return m.backend.Current(ctx, domain)
}

// GetStats returns ACL manager statistics.
func (m *Manager) GetStats() map[string]interface{} {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	modes := map[string]int{
		ModeBlack.String(): 0,
		ModeWhite.String(): 0,
		ModeClose.String(): 0,
	}
	changed := 0
	for _, u := range m.history {
		modes[u.Mode.String()]++
		if u.Changed {
			changed++
		}
	}

	return map[string]interface{}{
		"backend":       m.backend.Name(),
		"total_updates": len(m.history),
		"changed":       changed,
		"modes":         modes,
	}
}

// splitEntries separates additions from removal entries and validates both.
func splitEntries(entries []string) (adds, removes []string, err error) {
	seen := make(map[string]struct{}, len(entries))
	for _, raw := range entries {
		e := strings.TrimSpace(raw)
		if e == "" {
			continue
		}
		value := e
		remove := false
		if _, err := ranges.ParseEntry(e); err != nil {
			if !strings.HasPrefix(e, RemovePrefix) {
				return nil, nil, errdefs.Configf("%v", err)
			}
			value = strings.TrimPrefix(e, RemovePrefix)
			if _, err := ranges.ParseEntry(value); err != nil {
				return nil, nil, errdefs.Configf("%v", err)
			}
			remove = true
		}
		if remove {
			removes = append(removes, value)
			continue
		}
		if _, dup := seen[value]; dup {
			continue
		}
		seen[value] = struct{}{}
		adds = append(adds, value)
	}
	return adds, removes, nil
}

// merge keeps the requested additions followed by the current entries that
// are neither repeated nor removed.
func merge(adds, removes, current []string) []string {
	skip := make(map[string]struct{}, len(adds)+len(removes))
	for _, e := range removes {
		skip[e] = struct{}{}
	}
	merged := make([]string, 0, len(adds)+len(current))
	for _, e := range adds {
		if _, removed := skip[e]; removed {
			continue
		}
		merged = append(merged, e)
		skip[e] = struct{}{}
	}
	for _, e := range current {
		if _, ok := skip[e]; ok {
			continue
		}
		merged = append(merged, e)
		skip[e] = struct{}{}
	}
	return merged
}

func sameSet(a, b []string) bool {
	x := append([]string(nil), a...)
	y := append([]string(nil), b...)
	sort.Strings(x)
	sort.Strings(y)
	x, y = dedupe(x), dedupe(y)
	if len(x) != len(y) {
		return false
	}
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}
