package firewall

import (
	"context"
	"sync"
)

// MockBackend keeps ACLs in memory for tests and dry runs.
type MockBackend struct {
	mutex   sync.RWMutex
	acls    map[string]ACL
	applies int
	err     error
}

// NewMockBackend creates a new mock backend
func NewMockBackend() *MockBackend {
	return &MockBackend{
		acls: make(map[string]ACL),
	}
}

// Name returns the backend name
func (b *MockBackend) Name() string {
	return "mock"
}

// Set seeds the live ACL of domain.
func (b *MockBackend) Set(domain string, acl ACL) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.acls[domain] = acl
}

// Fail makes every following call return err.
func (b *MockBackend) Fail(err error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.err = err
}

func (b *MockBackend) Current(ctx context.Context, domain string) (ACL, error) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	if b.err != nil {
		return ACL{}, b.err
	}
	return b.acls[domain], nil
}

func (b *MockBackend) Apply(ctx context.Context, domain string, acl ACL) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.err != nil {
		return b.err
	}
	b.applies++
	b.acls[domain] = ACL{Mode: acl.Mode, Entries: append([]string(nil), acl.Entries...)}
	return nil
}

// Applies returns how many writes reached the backend.
func (b *MockBackend) Applies() int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.applies
}
