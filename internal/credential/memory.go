package credential

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps grants in process. Expired entries are removed on access
// and by the janitor.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Grant
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Grant), now: time.Now}
}

func (m *MemoryStore) Put(_ context.Context, token string, g Grant, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[token] = g
	return nil
}

func (m *MemoryStore) Take(_ context.Context, token string) (Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.entries[token]
	if !ok {
		return Grant{}, ErrNotFound
	}
	delete(m.entries, token)
	if !m.now().Before(g.ExpiresAt) {
		return Grant{}, ErrExpired
	}
	return g, nil
}

func (m *MemoryStore) Delete(_ context.Context, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[token]
	delete(m.entries, token)
	return ok, nil
}

func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *MemoryStore) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expire()
			}
		}
	}()
}

func (m *MemoryStore) expire() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for token, g := range m.entries {
		if !now.Before(g.ExpiresAt) {
			delete(m.entries, token)
		}
	}
}

func (m *MemoryStore) Close() error { return nil }
