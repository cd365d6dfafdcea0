package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/antoniostano/rtvoice/internal/observability"
	"github.com/antoniostano/rtvoice/internal/protocol"
	"github.com/antoniostano/rtvoice/internal/store"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrTooManySessions = errors.New("tenant session limit reached")
)

const endTimeout = 5 * time.Second

// Manager registers live controllers. Lookups are scoped by tenant: a session
// of another tenant is reported as not found.
type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Controller
	deps              Dependencies
	inactivityTimeout time.Duration
	maxLifetime       time.Duration
	onEnd             func(Info, string)
}

func NewManager(deps Dependencies, inactivityTimeout, maxLifetime time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	if maxLifetime <= 0 {
		maxLifetime = 30 * time.Minute
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Repository == nil {
		deps.Repository = store.NewInMemoryRepository()
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewMetrics("rtvoice")
	}
	return &Manager{
		sessions:          make(map[string]*Controller),
		deps:              deps,
		inactivityTimeout: inactivityTimeout,
		maxLifetime:       maxLifetime,
	}
}

// SetEndHook registers a callback run after a session has been removed.
func (m *Manager) SetEndHook(hook func(Info, string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnd = hook
}

// Create registers a controller for tenantID and persists its record. The
// caller drives it with Run. maxSessions of zero means unlimited.
func (m *Manager) Create(ctx context.Context, tenantID string, cfg protocol.SessionConfig, maxSessions int) (*Controller, error) {
	now := m.deps.Now()
	c := NewController(Options{
		TenantID:  tenantID,
		Config:    cfg,
		ExpiresAt: now.Add(m.maxLifetime),
	}, m.deps)

	m.mu.Lock()
	if maxSessions > 0 && m.countLocked(tenantID) >= maxSessions {
		m.mu.Unlock()
		return nil, ErrTooManySessions
	}
	m.sessions[c.ID()] = c
	m.mu.Unlock()

	rec := store.SessionRecord{
		ID:        c.ID(),
		TenantID:  tenantID,
		Model:     cfg.Model,
		Voice:     cfg.Voice,
		Status:    store.SessionActive,
		CreatedAt: now.UTC(),
		ExpiresAt: now.Add(m.maxLifetime).UTC(),
	}
	if err := m.deps.Repository.CreateSession(ctx, rec); err != nil {
		m.mu.Lock()
		delete(m.sessions, c.ID())
		m.mu.Unlock()
		return nil, err
	}
	m.deps.Metrics.ActiveSessions.Inc()
	m.deps.Metrics.SessionEvents.WithLabelValues("created").Inc()
	return c, nil
}

// Run drives c until it ends, then unregisters it and closes its record.
func (m *Manager) Run(ctx context.Context, c *Controller) string {
	reason := c.Run(ctx)
	m.remove(c, reason)
	return reason
}

func (m *Manager) remove(c *Controller, reason string) {
	m.mu.Lock()
	_, ok := m.sessions[c.ID()]
	delete(m.sessions, c.ID())
	hook := m.onEnd
	m.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), endTimeout)
	defer cancel()
	if err := m.deps.Repository.EndSession(ctx, c.TenantID(), c.ID(), reason, m.deps.Now().UTC()); err != nil {
		log.Printf("session manager: end record failed session=%s tenant=%s err=%v", c.ID(), c.TenantID(), err)
	}
	m.deps.Metrics.ActiveSessions.Dec()
	m.deps.Metrics.SessionEvents.WithLabelValues("ended_" + reason).Inc()
	if hook != nil {
		hook(c.Info(), reason)
	}
}

func (m *Manager) Get(tenantID, sessionID string) (*Controller, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.sessions[sessionID]
	if !ok || c.TenantID() != tenantID {
		return nil, ErrNotFound
	}
	return c, nil
}

// List returns the live sessions of tenantID.
func (m *Manager) List(tenantID string) []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Info
	for _, c := range m.sessions {
		if c.TenantID() == tenantID {
			out = append(out, c.Info())
		}
	}
	return out
}

// Terminate stops a live session of tenantID.
func (m *Manager) Terminate(tenantID, sessionID, reason string) error {
	c, err := m.Get(tenantID, sessionID)
	if err != nil {
		return err
	}
	c.Terminate(reason)
	return nil
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) countLocked(tenantID string) int {
	n := 0
	for _, c := range m.sessions {
		if c.TenantID() == tenantID {
			n++
		}
	}
	return n
}

// StartJanitor ends sessions that went idle or outlived their lifetime.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expire(m.deps.Now())
			}
		}
	}()
}

func (m *Manager) expire(now time.Time) {
	m.mu.RLock()
	live := make([]*Controller, 0, len(m.sessions))
	for _, c := range m.sessions {
		live = append(live, c)
	}
	m.mu.RUnlock()

	for _, c := range live {
		info := c.Info()
		switch {
		case !info.ExpiresAt.IsZero() && !now.Before(info.ExpiresAt):
			c.Terminate(EndExpired)
		case now.Sub(info.LastActivityAt) >= m.inactivityTimeout:
			c.Terminate(EndInactive)
		}
	}
}

// Shutdown terminates every session and waits for them to stop.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	live := make([]*Controller, 0, len(m.sessions))
	for _, c := range m.sessions {
		live = append(live, c)
	}
	m.mu.RUnlock()

	for _, c := range live {
		c.Terminate(EndShutdown)
	}
	for _, c := range live {
		select {
		case <-c.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
