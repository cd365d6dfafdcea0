package store

import (
	"context"
	"slices"
	"sync"
	"time"
)

// InMemoryRepository is an in-process repository for local/dev use.
type InMemoryRepository struct {
	mu       sync.RWMutex
	sessions map[string]map[string]SessionRecord
	events   map[string]map[string][]ItemEvent
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		sessions: make(map[string]map[string]SessionRecord),
		events:   make(map[string]map[string][]ItemEvent),
	}
}

func (r *InMemoryRepository) CreateSession(_ context.Context, rec SessionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = SessionActive
	}
	byID, ok := r.sessions[rec.TenantID]
	if !ok {
		byID = make(map[string]SessionRecord)
		r.sessions[rec.TenantID] = byID
	}
	byID[rec.ID] = rec
	return nil
}

func (r *InMemoryRepository) EndSession(_ context.Context, tenantID, sessionID, reason string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[tenantID][sessionID]
	if !ok {
		return ErrNotFound
	}
	if rec.Status == SessionEnded {
		return nil
	}
	at = at.UTC()
	rec.Status = SessionEnded
	rec.EndedAt = &at
	rec.EndReason = reason
	r.sessions[tenantID][sessionID] = rec
	return nil
}

func (r *InMemoryRepository) GetSession(_ context.Context, tenantID, sessionID string) (SessionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.sessions[tenantID][sessionID]
	if !ok {
		return SessionRecord{}, ErrNotFound
	}
	return rec, nil
}

func (r *InMemoryRepository) ListSessions(_ context.Context, tenantID string, filter ListFilter) ([]SessionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SessionRecord, 0, len(r.sessions[tenantID]))
	for _, rec := range r.sessions[tenantID] {
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		out = append(out, rec)
	}
	// Newest first, matching the postgres ordering.
	slices.SortFunc(out, func(a, b SessionRecord) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *InMemoryRepository) AppendItemEvent(_ context.Context, ev ItemEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[ev.TenantID][ev.SessionID]; !ok {
		return ErrNotFound
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	bySession, ok := r.events[ev.TenantID]
	if !ok {
		bySession = make(map[string][]ItemEvent)
		r.events[ev.TenantID] = bySession
	}
	bySession[ev.SessionID] = append(bySession[ev.SessionID], ev)
	return nil
}

func (r *InMemoryRepository) ListItemEvents(_ context.Context, tenantID, sessionID string) ([]ItemEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.sessions[tenantID][sessionID]; !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(r.events[tenantID][sessionID]), nil
}

func (r *InMemoryRepository) Close() error { return nil }
