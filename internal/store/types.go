// Package store persists session metadata and conversation item events.
// Every read and write is scoped to a tenant.
package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("store: not found")

type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// SessionRecord is the durable view of a realtime session.
type SessionRecord struct {
	ID        string        `json:"id"`
	TenantID  string        `json:"-"`
	Model     string        `json:"model"`
	Voice     string        `json:"voice"`
	Status    SessionStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresAt time.Time     `json:"expires_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
	EndReason string        `json:"end_reason,omitempty"`
}

type ItemEventKind string

const (
	ItemCreated   ItemEventKind = "created"
	ItemDeleted   ItemEventKind = "deleted"
	ItemTruncated ItemEventKind = "truncated"
)

// ItemEvent records a conversation mutation. Content is never persisted.
type ItemEvent struct {
	TenantID  string        `json:"-"`
	SessionID string        `json:"session_id"`
	ItemID    string        `json:"item_id"`
	Kind      ItemEventKind `json:"kind"`
	ItemType  string        `json:"item_type,omitempty"`
	Role      string        `json:"role,omitempty"`
	At        time.Time     `json:"at"`
}

// ListFilter narrows ListSessions. Zero values mean no filter and the
// default limit.
type ListFilter struct {
	Status SessionStatus
	Limit  int
}

const defaultListLimit = 100

// Repository persists sessions. Records of one tenant are invisible to every
// other tenant: lookups across tenants return ErrNotFound.
type Repository interface {
	CreateSession(ctx context.Context, rec SessionRecord) error
	EndSession(ctx context.Context, tenantID, sessionID, reason string, at time.Time) error
	GetSession(ctx context.Context, tenantID, sessionID string) (SessionRecord, error)
	ListSessions(ctx context.Context, tenantID string, filter ListFilter) ([]SessionRecord, error)
	AppendItemEvent(ctx context.Context, ev ItemEvent) error
	ListItemEvents(ctx context.Context, tenantID, sessionID string) ([]ItemEvent, error)
	Close() error
}
