// Package credential issues and redeems single-use ephemeral admission
// tokens.
package credential

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/antoniostano/rtvoice/internal/protocol"
)

const (
	// TokenPrefix marks ephemeral tokens so the gateway can tell them apart
	// from tenant API keys.
	TokenPrefix = "ek_"

	DefaultTTL = 60 * time.Second
	MaxTTL     = 10 * time.Minute
)

var (
	// ErrUnauthorized is the only failure callers of Validate should act on.
	ErrUnauthorized = errors.New("unauthorized")

	ErrNotFound = errors.New("credential not found")
	ErrExpired  = errors.New("credential expired")
)

// Grant is what a token admits: a tenant and an optional session
// configuration snapshot.
type Grant struct {
	TenantID  string                  `json:"tenant_id"`
	Config    *protocol.SessionConfig `json:"config,omitempty"`
	ExpiresAt time.Time               `json:"expires_at"`
}

type Credential struct {
	Value string
	Grant
}

// Store keeps grants keyed by token. Take must remove the entry atomically so
// that a token can be redeemed once across all callers.
type Store interface {
	Put(ctx context.Context, token string, g Grant, ttl time.Duration) error
	Take(ctx context.Context, token string) (Grant, error)
	Delete(ctx context.Context, token string) (bool, error)
	Close() error
}

type Service struct {
	store      Store
	defaultTTL time.Duration
	now        func() time.Time
}

func NewService(store Store, defaultTTL time.Duration) *Service {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &Service{store: store, defaultTTL: defaultTTL, now: time.Now}
}

// Issue creates a token for tenantID. A zero ttl uses the service default;
// ttl is capped at MaxTTL.
func (s *Service) Issue(ctx context.Context, tenantID string, snapshot *protocol.SessionConfig, ttl time.Duration) (Credential, error) {
	if strings.TrimSpace(tenantID) == "" {
		return Credential{}, errors.New("tenant id is required")
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if ttl > MaxTTL {
		ttl = MaxTTL
	}
	token, err := newToken()
	if err != nil {
		return Credential{}, err
	}
	g := Grant{
		TenantID:  tenantID,
		ExpiresAt: s.now().Add(ttl).UTC(),
	}
	if snapshot != nil {
		c := snapshot.Clone()
		g.Config = &c
	}
	if err := s.store.Put(ctx, token, g, ttl); err != nil {
		return Credential{}, fmt.Errorf("store credential: %w", err)
	}
	return Credential{Value: token, Grant: g}, nil
}

// Validate redeems token. Every failure matches ErrUnauthorized; the
// underlying reason (ErrNotFound, ErrExpired or a store error) is wrapped for
// logging only.
func (s *Service) Validate(ctx context.Context, token string) (Grant, error) {
	if !strings.HasPrefix(token, TokenPrefix) {
		return Grant{}, fmt.Errorf("%w: %w", ErrUnauthorized, ErrNotFound)
	}
	g, err := s.store.Take(ctx, token)
	if err != nil {
		return Grant{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if !s.now().Before(g.ExpiresAt) {
		return Grant{}, fmt.Errorf("%w: %w", ErrUnauthorized, ErrExpired)
	}
	return g, nil
}

func (s *Service) Revoke(ctx context.Context, token string) (bool, error) {
	return s.store.Delete(ctx, token)
}

func (s *Service) Close() error {
	return s.store.Close()
}

// Reason names the underlying cause of a Validate failure for metrics.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "store_error"
	}
}

func newToken() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate credential: %w", err)
	}
	return TokenPrefix + base64.RawURLEncoding.EncodeToString(b[:]), nil
}
