// Package tenant resolves API keys to tenants.
package tenant

import (
	"cmp"
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrUnknownKey = errors.New("unknown api key")

// Tenant is an isolation boundary. Limits of zero fall back to the service
// defaults.
type Tenant struct {
	ID                string   `yaml:"id"`
	Name              string   `yaml:"name"`
	APIKeys           []string `yaml:"api_keys"`
	RequestsPerMinute int      `yaml:"requests_per_minute"`
	TokensPerMinute   int      `yaml:"tokens_per_minute"`
	MaxSessions       int      `yaml:"max_sessions"`
}

type file struct {
	Tenants []Tenant `yaml:"tenants"`
}

type Registry struct {
	byID  map[string]Tenant
	byKey map[string]string
}

func NewRegistry(tenants []Tenant) (*Registry, error) {
	r := &Registry{
		byID:  make(map[string]Tenant, len(tenants)),
		byKey: make(map[string]string),
	}
	for _, t := range tenants {
		t.ID = strings.TrimSpace(t.ID)
		if t.ID == "" {
			return nil, errors.New("tenant id is required")
		}
		if _, dup := r.byID[t.ID]; dup {
			return nil, fmt.Errorf("duplicate tenant %q", t.ID)
		}
		for _, key := range t.APIKeys {
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			if owner, dup := r.byKey[key]; dup {
				return nil, fmt.Errorf("api key shared by tenants %q and %q", owner, t.ID)
			}
			r.byKey[key] = t.ID
		}
		r.byID[t.ID] = t
	}
	return r, nil
}

// LoadFile reads a YAML document of the form
//
//	tenants:
//	  - id: acme
//	    api_keys: [sk-acme-1]
func LoadFile(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tenants file: %w", err)
	}
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse tenants file: %w", err)
	}
	return NewRegistry(f.Tenants)
}

// Authenticate maps an API key to its tenant.
func (r *Registry) Authenticate(key string) (Tenant, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Tenant{}, ErrUnknownKey
	}
	for candidate, id := range r.byKey {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			return r.byID[id], nil
		}
	}
	return Tenant{}, ErrUnknownKey
}

func (r *Registry) Get(id string) (Tenant, bool) {
	t, ok := r.byID[id]
	return t, ok
}

func (r *Registry) Len() int { return len(r.byID) }

// List returns every tenant ordered by id.
func (r *Registry) List() []Tenant {
	out := make([]Tenant, 0, len(r.byID))
	for _, t := range r.byID {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b Tenant) int { return cmp.Compare(a.ID, b.ID) })
	return out
}
