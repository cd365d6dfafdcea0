package tenant

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFileAndAuthenticate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	doc := `tenants:
  - id: acme
    name: Acme
    api_keys: [sk-acme-1, sk-acme-2]
    requests_per_minute: 30
  - id: globex
    api_keys:
      - sk-globex
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	reg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if reg.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", reg.Len())
	}
	got, err := reg.Authenticate("sk-acme-2")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if got.ID != "acme" || got.RequestsPerMinute != 30 {
		t.Fatalf("unexpected tenant: %+v", got)
	}
	if _, err := reg.Authenticate("sk-nope"); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("Authenticate() error = %v, want ErrUnknownKey", err)
	}
	if _, err := reg.Authenticate(""); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("Authenticate(\"\") error = %v, want ErrUnknownKey", err)
	}
	list := reg.List()
	if len(list) != 2 || list[0].ID != "acme" || list[1].ID != "globex" {
		t.Fatalf("List() = %+v, want acme then globex", list)
	}
}

func TestNewRegistryRejectsSharedKeys(t *testing.T) {
	_, err := NewRegistry([]Tenant{
		{ID: "a", APIKeys: []string{"k"}},
		{ID: "b", APIKeys: []string{"k"}},
	})
	if err == nil {
		t.Fatalf("NewRegistry() error = nil, want shared key error")
	}
	if _, err := NewRegistry([]Tenant{{ID: "a"}, {ID: "a"}}); err == nil {
		t.Fatalf("NewRegistry() error = nil, want duplicate tenant error")
	}
}
