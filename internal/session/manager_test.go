package session

import (
	"context"
	"testing"
	"time"

	"github.com/antoniostano/rtvoice/internal/store"
)

func TestManagerCreateGetTerminate(t *testing.T) {
	deps := testDeps(nil)
	m := NewManager(deps, time.Minute, time.Hour)
	ctx := context.Background()

	c, err := m.Create(ctx, "tenant-a", textConfig(), 0)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	ended := make(chan string, 1)
	go func() { ended <- m.Run(ctx, c) }()
	go func() {
		for range c.Events() {
		}
	}()

	got, err := m.Get("tenant-a", c.ID())
	if err != nil || got != c {
		t.Fatalf("Get() = %v, %v", got, err)
	}
	if _, err := m.Get("tenant-b", c.ID()); err != ErrNotFound {
		t.Fatalf("Get(other tenant) error = %v, want ErrNotFound", err)
	}
	if err := m.Terminate("tenant-b", c.ID(), EndDeleted); err != ErrNotFound {
		t.Fatalf("Terminate(other tenant) error = %v, want ErrNotFound", err)
	}
	if n := len(m.List("tenant-a")); n != 1 {
		t.Fatalf("List() len = %d, want 1", n)
	}

	if err := m.Terminate("tenant-a", c.ID(), EndDeleted); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	select {
	case reason := <-ended:
		if reason != EndDeleted {
			t.Fatalf("reason = %s, want %s", reason, EndDeleted)
		}
	case <-time.After(eventTimeout):
		t.Fatalf("session did not end")
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}

	rec, err := deps.Repository.GetSession(ctx, "tenant-a", c.ID())
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if rec.Status != store.SessionEnded || rec.EndReason != EndDeleted {
		t.Fatalf("record = %+v", rec)
	}
}

func TestManagerSessionLimit(t *testing.T) {
	m := NewManager(testDeps(nil), time.Minute, time.Hour)
	ctx := context.Background()
	if _, err := m.Create(ctx, "tenant-a", textConfig(), 1); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := m.Create(ctx, "tenant-a", textConfig(), 1); err != ErrTooManySessions {
		t.Fatalf("Create() error = %v, want ErrTooManySessions", err)
	}
	if _, err := m.Create(ctx, "tenant-b", textConfig(), 1); err != nil {
		t.Fatalf("Create(other tenant) error = %v", err)
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := NewManager(testDeps(nil), 30*time.Millisecond, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := m.Create(ctx, "tenant-a", textConfig(), 0)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	ended := make(chan string, 1)
	go func() { ended <- m.Run(ctx, c) }()
	go func() {
		for range c.Events() {
		}
	}()
	m.StartJanitor(ctx, 10*time.Millisecond)

	select {
	case reason := <-ended:
		if reason != EndInactive {
			t.Fatalf("reason = %s, want %s", reason, EndInactive)
		}
	case <-time.After(eventTimeout):
		t.Fatalf("janitor did not expire the session")
	}
}

func TestManagerExpiresPastLifetime(t *testing.T) {
	now := time.Unix(1700000000, 0)
	deps := testDeps(nil)
	deps.Now = func() time.Time { return now }
	m := NewManager(deps, time.Hour, time.Minute)

	c, err := m.Create(context.Background(), "tenant-a", textConfig(), 0)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	m.expire(now.Add(2 * time.Minute))
	select {
	case <-c.stop:
	default:
		t.Fatalf("session past its lifetime was not terminated")
	}
	c.mu.Lock()
	reason := c.stopReason
	c.mu.Unlock()
	if reason != EndExpired {
		t.Fatalf("reason = %s, want %s", reason, EndExpired)
	}
}

func TestManagerShutdown(t *testing.T) {
	m := NewManager(testDeps(nil), time.Minute, time.Hour)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		c, err := m.Create(ctx, "tenant-a", textConfig(), 0)
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		go m.Run(ctx, c)
		go func() {
			for range c.Events() {
			}
		}()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, eventTimeout)
	defer cancel()
	if err := m.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}
