package hub

import (
	"strings"
	"testing"
	"time"

	"github.com/openclaw/openclaw-cloud/internal/auth"
	"github.com/openclaw/openclaw-cloud/internal/errors"
	"github.com/openclaw/openclaw-cloud/internal/logger"
)

func newTestManager(t *testing.T, quiescence time.Duration) *Manager {
	t.Helper()
	store := newFakeStore()
	authCtx := auth.NewAuthContext("test-secret", time.Hour, time.Minute, nil)
	log := logger.New(logger.Config{Format: "text"})

	m := NewManager(store, authCtx, log, DefaultOptions(), quiescence)
	t.Cleanup(m.Shutdown)
	return m
}

func TestManagerGetOrCreate(t *testing.T) {
	m := newTestManager(t, time.Minute)

	h1 := m.GetOrCreate("u1")
	h2 := m.GetOrCreate("u1")
	if h1 != h2 {
		t.Fatal("expected the same hub for repeated GetOrCreate")
	}
	if m.Get("u2") != nil {
		t.Fatal("expected nil hub for unknown user")
	}
	if m.Count() != 1 {
		t.Fatalf("expected 1 hub, got %d", m.Count())
	}
}

func TestManagerHubStatus(t *testing.T) {
	m := newTestManager(t, time.Minute)
	m.GetOrCreate("u1")

	raw, found := m.HubStatus("u1")
	if !found {
		t.Fatal("expected local hub status")
	}
	if !strings.Contains(string(raw), `"userId":"u1"`) {
		t.Fatalf("unexpected status payload: %s", raw)
	}

	if _, found := m.HubStatus("ghost"); found {
		t.Fatal("expected miss for unknown user")
	}
}

func TestManagerDeliverToPlugin(t *testing.T) {
	m := newTestManager(t, time.Minute)
	frame := []byte(`{"type":"user.message","sessionKey":"u1:s1","messageId":"m1","text":"hi"}`)

	if found, _ := m.DeliverToPlugin("u1", frame); found {
		t.Fatal("expected miss without a hub")
	}

	h := m.GetOrCreate("u1")
	found, err := m.DeliverToPlugin("u1", frame)
	if !found {
		t.Fatal("expected hub to be found")
	}
	if !errors.Is(err, errors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound without a plugin, got %v", err)
	}

	p := newFakeConn("p1", RolePlugin)
	if err := h.AttachPlugin(p); err != nil {
		t.Fatalf("attach plugin: %v", err)
	}
	if _, err := m.DeliverToPlugin("u1", frame); err != nil {
		t.Fatalf("deliver with plugin: %v", err)
	}

	p.mu.Lock()
	delivered := len(p.sent) > 0 && string(p.sent[len(p.sent)-1]) == string(frame)
	p.mu.Unlock()
	if !delivered {
		t.Fatal("expected the frame bytes on the plugin socket")
	}
}

func TestManagerReapsIdleHub(t *testing.T) {
	m := newTestManager(t, 10*time.Millisecond)

	h := m.GetOrCreate("u1")
	time.Sleep(30 * time.Millisecond)
	if !h.Idle(10 * time.Millisecond) {
		t.Fatal("expected hub to be idle")
	}

	m.reap()
	if m.Count() != 0 {
		t.Fatalf("expected 0 hubs after reap, got %d", m.Count())
	}
}

func TestManagerReapSkipsOccupiedHub(t *testing.T) {
	m := newTestManager(t, 10*time.Millisecond)

	h := m.GetOrCreate("u1")
	p := newFakeConn("p1", RolePlugin)
	if err := h.AttachPlugin(p); err != nil {
		t.Fatalf("attach plugin: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	m.reap()
	if m.Count() != 1 {
		t.Fatal("expected occupied hub to survive the reaper")
	}

	h.Detach(p)
}
