package cluster

import (
	"context"
	"testing"

	"github.com/openclaw/openclaw-cloud/internal/logger"
)

func TestNilRelayIsSafe(t *testing.T) {
	var r *Relay

	if err := r.Start(); err != nil {
		t.Fatalf("Start on nil relay: %v", err)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop on nil relay: %v", err)
	}

	raw, found, err := r.Status(context.Background(), "u1")
	if err != nil || found || raw != nil {
		t.Fatalf("Status on nil relay: raw=%v found=%v err=%v", raw, found, err)
	}

	found, err = r.Send(context.Background(), "u1", []byte(`{"type":"user.message"}`))
	if err != nil || found {
		t.Fatalf("Send on nil relay: found=%v err=%v", found, err)
	}
}

func TestNewWithoutConnIsNil(t *testing.T) {
	log := logger.New(logger.Config{Format: "text"})
	if r := New(nil, nil, log, "node-a"); r != nil {
		t.Fatal("expected nil relay without a NATS connection")
	}
}
