package bus

import (
	"os"
	"testing"
	"time"
)

// getNATSURL returns the NATS URL for testing, or skips the test.
func getNATSURL(t *testing.T) string {
	url := os.Getenv("NATS_URL")
	if url == "" {
		url = "nats://localhost:4222"
	}

	// Skip if short mode or NATS not available
	if testing.Short() {
		t.Skip("skipping NATS test in short mode")
	}

	cfg := DefaultNATSConfig()
	cfg.URL = url
	cfg.ConnectTimeout = 2 * time.Second
	cfg.MaxReconnects = 0

	bus, err := NewNATSBus(cfg)
	if err != nil {
		t.Skipf("skipping: NATS not available at %s: %v", url, err)
	}
	bus.Close()

	return url
}

func newNATSBus(t *testing.T) *NATSBus {
	t.Helper()
	cfg := DefaultNATSConfig()
	cfg.URL = getNATSURL(t)
	bus, err := NewNATSBus(cfg)
	if err != nil {
		t.Fatalf("NewNATSBus error: %v", err)
	}
	return bus
}

// --- Integration Tests ---

func TestNATSBus_PubSub(t *testing.T) {
	bus := newNATSBus(t)
	defer bus.Close()

	sub, err := bus.Subscribe("docrpc.test.*")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Unsubscribe()

	// NATS needs the subscription registered server-side first.
	bus.conn.Flush()

	if err := bus.Publish("docrpc.test.created", []byte(`{"id":"d1"}`)); err != nil {
		t.Fatalf("Publish error: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		if msg.Subject != "docrpc.test.created" {
			t.Errorf("unexpected subject %s", msg.Subject)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestNATSBus_InvalidURL(t *testing.T) {
	cfg := DefaultNATSConfig()
	cfg.URL = "nats://127.0.0.1:1"
	cfg.ConnectTimeout = 100 * time.Millisecond
	cfg.MaxReconnects = 0

	if _, err := NewNATSBus(cfg); err == nil {
		t.Error("expected error for unreachable server")
	}
}

func TestNATSBus_PublishAfterClose(t *testing.T) {
	bus := newNATSBus(t)
	bus.Close()

	if err := bus.Publish("test", []byte("x")); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestBuildNATSOptions(t *testing.T) {
	cfg := DefaultNATSConfig()
	base := len(buildNATSOptions(cfg))

	cfg.Token = "secret"
	cfg.User = "u"
	cfg.Password = "p"
	if got := len(buildNATSOptions(cfg)); got != base+2 {
		t.Errorf("expected %d options with auth, got %d", base+2, got)
	}
}
