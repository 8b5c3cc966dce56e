package broadcast

import (
	"io"
	"log/slog"
	"strings"
	"testing"
)

func newTestHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func readFrame(t *testing.T, conn *Connection) string {
	t.Helper()
	select {
	case frame, ok := <-conn.Frames():
		if !ok {
			t.Fatal("frame channel closed")
		}
		return string(frame)
	default:
		t.Fatal("no frame available")
	}
	return ""
}

func TestSubscribeSendsConnectedFirst(t *testing.T) {
	hub := newTestHub()
	conn := hub.Subscribe("a@example.com")
	defer hub.Unsubscribe(conn)

	frame := readFrame(t, conn)
	if !strings.HasPrefix(frame, "event: connected\n") {
		t.Errorf("first frame = %q, want connected event", frame)
	}
}

func TestPublishFansOutToAllUserConnections(t *testing.T) {
	hub := newTestHub()
	conn1 := hub.Subscribe("a@example.com")
	conn2 := hub.Subscribe("a@example.com")
	other := hub.Subscribe("b@example.com")
	defer hub.Unsubscribe(conn1)
	defer hub.Unsubscribe(conn2)
	defer hub.Unsubscribe(other)

	// Drain connected frames.
	readFrame(t, conn1)
	readFrame(t, conn2)
	readFrame(t, other)

	delivered := hub.Publish("a@example.com", EventNewEmail, map[string]string{"id": "m1"})
	if delivered != 2 {
		t.Errorf("delivered = %d, want 2", delivered)
	}

	for _, conn := range []*Connection{conn1, conn2} {
		frame := readFrame(t, conn)
		if !strings.HasPrefix(frame, "event: new_email\n") || !strings.Contains(frame, `"m1"`) {
			t.Errorf("frame = %q, want new_email with m1", frame)
		}
	}

	select {
	case frame := <-other.Frames():
		t.Errorf("other user received %q", frame)
	default:
	}
}

func TestUnsubscribedConnectionReceivesNothing(t *testing.T) {
	hub := newTestHub()
	conn := hub.Subscribe("a@example.com")
	readFrame(t, conn)

	hub.Unsubscribe(conn)

	if delivered := hub.Publish("a@example.com", EventNewEmail, nil); delivered != 0 {
		t.Errorf("delivered = %d after unsubscribe, want 0", delivered)
	}

	// Channel is closed, not left dangling.
	if _, ok := <-conn.Frames(); ok {
		t.Error("frame channel still open after unsubscribe")
	}
}

func TestUnsubscribeTwiceIsSafe(t *testing.T) {
	hub := newTestHub()
	conn := hub.Subscribe("a@example.com")
	hub.Unsubscribe(conn)
	hub.Unsubscribe(conn)
}

func TestStalledConnectionIsDropped(t *testing.T) {
	hub := newTestHub()
	stalled := hub.Subscribe("a@example.com")
	healthy := hub.Subscribe("a@example.com")
	defer hub.Unsubscribe(healthy)
	readFrame(t, healthy)

	// Fill the stalled connection's buffer; it still holds its connected
	// frame plus everything published here. The healthy connection drains
	// as a live client would.
	for i := 0; i < 32; i++ {
		hub.Publish("a@example.com", EventNewEmail, map[string]int{"n": i})
		select {
		case <-healthy.Frames():
		default:
		}
	}

	// The stalled connection was removed; the healthy one keeps receiving.
	if delivered := hub.Publish("a@example.com", EventNewEmail, nil); delivered != 1 {
		t.Errorf("delivered = %d, want 1 (stalled connection dropped)", delivered)
	}

	// Its channel was closed on removal.
	open := true
	for open {
		select {
		case _, ok := <-stalled.Frames():
			open = ok
		default:
			t.Fatal("stalled connection channel never closed")
		}
	}
}
