package hub

import (
	"testing"

	"github.com/rs/zerolog"
)

func newTestClient(id, clinicID string) *Client {
	return &Client{
		ID:           id,
		Send:         make(chan []byte, 4),
		Subscription: Subscription{ClinicID: clinicID},
	}
}

func TestBroadcastMatchesClinic(t *testing.T) {
	h := New(zerolog.Nop())
	mine := newTestClient("c1", "clinic-1")
	other := newTestClient("c2", "clinic-2")
	all := newTestClient("c3", "")
	h.Register(mine)
	h.Register(other)
	h.Register(all)

	h.Broadcast([]byte(`{"x":1}`), Subscription{ClinicID: "clinic-1"})

	if len(mine.Send) != 1 {
		t.Fatalf("subscribed client got %d messages, want 1", len(mine.Send))
	}
	if len(other.Send) != 0 {
		t.Fatalf("other clinic's client got %d messages, want 0", len(other.Send))
	}
	if len(all.Send) != 1 {
		t.Fatalf("wildcard client got %d messages, want 1", len(all.Send))
	}
}

func TestBroadcastDropsWhenFull(t *testing.T) {
	h := New(zerolog.Nop())
	slow := &Client{ID: "slow", Send: make(chan []byte, 1), Subscription: Subscription{ClinicID: "clinic-1"}}
	h.Register(slow)

	h.Broadcast([]byte("a"), Subscription{ClinicID: "clinic-1"})
	h.Broadcast([]byte("b"), Subscription{ClinicID: "clinic-1"})

	if len(slow.Send) != 1 {
		t.Fatalf("expected second message dropped, buffer has %d", len(slow.Send))
	}
	if got := string(<-slow.Send); got != "a" {
		t.Fatalf("kept message = %q, want the first one", got)
	}
}

func TestUnregisterClosesSend(t *testing.T) {
	h := New(zerolog.Nop())
	client := newTestClient("c1", "clinic-1")
	h.Register(client)
	h.Unregister(client)
	// repeat unregister must not close twice
	h.Unregister(client)

	if _, open := <-client.Send; open {
		t.Fatalf("expected send channel closed")
	}
	if h.ClientCount() != 0 {
		t.Fatalf("client count = %d, want 0", h.ClientCount())
	}
}

func TestUpdateSubscription(t *testing.T) {
	h := New(zerolog.Nop())
	client := newTestClient("c1", "clinic-1")
	h.Register(client)
	h.UpdateSubscription(client, Subscription{ClinicID: "clinic-2"})

	h.Broadcast([]byte("x"), Subscription{ClinicID: "clinic-1"})
	if len(client.Send) != 0 {
		t.Fatalf("client still receives old clinic's events")
	}
	h.Broadcast([]byte("y"), Subscription{ClinicID: "clinic-2"})
	if len(client.Send) != 1 {
		t.Fatalf("client missed new clinic's event")
	}
}
