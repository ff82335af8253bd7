package httpapi

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"clinicq/internal/hub"

	"github.com/rs/zerolog"
)

func TestStreamDeliversBroadcast(t *testing.T) {
	h := hub.New(zerolog.Nop())
	handler := NewHandler(&fakeStore{}, h).Routes()
	server := httptest.NewServer(handler)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		server.URL+"/api/events/stream?clinic_id=clinic-1", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	// wait for the client to register before broadcasting
	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("stream client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	h.Broadcast([]byte(`{"event":"visit.state_changed"}`), hub.Subscription{ClinicID: "clinic-1"})

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			if !strings.Contains(line, "visit.state_changed") {
				t.Fatalf("unexpected payload: %q", line)
			}
			return
		}
	}
}

func TestStreamRequiresClinicID(t *testing.T) {
	h := hub.New(zerolog.Nop())
	handler := NewHandler(&fakeStore{}, h).Routes()

	req := httptest.NewRequest(http.MethodGet, "/api/events/stream", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestStreamUnavailableWithoutHub(t *testing.T) {
	handler := NewHandler(&fakeStore{}, nil).Routes()

	req := httptest.NewRequest(http.MethodGet, "/api/events/stream?clinic_id=clinic-1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
