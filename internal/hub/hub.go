// Package hub fans visit state events out to connected dashboard clients.
// Clients subscribe per clinic; a slow client drops messages rather than
// blocking the broadcast, since the queue query surface is the catch-up path.
package hub

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

type Subscription struct {
	ClinicID string
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

type Hub struct {
	mu      sync.RWMutex
	log     zerolog.Logger
	clients map[string]*Client
	gauge   prometheus.Gauge
}

func New(log zerolog.Logger) *Hub {
	return &Hub{
		log:     log,
		clients: make(map[string]*Client),
	}
}

// SetClientGauge reports the connected client count through the given gauge.
func (h *Hub) SetClientGauge(gauge prometheus.Gauge) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gauge = gauge
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
	if h.gauge != nil {
		h.gauge.Set(float64(len(h.clients)))
	}
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
	if h.gauge != nil {
		h.gauge.Set(float64(len(h.clients)))
	}
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Broadcast(payload []byte, meta Subscription) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !match(client.Subscription, meta) {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			h.log.Warn().Str("client_id", client.ID).Msg("drop message for slow client")
		}
	}
}

func match(sub Subscription, meta Subscription) bool {
	if sub.ClinicID != "" && meta.ClinicID != sub.ClinicID {
		return false
	}
	return true
}
