package handlers

import (
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/huddle-hq/coordinator/internal/models"
)

// Hub indexes live websocket clients by connection ID and implements the
// router's Transport. It is the single shared connection registry for the
// process, injected into whoever needs to deliver events.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Client
	log   zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		conns: make(map[string]*Client),
		log:   log.With().Str("component", "hub").Logger(),
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.conns[c.ID] = c
	h.mu.Unlock()
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if h.conns[c.ID] == c {
		delete(h.conns, c.ID)
	}
	h.mu.Unlock()
}

// Len reports the number of live connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Send enqueues one event onto the connection's buffered send queue. It
// never blocks: when the client cannot keep up the event is dropped and an
// error returned so the router can count it.
func (h *Hub) Send(connID string, ev models.ServerEvent) error {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("connection %s not registered", connID)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", ev.Type, err)
	}
	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full for connection %s", connID)
	}
}
