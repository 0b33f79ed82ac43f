package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/huddle-hq/coordinator/config"
	"github.com/huddle-hq/coordinator/internal/metrics"
	"github.com/huddle-hq/coordinator/internal/models"
	"github.com/huddle-hq/coordinator/internal/presence"
	"github.com/huddle-hq/coordinator/internal/router"
)

const (
	sendBufferSize = 256
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024 // SDP blobs are a few KB; 64K is generous
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Client is one authenticated websocket connection.
type Client struct {
	ID     string
	UserID string
	conn   *websocket.Conn
	send   chan []byte
}

// Signaling is the websocket entry point: it authenticates the upgrade,
// registers the connection with the hub and presence tracker, and pumps
// events into the router.
type Signaling struct {
	hub      *Hub
	presence *presence.Tracker
	router   *router.Router
	metrics  *metrics.Metrics
	rateCfg  config.RateConfig
	log      zerolog.Logger
}

// NewSignaling wires the websocket handler.
func NewSignaling(hub *Hub, pres *presence.Tracker, rt *router.Router, m *metrics.Metrics, rateCfg config.RateConfig, log zerolog.Logger) *Signaling {
	return &Signaling{
		hub:      hub,
		presence: pres,
		router:   rt,
		metrics:  m,
		rateCfg:  rateCfg,
		log:      log.With().Str("component", "ws").Logger(),
	}
}

// Handle upgrades the connection. The JWT middleware has already resolved
// the user; a fresh connection ID is minted per socket so multiple tabs of
// the same user coexist.
func (s *Signaling) Handle(c *gin.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to upgrade connection")
		return
	}

	client := &Client{
		ID:     uuid.New().String(),
		UserID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
	}

	s.hub.add(client)
	s.presence.Connect(userID, client.ID)
	s.metrics.Connections.Inc()
	s.log.Info().Str("user", userID).Str("conn", client.ID).Msg("client connected")

	go s.writePump(client)
	go s.readPump(client)
}

func (s *Signaling) readPump(client *Client) {
	defer func() {
		s.hub.remove(client)
		client.conn.Close()
		s.presence.Disconnect(client.ID)
		s.metrics.Connections.Dec()
		s.log.Info().Str("user", client.UserID).Str("conn", client.ID).Msg("client disconnected")
	}()

	limiter := rate.NewLimiter(rate.Limit(s.rateCfg.EventsPerSecond), s.rateCfg.Burst)

	client.conn.SetReadLimit(maxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Warn().Err(err).Str("conn", client.ID).Msg("websocket error")
			}
			break
		}

		if !limiter.Allow() {
			// Shedding load from one noisy client; the socket stays open.
			s.log.Warn().Str("user", client.UserID).Str("conn", client.ID).Msg("rate limit exceeded, dropping event")
			continue
		}

		var ev models.ClientEvent
		if err := json.Unmarshal(message, &ev); err != nil {
			s.log.Warn().Err(err).Str("conn", client.ID).Msg("failed to parse event")
			continue
		}
		ev.From = client.UserID
		ev.ConnectionID = client.ID

		s.router.HandleEvent(context.Background(), ev)
	}
}

func (s *Signaling) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.log.Debug().Err(err).Str("conn", client.ID).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
