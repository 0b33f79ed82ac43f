package handlers

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/huddle-hq/coordinator/config"
	"github.com/huddle-hq/coordinator/internal/metrics"
	"github.com/huddle-hq/coordinator/internal/models"
	"github.com/huddle-hq/coordinator/internal/router"
	"github.com/huddle-hq/coordinator/internal/session"
)

const (
	meetingCodeLength = 6
	codeChars         = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // Removed ambiguous chars
)

// Meetings serves meeting CRUD: metadata and shareable codes persist in
// Redis with a TTL, while the live session is registered in-memory so
// join_meeting_webrtc events have something to join.
type Meetings struct {
	rdb      *redis.Client
	registry *session.Registry
	router   *router.Router
	metrics  *metrics.Metrics
	cfg      config.MeetingConfig
	log      zerolog.Logger
}

// NewMeetings wires the meeting handler.
func NewMeetings(rdb *redis.Client, reg *session.Registry, rt *router.Router, m *metrics.Metrics, cfg config.MeetingConfig, log zerolog.Logger) *Meetings {
	return &Meetings{
		rdb:      rdb,
		registry: reg,
		router:   rt,
		metrics:  m,
		cfg:      cfg,
		log:      log.With().Str("component", "meetings").Logger(),
	}
}

// Create creates a new meeting (requires authentication).
func (h *Meetings) Create(c *gin.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var req models.CreateMeetingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.MaxParticipants == 0 {
		req.MaxParticipants = h.cfg.MaxParticipants
	}

	meetingID := uuid.New().String()
	code := generateMeetingCode()

	meta := models.MeetingMetadata{
		ID:              meetingID,
		Code:            code,
		CreatorID:       userID,
		Title:           req.Title,
		CreatedAt:       time.Now(),
		MaxParticipants: req.MaxParticipants,
	}

	ctx := c.Request.Context()
	data, err := json.Marshal(meta)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create meeting"})
		return
	}
	if err := h.rdb.Set(ctx, "meeting:"+meetingID, data, h.cfg.TTL).Err(); err != nil {
		h.log.Error().Err(err).Msg("failed to store meeting")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create meeting"})
		return
	}
	if err := h.rdb.Set(ctx, "meetingcode:"+code, meetingID, h.cfg.TTL).Err(); err != nil {
		h.log.Error().Err(err).Msg("failed to store meeting code")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create meeting"})
		return
	}

	if _, err := h.registry.Create(meetingID, models.KindMeeting, userID, nil, ""); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create meeting"})
		return
	}
	h.metrics.ActiveSessions.Inc()

	h.log.Info().Str("meeting", meetingID).Str("code", code).Str("creator", userID).Msg("meeting created")
	c.JSON(http.StatusCreated, models.CreateMeetingResponse{
		MeetingID: meetingID,
		Code:      code,
	})
}

// Get returns meeting information by code or ID (public).
func (h *Meetings) Get(c *gin.Context) {
	meta, err := h.resolve(c, c.Param("meetingId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Meeting not found"})
		return
	}

	if s, err := h.registry.Get(meta.ID); err == nil {
		count := 0
		for _, p := range s.Participants {
			if p.Active() && p.Joined() {
				count++
			}
		}
		meta.ParticipantCount = count
	}
	c.JSON(http.StatusOK, meta)
}

// Delete tears a meeting down (requires authentication, creator only).
// Participants still in the room get the terminal notification.
func (h *Meetings) Delete(c *gin.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	meta, err := h.resolve(c, c.Param("meetingId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Meeting not found"})
		return
	}
	if meta.CreatorID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the meeting creator can delete the meeting"})
		return
	}

	ctx := c.Request.Context()
	h.rdb.Del(ctx, "meeting:"+meta.ID)
	h.rdb.Del(ctx, "meetingcode:"+meta.Code)

	if err := h.router.TerminateSession(meta.ID, userID); err != nil && !models.IsInvalidTransition(err) {
		h.log.Warn().Err(err).Str("meeting", meta.ID).Msg("failed to terminate meeting session")
	}

	h.log.Info().Str("meeting", meta.ID).Str("user", userID).Msg("meeting deleted")
	c.JSON(http.StatusOK, gin.H{"message": "Meeting deleted"})
}

// resolve looks a meeting up by its short code or by ID.
func (h *Meetings) resolve(c *gin.Context, identifier string) (*models.MeetingMetadata, error) {
	ctx := c.Request.Context()

	meetingID := identifier
	if len(identifier) == meetingCodeLength {
		id, err := h.rdb.Get(ctx, "meetingcode:"+identifier).Result()
		if err != nil {
			return nil, fmt.Errorf("meeting not found")
		}
		meetingID = id
	}

	data, err := h.rdb.Get(ctx, "meeting:"+meetingID).Result()
	if err != nil {
		return nil, fmt.Errorf("meeting not found")
	}
	var meta models.MeetingMetadata
	if err := json.Unmarshal([]byte(data), &meta); err != nil {
		return nil, fmt.Errorf("failed to parse meeting data")
	}
	return &meta, nil
}

// generateMeetingCode generates a random shareable code.
func generateMeetingCode() string {
	code := make([]byte, meetingCodeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		code[i] = codeChars[n.Int64()]
	}
	return string(code)
}
