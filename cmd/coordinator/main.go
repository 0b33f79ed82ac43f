package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/huddle-hq/coordinator/config"
	"github.com/huddle-hq/coordinator/internal/dedup"
	"github.com/huddle-hq/coordinator/internal/handlers"
	"github.com/huddle-hq/coordinator/internal/ledger"
	"github.com/huddle-hq/coordinator/internal/logging"
	"github.com/huddle-hq/coordinator/internal/metrics"
	"github.com/huddle-hq/coordinator/internal/middleware"
	"github.com/huddle-hq/coordinator/internal/presence"
	coordredis "github.com/huddle-hq/coordinator/internal/redis"
	"github.com/huddle-hq/coordinator/internal/router"
	"github.com/huddle-hq/coordinator/internal/session"
)

// terminalRetention is how long finished sessions stay queryable before the
// janitor evicts them together with their idempotency-guard state.
const terminalRetention = 10 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := coordredis.Connect(ctx, cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer rdb.Close()
	log.Info().Str("addr", cfg.Redis.Addr()).Msg("Redis connection established")

	m := metrics.New()
	registry := session.New(cfg.Call.RingTimeout, log)
	tracker := presence.New(cfg.Presence.Grace, log)
	guard := dedup.New(cfg.Call.DedupeWindow)
	led := ledger.New(rdb, log)
	hub := handlers.NewHub(log)
	rt := router.New(registry, tracker, guard, led, hub, m, log)

	signaling := handlers.NewSignaling(hub, tracker, rt, m, cfg.Rate, log)
	meetings := handlers.NewMeetings(rdb, registry, rt, m, cfg.Meeting, log)
	messages := handlers.NewMessages(rt, led, log)
	authAPI := handlers.NewAuth(cfg.JWT)

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.OriginFilter(cfg.Server.AllowedOrigins))

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": hub.Len()})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))

	auth := middleware.JWTAuth(cfg.JWT.Secret)

	api := engine.Group("/api")
	{
		api.POST("/auth/login", authAPI.Login)

		api.POST("/meetings", auth, meetings.Create)
		api.GET("/meetings/:meetingId", meetings.Get)
		api.DELETE("/meetings/:meetingId", auth, meetings.Delete)

		api.GET("/unread", auth, messages.TotalUnread)
		api.GET("/chats/:chatId/unread", auth, messages.Unread)
		api.POST("/chats/:chatId/hide", auth, messages.Hide)
		api.DELETE("/chats/:chatId/hide", auth, messages.Unhide)
	}

	// Exactly-once callback from the message CRUD service. Deployed behind
	// the internal network boundary, not exposed publicly.
	engine.POST("/internal/messages", messages.Created)

	engine.GET("/ws", auth, signaling.Handle)

	go janitor(ctx, registry, guard, m, cfg.Meeting.TTL, log)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: engine,
	}

	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("starting signaling coordinator")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown did not complete cleanly")
	}
}

// janitor periodically evicts long-finished sessions, plus meetings that
// sat empty past their metadata TTL, and releases their idempotency-guard
// state. Idle meetings are still active sessions when evicted, so the
// gauge is settled here.
func janitor(ctx context.Context, registry *session.Registry, guard *dedup.Guard, m *metrics.Metrics, meetingIdle time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			finished := registry.EvictTerminal(terminalRetention)
			for _, id := range finished {
				guard.ClearSession(id)
			}
			idle := registry.EvictIdle(meetingIdle)
			for _, id := range idle {
				guard.ClearSession(id)
				m.ActiveSessions.Dec()
			}
			if len(finished)+len(idle) > 0 {
				log.Debug().Int("finished", len(finished)).Int("idle", len(idle)).Msg("evicted sessions")
			}
		}
	}
}
