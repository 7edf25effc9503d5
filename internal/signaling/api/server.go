// Package api serves the signaling HTTP surface: status endpoints, the
// telephony webhooks and the websocket upgrade path.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	types "github.com/sebas/click2call/api/types/v1"
	"github.com/sebas/click2call/internal/signaling/registry"
)

// StatsProvider provides relay counters and sessions for the API.
// Implemented by registry.Registry.
type StatsProvider interface {
	Stats() registry.ServerStats
	Sessions() []registry.CallSession
}

// RouteRegistrar mounts additional routes. Implemented by webhook.Handler.
type RouteRegistrar interface {
	Register(r gin.IRoutes)
}

// Options configures a Server.
type Options struct {
	Addr           string
	Environment    string
	NodeID         string
	Version        string
	AllowedOrigins []string
	// SignalingPath is where Signaling is mounted for websocket upgrades.
	SignalingPath string
	Signaling     http.Handler
	Stats         StatsProvider
	// Webhooks are mounted at the root and again under /twilio.
	Webhooks RouteRegistrar
	Logger   *slog.Logger
	Now      func() time.Time
}

// Server provides the HTTP API for the signaling relay
type Server struct {
	opts       Options
	engine     *gin.Engine
	httpServer *http.Server
	logger     *slog.Logger
	now        func() time.Time
	startTime  time.Time
}

// NewServer creates the HTTP server and its routes.
func NewServer(opts Options) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SignalingPath == "" {
		opts.SignalingPath = "/ws"
	}

	corsCfg, err := corsConfig(opts.AllowedOrigins)
	if err != nil {
		return nil, err
	}

	s := &Server{
		opts:      opts,
		logger:    opts.Logger,
		now:       opts.Now,
		startTime: opts.Now(),
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger(), cors.New(corsCfg))

	engine.GET("/", s.handleRoot)
	engine.GET("/health", s.handleHealth)

	apiGroup := engine.Group("/api")
	{
		apiGroup.GET("/stats", s.handleStats)
		apiGroup.GET("/sessions", s.handleSessions)
	}

	if opts.Webhooks != nil {
		opts.Webhooks.Register(engine)
		opts.Webhooks.Register(engine.Group("/twilio"))
	}
	if opts.Signaling != nil {
		engine.GET(opts.SignalingPath, gin.WrapH(opts.Signaling))
	}

	s.engine = engine
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens until the server is stopped. It returns nil after Stop.
func (s *Server) Start() error {
	s.logger.Info("[API] Starting HTTP server", "addr", s.opts.Addr, "signaling_path", s.opts.SignalingPath)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server. Hijacked websocket connections are
// not tracked here; the relay closes those itself.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func corsConfig(origins []string) (cors.Config, error) {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	if err := cfg.Validate(); err != nil {
		return cors.Config{}, fmt.Errorf("allowed origins: %w", err)
	}
	return cfg, nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("[API] Request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// --- Status ---

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, types.RootResponse{
		Status:  "online",
		Message: "Click2Call server is running",
		Version: s.opts.Version,
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, types.HealthResponse{
		Status: "ok",
		Uptime: int64(s.now().Sub(s.startTime).Seconds()),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	if s.opts.Stats == nil {
		c.JSON(http.StatusServiceUnavailable, types.ErrorResponse{Error: "stats unavailable"})
		return
	}

	st := s.opts.Stats.Stats()
	c.JSON(http.StatusOK, types.StatsResponse{
		TotalConnections:  st.TotalConnections,
		ActiveConnections: st.ActiveConnections,
		TotalCalls:        st.TotalCalls,
		ActiveCalls:       st.ActiveCalls,
		LastConnection:    formatTime(st.LastConnection),
		LastDisconnection: formatTime(st.LastDisconnection),
		StartTime:         formatTime(st.StartTime),
		Uptime:            int64(st.Uptime.Seconds()),
		Environment:       s.opts.Environment,
		NodeID:            s.opts.NodeID,
	})
}

// --- Sessions ---

func (s *Server) handleSessions(c *gin.Context) {
	sessions := make([]types.Session, 0)
	if s.opts.Stats != nil {
		now := s.now()
		for _, sess := range s.opts.Stats.Sessions() {
			sessions = append(sessions, types.Session{
				SessionID:    sess.ID,
				WidgetID:     sess.WidgetID,
				Participants: sess.Participants,
				StartedAt:    formatTime(sess.StartedAt),
				Duration:     int(now.Sub(sess.StartedAt).Seconds()),
			})
		}
	}
	c.JSON(http.StatusOK, sessions)
}

// --- Helpers ---

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
