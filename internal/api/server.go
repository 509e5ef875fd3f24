package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"signal-engine/internal/engine"
	"signal-engine/internal/events"
	"signal-engine/internal/logging"
	"signal-engine/internal/metrics"
	"signal-engine/internal/strategy"
)

// SessionFactory opens monitoring sessions.
type SessionFactory interface {
	NewSession(ctx context.Context, userID, exchange string) (*engine.Session, error)
	ActiveSessions() int
}

// SignalHistory lists a user's stored signals, newest first.
type SignalHistory interface {
	RecentSignals(ctx context.Context, userID string, limit int) ([]*strategy.Signal, error)
}

// HealthCheck probes one dependency.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Config holds the HTTP settings the server needs.
type Config struct {
	Addr            string
	AllowedOrigins  []string
	ProductionMode  bool
	MetricsPath     string // empty disables /metrics
	ReadTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Server is the HTTP surface: the downstream monitor socket, health and
// metrics.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	config     Config
	sessions   SessionFactory
	signals    SignalHistory
	checks     []HealthCheck
	hub        *Hub
	startedAt  time.Time
	logger     zerolog.Logger
}

// Option customizes a Server.
type Option func(*Server)

func WithSignalHistory(h SignalHistory) Option {
	return func(s *Server) { s.signals = h }
}

// WithHealthCheck adds a dependency to /health.
func WithHealthCheck(name string, check func(ctx context.Context) error) Option {
	return func(s *Server) { s.checks = append(s.checks, HealthCheck{Name: name, Check: check}) }
}

// NewServer creates the API server. Signals published on bus are forwarded
// to the owning user's monitor sockets.
func NewServer(config Config, sessions SessionFactory, bus *events.EventBus, logger zerolog.Logger, opts ...Option) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logging.GinMiddleware(logger))

	corsConfig := cors.DefaultConfig()
	if len(config.AllowedOrigins) == 0 || containsWildcard(config.AllowedOrigins) {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = config.AllowedOrigins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "X-Trace-ID"}
	corsConfig.ExposeHeaders = []string{"Content-Length", "X-Trace-ID"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:    router,
		config:    config,
		sessions:  sessions,
		hub:       NewHub(bus, logger),
		startedAt: time.Now(),
		logger:    logger.With().Str("component", "APIServer").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	if s.config.MetricsPath != "" {
		s.router.GET(s.config.MetricsPath, gin.WrapH(metrics.Handler()))
	}
	s.router.GET("/ws/monitor", s.handleMonitor)

	api := s.router.Group("/api")
	api.GET("/signals", s.handleRecentSignals)
}

// Router exposes the handler for tests and embedding.
func (s *Server) Router() http.Handler { return s.router }

// Hub returns the socket registry.
func (s *Server) Hub() *Hub { return s.hub }

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: s.config.ReadTimeout,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info().Str("addr", s.config.Addr).Msg("Starting HTTP server")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and closes every monitor socket.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")
	s.hub.CloseAll()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status, code := "healthy", http.StatusOK
	components := gin.H{}
	for _, hc := range s.checks {
		if err := hc.Check(ctx); err != nil {
			components[hc.Name] = gin.H{"status": "unhealthy", "error": err.Error()}
			status, code = "unhealthy", http.StatusServiceUnavailable
			continue
		}
		components[hc.Name] = gin.H{"status": "healthy"}
	}

	c.JSON(code, gin.H{
		"status":     status,
		"components": components,
		"sessions":   s.sessions.ActiveSessions(),
		"clients":    s.hub.Count(),
		"uptime":     time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) handleRecentSignals(c *gin.Context) {
	if s.signals == nil {
		errorResponse(c, http.StatusNotImplemented, "signal history is not configured")
		return
	}
	userID := c.Query("user_id")
	if userID == "" {
		errorResponse(c, http.StatusBadRequest, "user_id is required")
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			errorResponse(c, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	signals, err := s.signals.RecentSignals(c.Request.Context(), userID, limit)
	if err != nil {
		logging.FromContext(c.Request.Context()).Error().Err(err).Msg("Failed to load signals")
		errorResponse(c, http.StatusInternalServerError, "failed to load signals")
		return
	}
	if signals == nil {
		signals = []*strategy.Signal{}
	}
	c.JSON(http.StatusOK, gin.H{"signals": signals, "count": len(signals)})
}

func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
