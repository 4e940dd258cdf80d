package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"botfleet/config"
	"botfleet/internal/cache"
	"botfleet/internal/events"
	"botfleet/internal/logging"
	"botfleet/internal/orchestrator"
	"botfleet/internal/strategy"
)

// RateLimiter provides simple in-memory request limiting per tenant
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	orch        *orchestrator.Orchestrator
	strategies  *strategy.Registry
	bus         *events.Bus
	jwt         *JWTManager // nil disables auth
	summaries   *cache.SummaryCache
	hub         *WSHub
	rateLimiter *RateLimiter
	logger      *logging.Logger
	cfg         config.ServerConfig
}

// NewServer creates a new API server. jwt and summaries may be nil.
func NewServer(
	cfg config.ServerConfig,
	orch *orchestrator.Orchestrator,
	strategies *strategy.Registry,
	bus *events.Bus,
	jwtManager *JWTManager,
	summaries *cache.SummaryCache,
	logger *logging.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if cfg.AllowedOrigins == "" || cfg.AllowedOrigins == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = []string{cfg.AllowedOrigins}
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Tenant-ID"}
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:      router,
		orch:        orch,
		strategies:  strategies,
		bus:         bus,
		jwt:         jwtManager,
		summaries:   summaries,
		hub:         NewWSHub(logger),
		rateLimiter: NewRateLimiter(300, time.Minute),
		logger:      logger.WithComponent("api"),
		cfg:         cfg,
	}

	server.setupRoutes()
	server.hub.Attach(bus)
	go server.hub.Run()

	return server
}

// rateLimitMiddleware limits request volume per tenant
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.rateLimiter.Allow(tenantFrom(c)) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "too many requests, slow down",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	api.Use(s.tenantMiddleware(), s.rateLimitMiddleware())
	{
		api.GET("/strategies", s.handleListStrategies)

		bots := api.Group("/bots")
		{
			bots.POST("", s.handleCreateBot)
			bots.GET("", s.handleListBots)
			bots.GET("/:id", s.handleBotStatus)
			bots.POST("/:id/stop", s.handleStopBot)
			bots.POST("/:id/restart", s.handleRestartBot)
			bots.POST("/:id/pause", s.handlePauseBot)
			bots.POST("/:id/resume", s.handleResumeBot)
			bots.POST("/start-all", s.handleStartAll)
			bots.POST("/stop-all", s.handleStopAll)
		}

		api.GET("/tenant/status", s.handleTenantStatus)
		api.GET("/tenant/telemetry", s.handleTenantTelemetry)

		admin := api.Group("/admin")
		admin.Use(s.adminMiddleware())
		{
			admin.GET("/system/status", s.handleSystemStatus)
			admin.POST("/tenants/:id/force-stop", s.handleForceStop)
			admin.POST("/force-stop", s.handleGlobalForceStop)
		}
	}

	s.router.GET("/ws", s.handleWebSocket)
}

// Start runs the HTTP server until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeout) * time.Second,
	}

	s.logger.Info("API server listening", "address", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and closes the websocket hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
