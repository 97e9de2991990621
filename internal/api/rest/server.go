package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/KevinKickass/OpenDAC/internal/api/websocket"
	"github.com/KevinKickass/OpenDAC/internal/auth"
	"github.com/KevinKickass/OpenDAC/internal/config"
	"github.com/KevinKickass/OpenDAC/internal/interfaces"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Server struct {
	router      *gin.Engine
	lm          interfaces.LifecycleManager
	logger      *zap.Logger
	server      *http.Server
	wsHub       *websocket.Hub
	authService *auth.AuthService
}

func NewServer(cfg *config.Config, lm interfaces.LifecycleManager, logger *zap.Logger, wsHub *websocket.Hub, authService *auth.AuthService) *Server {
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:      router,
		lm:          lm,
		logger:      logger,
		wsHub:       wsHub,
		authService: authService,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public routes (no auth required)
	s.router.GET("/health", s.healthCheck)

	// API v1
	v1 := s.router.Group("/api/v1")
	{
		// ==================== AUTH ====================
		v1.POST("/auth/login", s.login)
		v1.GET("/auth/me", s.authService.AuthMiddleware(), s.getCurrentUser)

		// ==================== CHANNELS ====================
		ch := v1.Group("/channels")
		ch.Use(s.authService.AuthMiddleware())
		{
			// Read: viewer+
			ch.GET("", auth.RequirePermission(auth.PermRead), s.listChannels)
			ch.GET("/:id", auth.RequirePermission(auth.PermRead), s.getChannel)
			ch.GET("/:id/state", auth.RequirePermission(auth.PermRead), s.getChannelState)
			ch.GET("/:id/events", auth.RequirePermission(auth.PermRead), s.listChannelEvents)

			// Commands: operator+
			ch.POST("/:id/state", auth.RequirePermission(auth.PermControl), s.setChannelState)
			ch.POST("/:id/initialize", auth.RequirePermission(auth.PermControl), s.initializeChannel)
			ch.POST("/:id/stop", auth.RequirePermission(auth.PermControl), s.stopChannel)

			// Create/Delete: admin
			ch.POST("", auth.RequirePermission(auth.PermAdmin), s.createChannel)
			ch.DELETE("/:id", auth.RequirePermission(auth.PermAdmin), s.deleteChannel)
		}

		// ==================== SYSTEM ====================
		system := v1.Group("/system")
		system.Use(s.authService.AuthMiddleware())
		{
			system.GET("/status", auth.RequirePermission(auth.PermRead), s.getSystemStatus)
			system.POST("/shutdown", auth.RequirePermission(auth.PermAdmin), s.shutdown)
		}

		// ==================== WEBSOCKET (Auth via first message) ====================
		ws := v1.Group("/ws")
		{
			ws.GET("/live", s.wsLiveConnection)
			ws.GET("/status", s.authService.AuthMiddleware(), auth.RequirePermission(auth.PermRead), s.wsStatus)
		}
	}
}

// WebSocket handlers
func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
	})
}

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}
