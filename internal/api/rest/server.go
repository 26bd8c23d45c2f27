package rest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/api/websocket"
	"github.com/KevinKickass/OpenLabCore/internal/auth"
	"github.com/KevinKickass/OpenLabCore/internal/config"
	"github.com/KevinKickass/OpenLabCore/internal/interfaces"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Server struct {
	router      *gin.Engine
	lm          interfaces.LifecycleManager
	logger      *zap.Logger
	server      *http.Server
	wsHub       *websocket.Hub
	authService *auth.Service
	gatherer    prometheus.Gatherer
}

func NewServer(cfg *config.Config, lm interfaces.LifecycleManager, logger *zap.Logger, wsHub *websocket.Hub, authService *auth.Service, gatherer prometheus.Gatherer) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:      gin.New(),
		lm:          lm,
		logger:      logger,
		wsHub:       wsHub,
		authService: authService,
		gatherer:    gatherer,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// no WriteTimeout: /ws/live connections are long-lived
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.router }

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}

	s.logger.Info("Starting REST API server", zap.String("address", lis.Addr().String()))
	go func() {
		if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public routes (no auth required)
	s.router.GET("/health", s.healthCheck)
	if s.gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/auth/login", s.login)

		api := v1.Group("")
		api.Use(s.authService.Middleware())

		view := auth.RequirePermission(auth.PermView)
		control := auth.RequirePermission(auth.PermControl)

		// ==================== SYSTEM ====================
		api.GET("/system/status", view, s.getSystemStatus)

		// ==================== PLUGINS ====================
		api.GET("/plugins", view, s.listPlugins)
		api.PATCH("/plugins/:name", control, s.updatePlugin)

		// ==================== DEVICES ====================
		api.GET("/devices", view, s.listDevices)
		api.GET("/devices/:name", view, s.getDevice)
		api.PATCH("/devices/:name", control, s.updateDevice)
		api.POST("/devices/:name/connect", control, s.connectDevice)
		api.POST("/devices/:name/disconnect", control, s.disconnectDevice)

		// ==================== RUN CONTROL ====================
		api.GET("/run/config", view, s.getRunConfig)
		api.PUT("/run/config", control, s.putRunConfig)
		api.POST("/run/start", control, s.startRun)
		api.POST("/run/stop", control, s.stopRun)
		api.GET("/run/status", view, s.getRunStatus)

		// ==================== RUN CATALOG ====================
		api.GET("/runs", view, s.listRuns)
		api.GET("/runs/:id", view, s.getRun)

		// ==================== COMMANDS ====================
		api.GET("/commands", view, s.listCommands)
		api.POST("/commands/:id/execute", control, s.executeCommand)

		// ==================== SETTINGS ====================
		api.GET("/settings", view, s.listSettings)
		api.PUT("/settings", control, s.putSettings)
		api.DELETE("/settings", control, s.resetSettings)

		// ==================== WEBSOCKET ====================
		api.GET("/ws/live", view, s.wsLive)
		api.GET("/ws/status", view, s.wsStatus)
	}
}

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"state":     s.lm.GetCurrentStatus().State,
		"timestamp": time.Now().Unix(),
	})
}
