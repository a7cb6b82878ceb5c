// Package server exposes the orchestrator over HTTP: session lifecycle
// routes, workspace inspection routes, and the duplex session stream.
package server

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/atelier-dev/atelier/internal/lifecycle"
	"github.com/atelier-dev/atelier/internal/observability"
	"github.com/atelier-dev/atelier/internal/reaper"
	"github.com/atelier-dev/atelier/internal/stream"
	"github.com/atelier-dev/atelier/internal/syncer"
	"github.com/atelier-dev/atelier/internal/unit"
	"github.com/atelier-dev/atelier/internal/workspace"
)

// ServiceConfig configures the HTTP endpoint and shutdown behavior.
type ServiceConfig struct {
	ListenAddr      string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenAddr:      ":8080",
		AllowedOrigins:  []string{"*"},
		ShutdownTimeout: 10 * time.Second,
	}
}

// Service wires the store, lifecycle manager, stream hub, and reaper behind
// one gin router and owns the process run loop.
type Service struct {
	cfg     ServiceConfig
	store   *workspace.Store
	manager *lifecycle.Manager
	engine  *syncer.Engine
	hub     *stream.Hub
	plane   unit.ControlPlane
	reaper  *reaper.Reaper

	logger zerolog.Logger
	router *gin.Engine
	start  time.Time
}

func NewService(
	cfg ServiceConfig,
	store *workspace.Store,
	manager *lifecycle.Manager,
	engine *syncer.Engine,
	hub *stream.Hub,
	plane unit.ControlPlane,
	rpr *reaper.Reaper,
	logger zerolog.Logger,
) *Service {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = DefaultServiceConfig().ListenAddr
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultServiceConfig().ShutdownTimeout
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = DefaultServiceConfig().AllowedOrigins
	}

	svc := &Service{
		cfg:     cfg,
		store:   store,
		manager: manager,
		engine:  engine,
		hub:     hub,
		plane:   plane,
		reaper:  rpr,
		logger:  logger,
		start:   time.Now(),
	}
	svc.router = svc.buildRouter()
	return svc
}

// Router exposes the configured engine for handler tests.
func (s *Service) Router() *gin.Engine {
	return s.router
}

func (s *Service) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(observability.RequestLogger(s.logger))
	router.Use(observability.RequestMetricsMiddleware())

	corsCfg := cors.DefaultConfig()
	if len(s.cfg.AllowedOrigins) == 1 && s.cfg.AllowedOrigins[0] == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = s.cfg.AllowedOrigins
	}
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization")
	router.Use(cors.New(corsCfg))

	s.registerRoutes(router)
	return router
}

// Run blocks until signal shutdown. Boot order matters: reconcile rebinds
// live units before any request or reaper sweep can observe stale state.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.manager.Reconcile(ctx); err != nil {
		return err
	}
	go s.reaper.Run(ctx)

	srv := &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.router,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("http_listening")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutdown_signal_received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http_shutdown_failed")
	}
	s.manager.Close()

	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
