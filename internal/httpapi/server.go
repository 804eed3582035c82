// Package httpapi exposes the lending workflow over HTTP: application
// intake, session control, error history, audit queries and the content
// scrubber. Everything that leaves the API passes the security filter.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/lendingd/internal/application"
	"github.com/fyrsmithlabs/lendingd/internal/audit"
	"github.com/fyrsmithlabs/lendingd/internal/decision"
	"github.com/fyrsmithlabs/lendingd/internal/orchestrator"
	"github.com/fyrsmithlabs/lendingd/internal/recovery"
	"github.com/fyrsmithlabs/lendingd/internal/routing"
	"github.com/fyrsmithlabs/lendingd/internal/security"
)

// Dependencies are the domain services the API fronts. All are required.
type Dependencies struct {
	Applications application.Service
	Sessions     orchestrator.Service
	Recovery     recovery.Service
	Audit        audit.Service
	Decisions    decision.Service
	Scrubber     security.Scrubber
	Router       routing.Service
}

func (d *Dependencies) validate() error {
	switch {
	case d.Applications == nil:
		return errors.New("httpapi: application service is required")
	case d.Sessions == nil:
		return errors.New("httpapi: session api is required")
	case d.Recovery == nil:
		return errors.New("httpapi: recovery manager is required")
	case d.Audit == nil:
		return errors.New("httpapi: audit service is required")
	case d.Decisions == nil:
		return errors.New("httpapi: decision tracker is required")
	case d.Scrubber == nil:
		return errors.New("httpapi: scrubber is required")
	case d.Router == nil:
		return errors.New("httpapi: task router is required")
	}
	return nil
}

// Config holds HTTP server configuration.
type Config struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
	// RatePerSecond and RateBurst bound each client IP on /api/v1.
	RatePerSecond float64 `koanf:"rate_per_second"`
	RateBurst     int     `koanf:"rate_burst"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:          "localhost",
		Port:          8080,
		RatePerSecond: 10,
		RateBurst:     20,
	}
}

// Server provides the HTTP endpoints for lendingd.
type Server struct {
	echo    *echo.Echo
	deps    Dependencies
	logger  *zap.Logger
	config  *Config
	limiter *ipRateLimiter
}

// NewServer creates the HTTP server with middleware and routes registered.
func NewServer(deps Dependencies, logger *zap.Logger, cfg *Config) (*Server, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())

	s := &Server{
		echo:    e,
		deps:    deps,
		logger:  logger,
		config:  cfg,
		limiter: newIPRateLimiter(cfg.RatePerSecond, cfg.RateBurst),
	}
	s.registerRoutes()
	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1", s.limiter.middleware())

	v1.POST("/applications", s.handleCreateApplication)
	v1.GET("/applications/:id", s.handleGetApplication)
	v1.POST("/applications/:id/documents", s.handleProcessDocument)
	v1.GET("/applications/:id/tasks", s.handleSuggestedTasks)
	v1.POST("/applications/:id/decisions", s.handleRecordDecision)
	v1.GET("/applications/:id/decisions", s.handleDecisionTrail)
	v1.GET("/applications/:id/decisions/factors", s.handleFactorAnalysis)

	v1.GET("/patterns", s.handlePatterns)
	v1.POST("/sessions", s.handleCreateSession)
	v1.GET("/sessions", s.handleListSessions)
	v1.GET("/sessions/:id", s.handleGetSession)
	v1.POST("/sessions/:id/confirm", s.handleConfirmStep)
	v1.POST("/sessions/:id/resume", s.handleResumeSession)
	v1.POST("/sessions/:id/messages", s.handleSendMessage)
	v1.POST("/events", s.handleExternalEvent)

	v1.GET("/errors/:application_id", s.handleErrorHistory)
	v1.GET("/errors/:application_id/statistics", s.handleErrorStatistics)

	v1.GET("/audit/search", s.handleAuditSearch)
	v1.GET("/audit/verify", s.handleAuditVerify)

	v1.POST("/scrub", s.handleScrub)
}

// Echo exposes the underlying router so the host can add endpoints.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start starts the HTTP server and blocks until shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// ipRateLimiter keeps one token bucket per client IP. The map is reset
// hourly to bound growth under churning client populations.
type ipRateLimiter struct {
	mu          sync.Mutex
	limiters    map[string]*rate.Limiter
	perSecond   rate.Limit
	burst       int
	lastCleanup time.Time
}

func newIPRateLimiter(perSecond float64, burst int) *ipRateLimiter {
	if perSecond <= 0 {
		perSecond = DefaultConfig().RatePerSecond
	}
	if burst <= 0 {
		burst = DefaultConfig().RateBurst
	}
	return &ipRateLimiter{
		limiters:    make(map[string]*rate.Limiter),
		perSecond:   rate.Limit(perSecond),
		burst:       burst,
		lastCleanup: time.Now(),
	}
}

func (l *ipRateLimiter) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if time.Since(l.lastCleanup) > time.Hour {
		l.limiters = make(map[string]*rate.Limiter)
		l.lastCleanup = time.Now()
	}

	limiter, ok := l.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(l.perSecond, l.burst)
		l.limiters[ip] = limiter
	}
	return limiter
}

func (l *ipRateLimiter) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !l.get(c.RealIP()).Allow() {
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
