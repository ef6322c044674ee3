// Package http exposes the XP ledger over a small JSON API built on fiber.
package http

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/civicquest/xp-ledger/internal/application/command"
	"github.com/civicquest/xp-ledger/internal/application/query"
	"github.com/civicquest/xp-ledger/internal/application/saga"
	"github.com/civicquest/xp-ledger/internal/interface/http/handlers"
	"github.com/civicquest/xp-ledger/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// SERVER CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config contains HTTP server configuration.
type Config struct {
	// Addr - address to listen on (default: ":8080").
	Addr string

	// ReadTimeout - maximum duration for reading the entire request.
	ReadTimeout time.Duration

	// WriteTimeout - maximum duration for writing the response.
	WriteTimeout time.Duration

	// BodyLimit - maximum request body size in bytes. Batches are the
	// largest payloads.
	BodyLimit int

	// AppName - reported in the Server header.
	AppName string
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:         ":8080",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		BodyLimit:    4 << 20,
		AppName:      "xp-ledger",
	}
}

// Dependencies contains the application handlers served over HTTP.
type Dependencies struct {
	GrantXP         *command.GrantXPHandler
	GrantBatch      *command.GrantBatchHandler
	Rebuild         *command.RebuildBalanceHandler
	MarkLevelUpSeen *command.MarkLevelUpSeenHandler

	GetUserLevel *query.GetUserLevelHandler
	GetXPHistory *query.GetXPHistoryHandler
	GetUserRank  *query.GetUserRankHandler
	CheckLevelUp *query.CheckLevelUpHandler

	Achievements *saga.AchievementFlowSaga

	// Health is optional; a checker that always passes is used otherwise.
	Health handlers.HealthChecker

	Logger *logger.Logger
}

// ErrMissingDependency is returned when a required handler is nil.
var ErrMissingDependency = errors.New("http: missing dependency")

func (d Dependencies) validate() error {
	switch {
	case d.GrantXP == nil, d.GrantBatch == nil, d.Rebuild == nil, d.MarkLevelUpSeen == nil:
		return ErrMissingDependency
	case d.GetUserLevel == nil, d.GetXPHistory == nil, d.GetUserRank == nil, d.CheckLevelUp == nil:
		return ErrMissingDependency
	case d.Achievements == nil:
		return ErrMissingDependency
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER
// ══════════════════════════════════════════════════════════════════════════════

// Server wraps the fiber application.
type Server struct {
	cfg  Config
	deps Dependencies
	app  *fiber.App
	log  *logger.Logger
}

// NewServer creates a new HTTP server with all routes registered.
func NewServer(cfg Config, deps Dependencies) (*Server, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	if deps.Health == nil {
		deps.Health = handlers.NewNoopHealthChecker()
	}
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.BodyLimit <= 0 {
		cfg.BodyLimit = def.BodyLimit
	}
	if cfg.AppName == "" {
		cfg.AppName = def.AppName
	}

	s := &Server{
		cfg:  cfg,
		deps: deps,
		log:  deps.Logger.With(logger.Component("http")),
	}

	s.app = fiber.New(fiber.Config{
		AppName:               cfg.AppName,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		BodyLimit:             cfg.BodyLimit,
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	s.app.Use(handlers.RequestID())
	s.app.Use(handlers.RequestLogger(s.log))
	s.app.Use(handlers.Recover(s.log))

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.app.Get("/healthz", s.handleHealth)

	v1 := s.app.Group("/v1")

	v1.Post("/xp/grants", s.handleGrant)
	v1.Post("/xp/batches", s.handleBatch)

	v1.Post("/achievements/:id/complete", s.handleCompleteAchievement)
	v1.Post("/achievements/:id/cancel", s.handleCancelAchievement)

	users := v1.Group("/users/:id")
	users.Get("/level", s.handleGetLevel)
	users.Get("/xp-history", s.handleGetHistory)
	users.Get("/rank", s.handleGetRank)
	users.Get("/level-up", s.handleCheckLevelUp)
	users.Post("/level-up/seen", s.handleMarkLevelUpSeen)

	v1.Post("/admin/reconcile", s.handleReconcile)
	v1.Post("/admin/users/:id/rebuild", s.handleRebuildUser)
}

// App returns the underlying fiber application.
func (s *Server) App() *fiber.App {
	return s.app
}

// Start listens on the configured address. It blocks until Shutdown.
func (s *Server) Start() error {
	s.log.Info("http server listening", logger.String("addr", s.cfg.Addr))
	return s.app.Listen(s.cfg.Addr)
}

// Shutdown gracefully stops the server, waiting for in-flight requests
// until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("http server shutting down")
	return s.app.ShutdownWithContext(ctx)
}
