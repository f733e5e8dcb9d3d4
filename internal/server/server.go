// Package server wires the escrow engine into an HTTP server.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/escrowd/internal/config"
	"github.com/mbd888/escrowd/internal/custody"
	"github.com/mbd888/escrowd/internal/dispute"
	"github.com/mbd888/escrowd/internal/escalation"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/events"
	"github.com/mbd888/escrowd/internal/health"
	"github.com/mbd888/escrowd/internal/lease"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/ratelimit"
	"github.com/mbd888/escrowd/internal/realtime"
	"github.com/mbd888/escrowd/internal/reputation"
	"github.com/mbd888/escrowd/internal/risk"
	"github.com/mbd888/escrowd/internal/sanctions"
	"github.com/mbd888/escrowd/internal/security"
	"github.com/mbd888/escrowd/internal/traces"
	"github.com/mbd888/escrowd/internal/validation"
	"github.com/mbd888/escrowd/internal/verification"
	"github.com/mbd888/escrowd/migrations"
)

// eventStream is the Redis stream the outbox relay appends to.
const eventStream = "escrowd:events"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	escrowService *escrow.Service
	disputes      *dispute.Engine
	queue         *escalation.Queue
	sanctions     *sanctions.Engine
	reputation    *reputation.Service

	escrowTimer    *escrow.Timer
	disputeTimer   *dispute.Timer
	slaMonitor     *escalation.Monitor
	sanctionWorker *sanctions.ExpiryWorker
	outboxRelay    *events.Relay
	realtimeHub    *realtime.Hub
	bus            *events.Bus
	health         *health.Registry

	rail     custody.Rail
	verifier verification.Provider

	rateLimiter  *ratelimit.Limiter
	db           *sql.DB       // nil if using in-memory
	redis        *redis.Client // nil without REDIS_URL
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	stopTracing  func(context.Context) error

	// Health state
	healthy atomic.Bool
	ready   atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRail sets the custody rail (for testing)
func WithRail(r custody.Rail) Option {
	return func(s *Server) {
		s.rail = r
	}
}

// WithVerifier sets the verification provider (for testing)
func WithVerifier(p verification.Provider) Option {
	return func(s *Server) {
		s.verifier = p
	}
}

type stores struct {
	escrow     escrow.Store
	disputes   dispute.Store
	escalation escalation.Store
	sanctions  sanctions.Store
	reputation reputation.Store
	risk       risk.Store
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	st := stores{
		escrow:     escrow.NewMemoryStore(),
		disputes:   dispute.NewMemoryStore(),
		escalation: escalation.NewMemoryStore(),
		sanctions:  sanctions.NewMemoryStore(),
		reputation: reputation.NewMemoryStore(),
		risk:       risk.NewMemoryStore(),
	}
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		// Production schemas are managed with cmd/migrate.
		if !cfg.IsProduction() {
			if err := migrations.Up(ctx, db); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("failed to migrate database: %w", err)
			}
		}

		s.db = db
		st = stores{
			escrow:     escrow.NewPostgresStore(db),
			disputes:   dispute.NewPostgresStore(db),
			escalation: escalation.NewPostgresStore(db),
			sanctions:  sanctions.NewPostgresStore(db),
			reputation: reputation.NewPostgresStore(db),
			risk:       risk.NewPostgresStore(db),
		}
		s.health.Register("database", health.DB(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.logger.Info("using in-memory storage")
	}

	if cfg.RedisURL != "" {
		client, err := lease.Dial(ctx, cfg.RedisURL)
		if err != nil {
			s.closeStorage()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
	}

	// Events: log, websocket fan-out and, with a database, the outbox
	s.realtimeHub = realtime.NewHub(s.logger)
	s.bus = events.NewBus(s.logger, events.LogSink{Logger: s.logger}, s.realtimeHub)
	if s.db != nil {
		outbox := events.NewOutboxSink(s.db)
		s.bus.AddSink(outbox)
		if s.redis != nil {
			s.outboxRelay = events.NewRelay(outbox, events.NewRedisStream(s.redis, eventStream, 100_000), s.logger)
			s.logger.Info("outbox relay enabled", "stream", eventStream)
		}
	}

	// Custody rail
	if s.rail == nil {
		if cfg.StripeSecretKey != "" {
			s.rail = custody.NewStripeRail(cfg.StripeSecretKey)
			s.logger.Info("using Stripe custody rail")
		} else {
			s.rail = custody.NewMemoryRail()
			s.logger.Warn("using in-memory custody rail; funds are simulated")
		}
	}
	if s.verifier == nil {
		s.verifier = verification.NewMemoryProvider()
	}

	policy := cfg.Policy

	s.reputation = reputation.NewService(st.reputation, s.logger)
	s.sanctions = sanctions.NewEngine(st.sanctions, s.reputation, s.logger).
		WithPolicy(policy.Sanctions).
		WithDisputes(st.disputes).
		WithEvents(s.bus)
	s.queue = escalation.NewQueue(st.escalation, s.logger).
		WithPolicy(policy.Escalation).
		WithEvents(s.bus)

	s.escrowService = escrow.NewService(st.escrow, custody.NewAdapter(s.rail, cfg.RailTimeout, s.logger), s.logger).
		WithPolicy(policy).
		WithVerifier(s.verifier).
		WithAssessments(st.risk).
		WithReputation(s.reputation).
		WithSanctions(s.sanctions).
		WithEscalator(s.queue).
		WithEvents(s.bus).
		WithCurrency(cfg.Currency)

	s.disputes = dispute.NewEngine(st.disputes, s.escrowService, s.queue, s.logger).
		WithPolicy(policy.Dispute).
		WithSanctions(s.sanctions).
		WithReputation(s.reputation).
		WithEvents(s.bus)
	s.queue.WithAssignHook(s.disputes.Assigned).WithRaiseHook(s.disputes.Raised)

	// Background workers
	var sweepLease escrow.Lease
	if s.redis != nil {
		sweepLease = lease.NewRedis(s.redis, "escrow-sweep")
	} else {
		sweepLease = lease.NewGroup().Lease("escrow-sweep")
	}
	s.escrowTimer = escrow.NewTimer(s.escrowService, st.escrow, s.logger).
		WithInterval(cfg.SweepInterval).
		WithConcurrency(cfg.SweepConcurrency).
		WithLease(sweepLease)
	s.disputeTimer = dispute.NewTimer(s.disputes, s.logger)
	s.slaMonitor = escalation.NewMonitor(s.queue, s.logger)
	s.sanctionWorker = sanctions.NewExpiryWorker(s.sanctions, s.logger)
	s.health.Register("escrow_timer", health.Worker("escrow_timer", s.escrowTimer.Running))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.actorMiddleware())

	// Rate limiting keys on the actor, so it runs after actorMiddleware
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

// actorMiddleware records the calling user. Identity is asserted by the
// gateway in front of the service through X-Actor-ID.
func (s *Server) actorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if actor := c.GetHeader("X-Actor-ID"); actor != "" {
			c.Set("actorId", actor)
			c.Request = c.Request.WithContext(logging.WithActorID(c.Request.Context(), actor))
		}
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/ws/events", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	escrow.NewHandler(s.escrowService).RegisterRoutes(v1)
	dispute.NewHandler(s.disputes).RegisterRoutes(v1)
	escalation.NewHandler(s.queue).RegisterRoutes(v1)
	sanctions.NewHandler(s.sanctions).RegisterRoutes(v1)
	reputation.NewHandler(s.reputation).RegisterRoutes(v1)

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No such endpoint"})
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Realtime  map[string]any  `json:"realtime,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Realtime:  s.realtimeHub.Stats(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	s.health.ReadyHandler()(c)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	stopTracing, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Error("failed to initialise tracing", "error", err)
	} else {
		s.stopTracing = stopTracing
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.escrowTimer.Start(runCtx)
	go s.disputeTimer.Start(runCtx)
	go s.slaMonitor.Start(runCtx)
	go s.sanctionWorker.Start(runCtx)
	if s.outboxRelay != nil {
		go s.outboxRelay.Start(runCtx)
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, timers, relay)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.escrowTimer.Stop()
	s.disputeTimer.Stop()
	s.slaMonitor.Stop()
	s.sanctionWorker.Stop()
	if s.outboxRelay != nil {
		s.outboxRelay.Stop()
	}
	s.logger.Info("background workers stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.closeStorage()

	s.logger.Info("server stopped")
	return nil
}

func (s *Server) closeStorage() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
