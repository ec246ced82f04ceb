// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
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

	bolt "github.com/boltdb/bolt"
	"github.com/gin-gonic/gin"
	"github.com/holdpay/holdpay/internal/circuitbreaker"
	"github.com/holdpay/holdpay/internal/config"
	"github.com/holdpay/holdpay/internal/escrow"
	"github.com/holdpay/holdpay/internal/gateway"
	"github.com/holdpay/holdpay/internal/health"
	"github.com/holdpay/holdpay/internal/idgen"
	"github.com/holdpay/holdpay/internal/jobs"
	"github.com/holdpay/holdpay/internal/logging"
	"github.com/holdpay/holdpay/internal/metrics"
	"github.com/holdpay/holdpay/internal/ratelimit"
	"github.com/holdpay/holdpay/internal/realtime"
	"github.com/holdpay/holdpay/internal/security"
	"github.com/holdpay/holdpay/internal/traces"
	"github.com/holdpay/holdpay/internal/tracking"
	"github.com/holdpay/holdpay/internal/users"
	"github.com/holdpay/holdpay/internal/validation"
	"github.com/holdpay/holdpay/internal/webhooks"
	"github.com/holdpay/holdpay/migrations"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// sandboxFloatSats is the sandbox wallet's starting balance, enough for
// local payouts without a provider.
const sandboxFloatSats = 100_000_000

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	version       string
	gateway       gateway.Gateway
	guarded       *gateway.Guarded
	escrowService *escrow.Service
	userService   *users.Service
	tracker       *tracking.Tracker
	simulator     *tracking.Simulator
	realtimeHub   *realtime.Hub
	reconcileJob  *jobs.PaymentReconcileJob
	rateLimiter   *ratelimit.Limiter
	health        *health.Registry
	db            *sql.DB  // nil unless DATABASE_URL is set
	bolt          *bolt.DB // nil unless BOLT_PATH is set
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	stopTracing   func(context.Context) error
	drainDelay    time.Duration

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGateway sets the payment provider (for testing)
func WithGateway(gw gateway.Gateway) Option {
	return func(s *Server) {
		s.gateway = gw
	}
}

// WithVersion sets the version reported by /health and traces
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// stores groups the per-backend store implementations.
type stores struct {
	orders    escrow.Store
	users     users.Store
	locations tracking.Store
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}

	// Apply options first (may set gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.stopTracing = stopTracing

	st, err := s.openStores(ctx)
	if err != nil {
		return nil, err
	}

	// Payment provider: Bitnob when an API key is set, otherwise the sandbox
	if s.gateway == nil {
		if cfg.BitnobAPIKey != "" {
			s.gateway = gateway.NewBitnob(gateway.BitnobConfig{
				BaseURL: cfg.BitnobBaseURL,
				APIKey:  cfg.BitnobAPIKey,
				Timeout: cfg.GatewayTimeout,
			})
			s.logger.Info("using Bitnob gateway", "base_url", cfg.BitnobBaseURL)
		} else {
			s.gateway = gateway.NewSandbox(cfg.BackendURL, sandboxFloatSats)
			s.logger.Warn("using sandbox gateway (no BITNOB_API_KEY set)")
		}
	}
	s.guarded = gateway.NewGuarded(s.gateway, cfg.GatewayTimeout, s.logger)

	// Users
	s.userService = users.NewService(st.users, s.logger)

	// Realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger, cfg.FrontendURL)

	// Escrow state machine
	s.escrowService = escrow.NewService(st.orders, s.guarded, &userDirectory{s.userService}, s.logger, escrow.Options{
		BackendURL:      cfg.BackendURL,
		FrontendURL:     cfg.FrontendURL,
		LightningExpiry: cfg.LightningInvoiceExpiry,
	}).WithEmitter(realtime.NewOrderEvents(s.realtimeHub))

	// Location tracking and journey simulation
	s.tracker = tracking.NewTracker(st.locations, s.logger).
		WithMarkers(&deliveryMarkers{s.escrowService}).
		WithPublisher(s.realtimeHub)
	s.simulator = tracking.NewSimulator(s.tracker, tracking.JourneyConfig{
		Steps:    cfg.JourneySteps,
		Interval: cfg.JourneyInterval,
	}, s.logger)
	s.escrowService.WithJourneys(s.simulator).WithLocationPurger(s.tracker)

	// Payment reconciliation (missed webhooks, expired lightning invoices)
	if cfg.ReconcileSchedule != "" {
		s.reconcileJob = jobs.NewPaymentReconcileJob(s.escrowService, cfg.GatewayTimeout*4, s.logger)
	}

	s.setupHealth()

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// openStores picks Postgres when DATABASE_URL is set, BoltDB when BOLT_PATH
// is set, and in-memory stores otherwise.
func (s *Server) openStores(ctx context.Context) (*stores, error) {
	switch {
	case s.cfg.DatabaseURL != "":
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
		return &stores{
			orders:    escrow.NewPostgresStore(db),
			users:     users.NewPostgresStore(db),
			locations: tracking.NewPostgresStore(db),
		}, nil

	case s.cfg.BoltPath != "":
		db, err := bolt.Open(s.cfg.BoltPath, 0600, &bolt.Options{Timeout: time.Second})
		if err != nil {
			return nil, fmt.Errorf("failed to open bolt file: %w", err)
		}
		st, err := boltStores(db)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to prepare bolt buckets: %w", err)
		}
		s.bolt = db
		s.logger.Info("using BoltDB storage", "path", s.cfg.BoltPath)
		return st, nil

	default:
		s.logger.Info("using in-memory storage (data will not persist)")
		return &stores{
			orders:    escrow.NewMemoryStore(),
			users:     users.NewMemoryStore(),
			locations: tracking.NewMemoryStore(),
		}, nil
	}
}

func boltStores(db *bolt.DB) (*stores, error) {
	orders, err := escrow.NewBoltStore(db)
	if err != nil {
		return nil, err
	}
	us, err := users.NewBoltStore(db)
	if err != nil {
		return nil, err
	}
	locations, err := tracking.NewBoltStore(db)
	if err != nil {
		return nil, err
	}
	return &stores{orders: orders, users: us, locations: locations}, nil
}

func (s *Server) setupHealth() {
	s.health = health.NewRegistry(2 * time.Second)
	if s.db != nil {
		s.health.Register("database", func(ctx context.Context) health.Status {
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Healthy: false, Detail: err.Error()}
			}
			return health.Status{Healthy: true}
		})
	}
	if s.bolt != nil {
		s.health.Register("bolt", func(ctx context.Context) health.Status {
			err := s.bolt.View(func(tx *bolt.Tx) error { return nil })
			if err != nil {
				return health.Status{Healthy: false, Detail: err.Error()}
			}
			return health.Status{Healthy: true}
		})
	}
	s.health.Register("gateway", func(ctx context.Context) health.Status {
		if s.guarded.CircuitState(gateway.OpCreateInvoice) == circuitbreaker.StateOpen {
			return health.Status{Healthy: false, Detail: "circuit open"}
		}
		return health.Status{Healthy: true}
	})
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
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   escrow.KindInternal,
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS: any origin in development, the frontend otherwise
	origins := []string{s.cfg.FrontendURL}
	if s.cfg.IsDevelopment() {
		origins = []string{"*"}
	}
	s.router.Use(security.CORSMiddleware(origins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting (provider webhooks exempt)
	rl := ratelimit.DefaultConfig()
	rl.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = idgen.Hex(32)
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

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

		// Log level based on status code
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
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/", s.infoHandler)

	// WebSocket for real-time order updates
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// Provider callbacks
	webhooks.NewHandler(s.escrowService, s.cfg.WebhookSecret, s.logger).
		RegisterRoutes(s.router.Group("/webhook"))

	api := s.router.Group("/api")
	escrowHandler := escrow.NewHandler(s.escrowService, s.tracker, s.logger)
	escrowHandler.RegisterRoutes(api)
	tracking.NewHandler(s.tracker, s.simulator, &orderLookup{s.escrowService}).RegisterRoutes(api)
	users.NewHandler(s.userService).RegisterRoutes(api)

	admin := api.Group("/admin")
	escrowHandler.RegisterAdminRoutes(admin)
	admin.GET("/realtime", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true, "stats": s.realtimeHub.Stats()})
	})
	admin.POST("/reconcile", s.reconcileHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
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
		Version:   s.version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	health.LiveHandler()(c)
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	s.health.ReadyHandler()(c)
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "HoldPay",
		"description": "Bitcoin escrow for deliveries",
		"version":     s.version,
		"currency":    "BTC",
	})
}

// reconcileHandler runs one reconciliation pass on demand.
func (s *Server) reconcileHandler(c *gin.Context) {
	res, err := s.escrowService.ReconcilePayments(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("reconciliation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   escrow.KindInternal,
			"message": "Reconciliation failed",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "result": res})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches background work (hub, reconciliation, pool metrics). Run
// calls it; tests that drive the router directly may call it themselves.
func (s *Server) Start(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	go s.realtimeHub.Run(runCtx)

	if s.reconcileJob != nil {
		if err := s.reconcileJob.Start(s.cfg.ReconcileSchedule); err != nil {
			cancel()
			return err
		}
	}

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}
	return nil
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
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

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Stop journeys before the stores they write to close
	s.simulator.Shutdown()
	s.logger.Info("journey simulations stopped")

	if s.reconcileJob != nil {
		s.reconcileJob.Stop(ctx)
	}

	// Cancel the context for all background goroutines (hub, pool metrics)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
	if s.bolt != nil {
		if err := s.bolt.Close(); err != nil {
			s.logger.Error("bolt close error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
