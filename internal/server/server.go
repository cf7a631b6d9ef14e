// Package server sets up the HTTP server with all routes
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
	"github.com/mbd888/paysentinel/internal/alerts"
	"github.com/mbd888/paysentinel/internal/cardrail"
	"github.com/mbd888/paysentinel/internal/circuitbreaker"
	"github.com/mbd888/paysentinel/internal/config"
	"github.com/mbd888/paysentinel/internal/dispute"
	"github.com/mbd888/paysentinel/internal/facilitator"
	"github.com/mbd888/paysentinel/internal/guard"
	"github.com/mbd888/paysentinel/internal/health"
	"github.com/mbd888/paysentinel/internal/isotime"
	"github.com/mbd888/paysentinel/internal/ledger"
	"github.com/mbd888/paysentinel/internal/logging"
	"github.com/mbd888/paysentinel/internal/metrics"
	"github.com/mbd888/paysentinel/internal/policy"
	"github.com/mbd888/paysentinel/internal/provenance"
	"github.com/mbd888/paysentinel/internal/ratelimit"
	"github.com/mbd888/paysentinel/internal/realtime"
	"github.com/mbd888/paysentinel/internal/recovery"
	"github.com/mbd888/paysentinel/internal/sandbox"
	"github.com/mbd888/paysentinel/internal/security"
	"github.com/mbd888/paysentinel/internal/validation"
	"github.com/mbd888/paysentinel/pkg/x402"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg       *config.Config
	ledger    *ledger.Ledger
	analytics *ledger.Analytics
	policies  policy.Store
	engine    *policy.Engine
	alerts    *alerts.Evaluator
	prov      *provenance.Log
	disputes  *dispute.Manager
	recovery  *recovery.Engine
	breaker   *circuitbreaker.Breaker
	adapter   *facilitator.Adapter
	sandbox   *sandbox.Facilitator // non-nil in sandbox mode
	hub       *realtime.Hub
	checks    *health.Registry

	client facilitator.Client // injected via option, overrides the mode switch

	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithFacilitatorClient sets a custom facilitator client (for testing)
func WithFacilitatorClient(c facilitator.Client) Option {
	return func(s *Server) {
		s.client = c
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	// Apply options first (may set client/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		ledgerStore   ledger.Store
		policyStore   policy.Store
		provStore     provenance.Store
		disputeStore  dispute.Store
		recoveryStore recovery.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		lps := ledger.NewPostgresStore(db)
		if err := lps.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate ledger store", "error", err)
		}
		ledgerStore = lps

		pps := policy.NewPostgresStore(db)
		if err := pps.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate policy store", "error", err)
		}
		policyStore = pps

		prs := provenance.NewPostgresStore(db)
		if err := prs.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate provenance store", "error", err)
		}
		provStore = prs

		dps := dispute.NewPostgresStore(db)
		if err := dps.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate dispute store", "error", err)
		}
		disputeStore = dps

		rps := recovery.NewPostgresStore(db)
		if err := rps.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate recovery store", "error", err)
		}
		recoveryStore = rps
	} else {
		ledgerStore = ledger.NewMemoryStore()
		policyStore = policy.NewMemoryStore()
		provStore = provenance.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		recoveryStore = recovery.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Spend ledger + analytics
	s.ledger = ledger.New(ledgerStore)
	s.analytics = ledger.NewAnalytics(s.ledger)

	// Policy engine: persisted policies first, then POLICY_DIR files, then
	// the synthetic overspend cap. Later loads shadow earlier ones by id.
	s.policies = policyStore
	s.engine = policy.NewEngine()
	if persisted, err := s.policies.List(ctx); err != nil {
		s.logger.Warn("failed to load persisted policies", "error", err)
	} else {
		for _, p := range persisted {
			if err := s.engine.LoadPolicy(p); err != nil {
				s.logger.Warn("skipping persisted policy", "policyId", p.ID, "error", err)
			}
		}
		if len(persisted) > 0 {
			s.logger.Info("persisted policies loaded", "count", len(persisted))
		}
	}
	if cfg.PolicyDir != "" {
		n, err := s.engine.LoadDir(cfg.PolicyDir)
		if err != nil {
			return nil, fmt.Errorf("failed to load policy dir: %w", err)
		}
		s.logger.Info("policy files loaded", "dir", cfg.PolicyDir, "count", n)
	}
	if cfg.DailyOverspendLimit > 0 {
		if err := s.engine.LoadPolicy(overspendPolicy(cfg.DailyOverspendLimit)); err != nil {
			return nil, fmt.Errorf("failed to install daily overspend limit: %w", err)
		}
		s.logger.Info("daily overspend limit active", "limit", cfg.DailyOverspendLimit)
	}

	// Alert evaluator, with optional webhook delivery
	s.alerts = alerts.NewEvaluator(s.ledger, s.logger)
	if cfg.AlertWebhookURL != "" {
		sink := alerts.NewWebhookSink(cfg.AlertWebhookURL, cfg.WebhookSecret, s.logger)
		s.alerts.OnAlert(sink.Handler())
		s.logger.Info("alert webhook delivery enabled", "url", cfg.AlertWebhookURL)
	}

	// Provenance log
	s.prov = provenance.New(provStore)

	// Dispute manager (freezes provenance chains, validates ledger refs)
	s.disputes = dispute.NewManager(disputeStore, s.logger).
		WithProvenance(s.prov).
		WithLedger(s.ledger)

	// Circuit breaker guarding facilitator calls
	s.breaker = circuitbreaker.New(
		cfg.BreakerFailureThreshold,
		cfg.BreakerRecovery(),
		cfg.BreakerHalfOpenMax,
	)

	// Facilitator client per FACILITATOR_MODE (unless injected)
	client := s.client
	if client == nil {
		switch cfg.FacilitatorMode {
		case "remote":
			rc := x402.NewRemoteClient(cfg.FacilitatorURL)
			if cfg.FacilitatorAPIKey != "" {
				rc = rc.WithAPIKey(cfg.FacilitatorAPIKey)
			}
			client = rc
			s.logger.Info("remote facilitator enabled", "url", cfg.FacilitatorURL)
		case "card":
			client = cardrail.New(cfg.StripeAPIKey, s.logger, cfg.StripeCurrency)
			s.logger.Info("card facilitator enabled", "currency", cfg.StripeCurrency)
		default:
			sb := sandbox.New(s.logger, cfg.Network)
			s.sandbox = sb
			client = sb
			s.logger.Info("sandbox facilitator enabled", "network", cfg.Network)
		}
		s.client = client
	}

	// Policy-gated adapter in front of the facilitator
	s.adapter = facilitator.NewAdapter(client, s.engine, s.breaker, s.ledger, s.logger, facilitator.Config{
		Key: cfg.FacilitatorKey,
	}).WithProvenance(s.prov).WithAlerts(s.alerts)

	// Refund executor: Stripe refunds on the card rail, simulated elsewhere
	// (x402 exposes no refund operation).
	var executor recovery.RefundExecutor
	if cfg.FacilitatorMode == "card" {
		executor = cardrail.NewRefundExecutor(cfg.StripeAPIKey, s.ledger, s.logger)
	} else {
		executor = sandbox.NewRefundExecutor(s.logger)
	}

	// Recovery engine, reloading any actions stranded by a restart
	s.recovery = recovery.NewEngine(recoveryStore, s.disputes, executor, s.logger).
		WithRetryPolicy(cfg.RecoveryMaxRetries, cfg.RecoveryRetryDelay()).
		WithLedger(s.ledger)
	if n, err := s.recovery.LoadPending(ctx); err != nil {
		s.logger.Warn("failed to reload pending recoveries", "error", err)
	} else if n > 0 {
		s.logger.Info("pending recoveries reloaded", "count", n)
	}

	// Realtime hub: alerts, dispute status changes, and breaker transitions
	// stream to websocket subscribers.
	s.hub = realtime.NewHub(s.logger)
	s.alerts.OnAlert(s.hub.BroadcastAlert)
	s.disputes.OnStatusChange(s.hub.BroadcastDispute)
	s.breaker.OnTransition(s.hub.BroadcastBreaker)
	s.logger.Info("realtime streaming enabled")

	// Health checks
	s.checks = health.NewRegistry()
	if s.db != nil {
		db := s.db
		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
	s.checks.Register("facilitator", s.facilitatorCheck)

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

// overspendPolicy is the synthetic hard cap installed by DAILY_OVERSPEND_LIMIT.
func overspendPolicy(limit float64) *policy.SpendPolicy {
	now := isotime.Now()
	return &policy.SpendPolicy{
		ID:      "pol_daily_overspend",
		Name:    "daily-overspend-limit",
		Enabled: true,
		Budgets: []policy.BudgetLimit{{
			Window:    policy.WindowDaily,
			MaxAmount: limit,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// facilitatorCheck reports the settlement path unhealthy while its breaker
// is open.
func (s *Server) facilitatorCheck(_ context.Context) health.Status {
	if s.breaker.GetState(s.cfg.FacilitatorKey+":settle") == circuitbreaker.StateOpen {
		return health.Status{Name: "facilitator", Healthy: false, Detail: "settle breaker open"}
	}
	return health.Status{Name: "facilitator", Healthy: true}
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
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
		rlCfg.BurstSize = s.cfg.RateLimitRPS
	}
	s.rateLimiter = ratelimit.New(rlCfg)
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
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
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
			logger.Info("request completed",
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
	s.router.GET("/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Ops dashboard (live view of the control plane)
	s.router.GET("/", dashboardHandler)

	// API info
	s.router.GET("/api", s.infoHandler)

	// WebSocket for real-time streaming
	s.router.GET("/v1/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// V1 API group
	v1 := s.router.Group("/v1")

	ledgerHandler := ledger.NewHandler(s.ledger, s.analytics, s.logger)
	ledgerHandler.RegisterRoutes(v1)

	policyHandler := policy.NewHandler(s.policies, s.engine, s.logger)
	policyHandler.RegisterRoutes(v1)

	alertsHandler := alerts.NewHandler(s.alerts, s.logger)
	alertsHandler.RegisterRoutes(v1)

	provHandler := provenance.NewHandler(s.prov, s.logger)
	provHandler.RegisterRoutes(v1)

	disputeHandler := dispute.NewHandler(s.disputes, s.logger)
	disputeHandler.RegisterRoutes(v1)

	recoveryHandler := recovery.NewHandler(s.recovery, s.logger)
	recoveryHandler.RegisterRoutes(v1)

	breakerHandler := circuitbreaker.NewHandler(s.breaker, s.logger)
	breakerHandler.RegisterRoutes(v1)

	facilitatorHandler := facilitator.NewHandler(s.adapter, s.logger)
	facilitatorHandler.RegisterRoutes(v1)

	// Sandbox mandate management only exists in sandbox mode
	if s.sandbox != nil {
		sandboxHandler := sandbox.NewHandler(s.sandbox, s.logger)
		sandboxHandler.RegisterRoutes(v1)
	}

	// Gated demo endpoint: a priced route behind the payment gate so the
	// 403 contract can be exercised without a protocol client.
	gated := s.router.Group("/api/v1")
	gated.Use(guard.Middleware(guard.Config{
		Engine:  s.engine,
		Extract: guard.FixedPrice(0.001, "USDC", "paysentinel-demo", "Gated demo call"),
		Prov:    s.prov,
		Logger:  s.logger,
	}))
	gated.GET("/ping", s.gatedPingHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		switch {
		case st.Healthy:
			checks[st.Name] = "healthy"
		case st.Detail != "":
			checks[st.Name] = st.Detail
		default:
			checks[st.Name] = "unhealthy"
		}
	}

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
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "PaySentinel",
		"description": "Payment control plane for autonomous agents",
		"version":     "0.1.0",
		"facilitator": s.cfg.FacilitatorMode,
		"network":     s.cfg.Network,
	})
}

func (s *Server) gatedPingHandler(c *gin.Context) {
	resp := gin.H{"pong": true}
	if tx, ok := guard.TransactionFrom(c); ok {
		resp["transactionId"] = tx.ID
	}
	if d, ok := guard.DecisionFrom(c); ok {
		resp["action"] = d.Action
	}
	c.JSON(http.StatusOK, resp)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"facilitator", s.cfg.FacilitatorMode,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.hub.Run(runCtx)

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

	// Cancel the context for all background goroutines (hub)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
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
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
