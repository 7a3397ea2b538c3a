// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
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

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/okapipay/okapi/internal/authn"
	"github.com/okapipay/okapi/internal/config"
	"github.com/okapipay/okapi/internal/credstore"
	"github.com/okapipay/okapi/internal/idgen"
	"github.com/okapipay/okapi/internal/logging"
	"github.com/okapipay/okapi/internal/metrics"
	"github.com/okapipay/okapi/internal/notify"
	"github.com/okapipay/okapi/internal/offline"
	"github.com/okapipay/okapi/internal/pipeline"
	"github.com/okapipay/okapi/internal/profile"
	"github.com/okapipay/okapi/internal/ratelimit"
	"github.com/okapipay/okapi/internal/realtime"
	"github.com/okapipay/okapi/internal/remote"
	"github.com/okapipay/okapi/internal/risk"
	"github.com/okapipay/okapi/internal/security"
	"github.com/okapipay/okapi/internal/syncutil"
	"github.com/okapipay/okapi/internal/traces"
	"github.com/okapipay/okapi/internal/validation"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	creds        *credstore.CredStore
	auth         *authn.Authenticator
	tracker      *profile.Tracker
	riskStore    risk.Store
	engine       *pipeline.Engine
	queue        offline.Store
	reconciler   *offline.Reconciler
	syncTimer    *offline.Timer
	ledger       remote.Ledger
	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	shutdownOTel func(context.Context) error
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

// WithLedger sets a custom upstream ledger (for testing)
func WithLedger(l remote.Ledger) Option {
	return func(s *Server) {
		s.ledger = l
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Tracing (no-op when OTLP_ENDPOINT is unset)
	shutdownOTel, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.shutdownOTel = shutdownOTel
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		accountStore credstore.Store
		attemptStore authn.AttemptStore
		txnStore     pipeline.Store
		queueStore   offline.Store
		riskStore    risk.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
		metrics.StartDBStatsCollector(ctx, db, 15*time.Second)

		accounts := credstore.NewPostgresStore(db)
		if err := accounts.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate account store", "error", err)
		}
		accountStore = accounts

		attempts := authn.NewPostgresAttemptStore(db)
		if err := attempts.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate attempt store", "error", err)
		}
		attemptStore = attempts

		txns := pipeline.NewPostgresStore(db)
		if err := txns.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate transaction store", "error", err)
		}
		txnStore = txns

		queue := offline.NewPostgresStore(db)
		if err := queue.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate offline queue", "error", err)
		}
		queueStore = queue

		assessments := risk.NewPostgresStore(db)
		if err := assessments.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate risk store", "error", err)
		}
		riskStore = assessments
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		accountStore = credstore.NewMemoryStore()
		attemptStore = authn.NewMemoryAttemptStore()
		txnStore = pipeline.NewMemoryStore()
		queueStore = offline.NewMemoryStore()
		riskStore = risk.NewMemoryStore()
	}
	s.queue = queueStore
	s.riskStore = riskStore

	// Upstream ledger (mock when no endpoint is configured)
	if s.ledger == nil {
		if cfg.LedgerURL != "" {
			if err := security.ValidateEndpointURL(cfg.LedgerURL); err != nil && cfg.IsProduction() {
				return nil, fmt.Errorf("invalid LEDGER_URL: %w", err)
			}
			s.ledger = remote.NewHTTPLedger(cfg.LedgerURL, cfg.LedgerTimeout)
			s.logger.Info("upstream ledger configured", "url", cfg.LedgerURL)
		} else {
			s.ledger = remote.NewMockLedger()
			s.logger.Info("no upstream ledger configured, using mock")
		}
	}

	// Realtime hub doubles as the push notifier
	s.realtimeHub = realtime.NewHub(s.logger)
	notifier := notify.Multi{notify.LogNotifier{}, s.realtimeHub}

	// Core services
	s.creds = credstore.New(cfg, accountStore)
	s.auth = authn.New(cfg, s.creds, attemptStore)
	s.tracker = profile.NewTracker(cfg.ProfileWindow)
	scorer := risk.NewScorer(cfg, s.tracker, riskStore)
	locks := syncutil.NewContextShardedMutex()

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate confirmation secret: %w", err)
	}

	s.engine = pipeline.NewEngine(cfg, txnStore, s.auth, scorer, s.tracker,
		queueStore, s.ledger, locks, notifier, secret)
	s.reconciler = offline.NewReconciler(cfg, queueStore, s.ledger, locks, s.engine, notifier)
	s.syncTimer = offline.NewTimer(s.reconciler, cfg.SyncInterval)

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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(nil))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         s.cfg.RateLimitRPM / 2,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
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
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time event streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	s.router.GET("/api", s.infoHandler)

	v1 := s.router.Group("/v1")

	// Accounts
	v1.POST("/accounts", s.registerAccount)
	v1.GET("/accounts/:id", s.getAccount)
	v1.POST("/accounts/:id/devices", s.addDevice)
	v1.POST("/accounts/:id/unlock", s.unlockAccount)
	v1.GET("/accounts/:id/transactions", s.listTransactions)

	// Transactions
	v1.POST("/transactions", s.submitTransaction)
	v1.GET("/transactions/:id", s.getTransaction)
	v1.POST("/transactions/:id/confirm", s.confirmTransaction)
	v1.GET("/transactions/:id/assessment", s.getAssessment)

	// Offline queue & reconciliation
	v1.GET("/queue", s.queueStatus)
	v1.POST("/sync", s.runSync)
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.syncTimer.Start(runCtx)

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

	// Cancel the context for all background goroutines (hub, sync timer)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if s.syncTimer != nil {
		s.syncTimer.Stop()
		s.logger.Info("sync timer stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.shutdownOTel != nil {
		if err := s.shutdownOTel(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
	}

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

func generateRequestID() string {
	return idgen.WithPrefix("req_")
}
