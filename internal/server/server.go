// Package server wires the governance stack together and exposes it
// over HTTP.
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

	"github.com/mbd888/agentwallet/internal/admission"
	"github.com/mbd888/agentwallet/internal/audit"
	"github.com/mbd888/agentwallet/internal/auth"
	"github.com/mbd888/agentwallet/internal/circuitbreaker"
	"github.com/mbd888/agentwallet/internal/config"
	"github.com/mbd888/agentwallet/internal/crossagent"
	"github.com/mbd888/agentwallet/internal/deadman"
	"github.com/mbd888/agentwallet/internal/health"
	"github.com/mbd888/agentwallet/internal/killswitch"
	"github.com/mbd888/agentwallet/internal/ledger"
	"github.com/mbd888/agentwallet/internal/lineage"
	"github.com/mbd888/agentwallet/internal/logging"
	"github.com/mbd888/agentwallet/internal/metrics"
	"github.com/mbd888/agentwallet/internal/money"
	"github.com/mbd888/agentwallet/internal/rails"
	"github.com/mbd888/agentwallet/internal/ratelimit"
	"github.com/mbd888/agentwallet/internal/realtime"
	"github.com/mbd888/agentwallet/internal/registry"
	"github.com/mbd888/agentwallet/internal/rules"
	"github.com/mbd888/agentwallet/internal/security"
	"github.com/mbd888/agentwallet/internal/validation"
	"github.com/mbd888/agentwallet/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	registryStore registry.Store
	registrySvc   *registry.Service
	ledgerStore   ledger.Store
	ledgerSvc     *ledger.Service
	rulesSvc      *rules.Service
	engine        *rules.Engine
	switches      *killswitch.Service
	recorder      *audit.Recorder
	monitor       *deadman.Monitor
	governor      *lineage.Governor
	authorizer    *crossagent.Authorizer
	controller    *admission.Controller
	dispatcher    *webhooks.Dispatcher
	emitter       *webhooks.Emitter
	hub           *realtime.Hub
	rails         *rails.Registry
	breaker       *circuitbreaker.Breaker

	matview     *registry.MatviewRefresher
	partitions  *registry.PartitionMaintainer
	rateLimiter *ratelimit.Limiter
	checks      *health.Registry

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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory.
	var (
		rulesStore   rules.Store
		ksStore      killswitch.Store
		auditStore   audit.Store
		dmConfigs    deadman.ConfigStore
		dmEvents     deadman.EventStore
		lineageStore lineage.Store
		caStore      crossagent.Store
		whStore      webhooks.Store
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

		s.registryStore = registry.NewPostgresStore(db)
		s.ledgerStore = ledger.NewPostgresStore(db)
		rulesStore = rules.NewPostgresStore(db)
		ksStore = killswitch.NewPostgresStore(db)
		auditStore = audit.NewPostgresStore(db)
		dmConfigs = deadman.NewPostgresConfigStore(db)
		dmEvents = deadman.NewPostgresEventStore(db)
		lineageStore = lineage.NewPostgresStore(db)
		caStore = crossagent.NewPostgresStore(db)
		whStore = webhooks.NewPostgresStore(db)

		s.matview = registry.NewMatviewRefresher(db,
			time.Duration(cfg.MatviewRefreshSeconds)*time.Second, s.logger)
		s.partitions = registry.NewPartitionMaintainer(db,
			time.Duration(cfg.PartitionCheckSeconds)*time.Second, s.logger)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")

		s.registryStore = registry.NewMemoryStore()
		memLedger := ledger.NewMemoryStore()
		s.ledgerStore = memLedger
		rulesStore = rules.NewMemoryStore()
		ksStore = killswitch.NewMemoryStore(memLedger)
		auditStore = audit.NewMemoryStore()
		dmConfigs = deadman.NewMemoryConfigStore()
		dmEvents = deadman.NewMemoryEventStore()
		lineageStore = lineage.NewMemoryStore()
		caStore = crossagent.NewMemoryStore()
		whStore = webhooks.NewMemoryStore()
	}

	// Core services. The recorder comes first: every governance service
	// audits its own transitions through it.
	s.recorder = audit.NewRecorder(auditStore, s.logger)
	s.registrySvc = registry.NewService(s.registryStore, s.logger)
	s.ledgerSvc = ledger.NewService(s.ledgerStore, ledger.WithLogger(s.logger))
	s.rulesSvc = rules.NewService(rulesStore, rules.WithLogger(s.logger))
	s.engine = rules.NewEngine(rulesStore, s.ledgerStore)
	s.switches = killswitch.NewService(ksStore, s.ledgerStore,
		killswitch.WithLogger(s.logger), killswitch.WithRecorder(s.recorder))
	s.governor = lineage.NewGovernor(lineageStore, s.registryStore,
		lineage.WithLogger(s.logger), lineage.WithRecorder(s.recorder))
	s.authorizer = crossagent.NewAuthorizer(caStore, s.registryStore,
		crossagent.WithLogger(s.logger), crossagent.WithRecorder(s.recorder))

	// Notification fan-out: webhooks plus the realtime feed.
	owners := &agentOwners{store: s.registryStore}
	s.dispatcher = webhooks.NewDispatcher(whStore)
	s.emitter = webhooks.NewEmitter(s.dispatcher, owners, s.ledgerStore, s.logger)
	s.hub = realtime.NewHub(s.logger)
	obs := &governanceObservers{emitter: s.emitter, hub: s.hub}

	// Dead-man monitor with its action ladder wired over the other
	// subsystems.
	s.monitor = deadman.NewMonitor(dmConfigs, dmEvents, s.ledgerStore,
		&deadmanActions{
			rules:    s.rulesSvc,
			ledger:   s.ledgerStore,
			registry: s.registryStore,
			governor: s.governor,
			obs:      obs,
		},
		deadman.WithLogger(s.logger),
		deadman.WithRecorder(s.recorder),
		deadman.WithSweepInterval(time.Duration(cfg.DeadmanSweepSeconds)*time.Second),
	)

	// The admission path.
	s.controller = admission.NewController(s.ledgerStore, s.engine, s.switches,
		s.monitor, s.recorder,
		admission.WithLogger(s.logger),
		admission.WithObserver(obs),
		admission.WithAuthorizer(s.authorizer),
	)

	// Payment rails, each behind a circuit breaker keyed by rail name.
	s.rails = rails.NewRegistry()
	s.breaker = circuitbreaker.New(5, 30*time.Second)
	s.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("rail circuit state change",
			"rail", key, "from", from.String(), "to", to.String())
	})
	if cfg.StripeEnabled() {
		s.rails.Register(rails.NewStripeRail(cfg.StripeAPIKey, s.logger))
		s.logger.Info("stripe rail enabled")
	}
	if cfg.OnchainEnabled() {
		rail, err := rails.NewOnchainRail(rails.OnchainConfig{
			RPCURL:        cfg.RPCURL,
			PrivateKey:    cfg.OnchainPrivateKey,
			ChainID:       cfg.ChainID,
			TokenContract: cfg.TokenContract,
			TokenDecimals: cfg.TokenDecimals,
		}, s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to configure onchain rail: %w", err)
		}
		s.rails.Register(rail)
		s.logger.Info("onchain rail enabled", "chainId", cfg.ChainID)
	}

	// Health checks.
	s.checks = health.NewRegistry()
	if s.db != nil {
		s.checks.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}

	// Set up router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes(owners, obs)

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides credentials in a connection string for logging.
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
// Adapters
// -----------------------------------------------------------------------------

// storeResolver adapts the registry store to the auth resolver.
type storeResolver struct {
	store registry.Store
}

func (r *storeResolver) ResolveOwner(ctx context.Context, keyHash string) (string, error) {
	owner, err := r.store.GetOwnerByKeyHash(ctx, keyHash)
	if err != nil {
		return "", err
	}
	return owner.ID, nil
}

func (r *storeResolver) ResolveAgent(ctx context.Context, keyHash string) (string, string, string, error) {
	agent, err := r.store.GetAgentByKeyHash(ctx, keyHash)
	if err != nil {
		return "", "", "", err
	}
	return agent.ID, agent.OwnerID, string(agent.Status), nil
}

// agentOwners adapts the registry store to the per-package
// AgentResolver interfaces.
type agentOwners struct {
	store registry.Store
}

func (a *agentOwners) OwnerOfAgent(ctx context.Context, agentID string) (string, error) {
	agent, err := a.store.GetAgent(ctx, agentID)
	if err != nil {
		return "", err
	}
	return agent.OwnerID, nil
}

// ruleSeeder adapts the rules service to the ledger handler's seeding
// hook.
type ruleSeeder struct {
	rules *rules.Service
}

func (r *ruleSeeder) SeedDefaults(ctx context.Context, walletID string) error {
	_, err := r.rules.SeedDefaults(ctx, walletID)
	return err
}

// governanceObservers fans governance events out to webhooks and the
// realtime feed. It satisfies the observer interfaces the handler
// packages declare.
type governanceObservers struct {
	emitter *webhooks.Emitter
	hub     *realtime.Hub
}

func (o *governanceObservers) TransactionDecided(tx *ledger.Transaction, decision audit.Decision, reason string) {
	o.emitter.TransactionDecided(tx, decision, reason)
	o.hub.BroadcastTransaction(map[string]interface{}{
		"transactionId": tx.ID,
		"walletId":      tx.WalletID,
		"amount":        money.Format(tx.Amount),
		"status":        string(tx.Status),
		"decision":      string(decision),
		"reason":        reason,
	})
}

func (o *governanceObservers) EmitDeposit(agentID, walletID, amount string) {
	o.emitter.EmitDeposit(agentID, walletID, amount)
	o.hub.BroadcastTransaction(map[string]interface{}{
		"agentId":  agentID,
		"walletId": walletID,
		"amount":   amount,
		"status":   "completed",
		"category": ledger.CategoryDeposit,
	})
}

func (o *governanceObservers) EmitKillSwitchReset(agentID, walletID, switchID, operator string) {
	o.emitter.EmitKillSwitchReset(agentID, walletID, switchID, operator)
	o.hub.BroadcastKillSwitch(map[string]interface{}{
		"agentId":  agentID,
		"walletId": walletID,
		"switchId": switchID,
		"operator": operator,
		"state":    "reset",
	})
}

func (o *governanceObservers) EmitAgentSpawned(parentID, childID string, depth int) {
	o.emitter.EmitAgentSpawned(parentID, childID, depth)
	o.hub.BroadcastSpawn(map[string]interface{}{
		"parentId": parentID,
		"childId":  childID,
		"depth":    depth,
	})
}

func (o *governanceObservers) EmitAgentTerminated(agentID, reason string, cascaded []string) {
	o.emitter.EmitAgentTerminated(agentID, reason, cascaded)
	o.hub.BroadcastTermination(map[string]interface{}{
		"agentId":  agentID,
		"reason":   reason,
		"cascaded": cascaded,
	})
}

func (o *governanceObservers) EmitCrossEscalated(sourceAgentID, targetAgentID, txID, amount string) {
	o.emitter.EmitCrossEscalated(sourceAgentID, targetAgentID, txID, amount)
}

func (o *governanceObservers) deadmanEvent(agentID, trigger, action, detail string) {
	o.emitter.EmitDeadmanTriggered(agentID, trigger, action, detail)
	o.hub.BroadcastDeadman(map[string]interface{}{
		"agentId": agentID,
		"trigger": trigger,
		"action":  action,
		"detail":  detail,
	})
}

// deadmanActions implements the dead-man action ladder over the rules,
// ledger, registry, and lineage subsystems.
type deadmanActions struct {
	rules    *rules.Service
	ledger   ledger.Store
	registry registry.Store
	governor *lineage.Governor
	obs      *governanceObservers
}

func (a *deadmanActions) Alert(ctx context.Context, agentID, trigger, detail string) {
	a.obs.deadmanEvent(agentID, trigger, deadman.ActionAlert, detail)
}

// Throttle tightens every daily limit on the agent's wallets.
func (a *deadmanActions) Throttle(ctx context.Context, agentID string) error {
	wallets, err := a.ledger.ListWalletsByAgent(ctx, agentID)
	if err != nil {
		return err
	}
	for _, w := range wallets {
		if _, err := a.rules.ThrottleDailyLimits(ctx, w.ID); err != nil {
			return err
		}
	}
	return nil
}

// Freeze stops the agent and its wallets. Cascade walks the spawn tree;
// the returned ids are the descendants frozen alongside the agent.
func (a *deadmanActions) Freeze(ctx context.Context, agentID string, cascade bool) ([]string, error) {
	ids := []string{agentID}
	if cascade {
		descendants, err := a.governor.Descendants(ctx, agentID)
		if err != nil {
			return nil, err
		}
		ids = append(ids, descendants...)
	}
	for _, id := range ids {
		if err := a.registry.UpdateAgentStatus(ctx, id, registry.AgentFrozen); err != nil {
			return nil, err
		}
		wallets, err := a.ledger.ListWalletsByAgent(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, w := range wallets {
			if w.Status == ledger.WalletActive {
				if err := a.ledger.UpdateWalletStatus(ctx, w.ID, ledger.WalletFrozen); err != nil {
					return nil, err
				}
			}
		}
	}
	return ids[1:], nil
}

// Terminate kills the agent through the lineage governor; the spawn
// tree handles the cascade. The returned ids are the descendants
// terminated alongside the agent.
func (a *deadmanActions) Terminate(ctx context.Context, agentID string, cascade bool) ([]string, error) {
	terminated, err := a.governor.Terminate(ctx, agentID, cascade)
	if err != nil {
		return nil, err
	}
	for _, id := range terminated {
		wallets, err := a.ledger.ListWalletsByAgent(ctx, id)
		if err != nil {
			continue
		}
		for _, w := range wallets {
			if w.Status == ledger.WalletActive {
				_ = a.ledger.UpdateWalletStatus(ctx, w.ID, ledger.WalletFrozen)
			}
		}
	}
	cascaded := make([]string, 0, len(terminated))
	for _, id := range terminated {
		if id != agentID {
			cascaded = append(cascaded, id)
		}
	}
	return cascaded, nil
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
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPS * 60,
		BurstSize:         s.cfg.RateLimitRPS * 2,
		CleanupInterval:   time.Minute,
	})
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

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes(owners *agentOwners, obs *governanceObservers) {
	// Operational endpoints outside the API version.
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/api", s.infoHandler)

	// Realtime governance feed.
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})
	s.router.GET("/dashboard", s.feedPageHandler)

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(&storeResolver{store: s.registryStore}))

	// Unauthenticated: owner onboarding only.
	public := v1.Group("")

	// Everything else requires a credential. Mutating spend paths
	// additionally require the agent principal to be active.
	authed := v1.Group("", auth.RequireAuth())
	active := authed.Group("", auth.RequireActivePrincipal())

	seeder := &ruleSeeder{rules: s.rulesSvc}

	registry.NewHandler(s.registrySvc).RegisterRoutes(public, authed)
	ledger.NewHandler(s.ledgerSvc, owners, obs, seeder).RegisterRoutes(authed)
	rules.NewHandler(s.rulesSvc, s.ledgerStore, owners).RegisterRoutes(authed)
	admission.NewHandler(s.controller, s.ledgerStore, owners).RegisterRoutes(active)
	killswitch.NewHandler(s.switches, s.ledgerStore, owners, obs).RegisterRoutes(authed)
	audit.NewHandler(s.recorder, owners).RegisterRoutes(authed)
	deadman.NewHandler(s.monitor, owners).RegisterRoutes(authed)
	lineage.NewHandler(s.governor, s.registrySvc, owners, obs).RegisterRoutes(authed)
	crossagent.NewHandler(s.authorizer, owners, obs).RegisterRoutes(active)
	webhooks.NewHandler(s.dispatcher.Store()).RegisterRoutes(authed)

	// Cross-cutting owner operations.
	authed.GET("/owners/:ownerId/pending", s.listOwnerPending)
	authed.POST("/owners/:ownerId/emergency-stop", s.emergencyStop)

	// Payment rails.
	authed.GET("/rails", s.listRails)
	active.POST("/wallets/:walletId/payout", s.submitPayout)
	authed.POST("/payouts/:txId/execute", s.executePayout)

	// Operator-only rail controls, gated by the admin secret.
	admin := v1.Group("/admin", auth.RequireAdmin(s.cfg.AdminSecret))
	admin.GET("/rails/breakers", s.listBreakers)
	admin.POST("/rails/breakers/:rail/reset", s.resetBreaker)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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
		"name":        "AgentWallet",
		"description": "Spend governance for autonomous AI agents",
		"version":     "0.1.0",
		"rails":       s.rails.Names(),
	})
}

// listOwnerPending handles GET /v1/owners/:ownerId/pending, the
// operator's approval queue across all of their agents.
func (s *Server) listOwnerPending(c *gin.Context) {
	ctx := c.Request.Context()
	ownerID := c.Param("ownerId")

	if !s.requireOwnerSelf(c, ownerID) {
		return
	}

	agents, err := s.registryStore.ListAgentsByOwner(ctx, ownerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list agents",
		})
		return
	}

	pending := make([]*ledger.Transaction, 0)
	for _, agent := range agents {
		wallets, err := s.ledgerStore.ListWalletsByAgent(ctx, agent.ID)
		if err != nil {
			continue
		}
		for _, w := range wallets {
			txs, err := s.controller.ListPending(ctx, w.ID, 100)
			if err != nil {
				continue
			}
			pending = append(pending, txs...)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"pending": pending,
		"count":   len(pending),
	})
}

// emergencyStop handles POST /v1/owners/:ownerId/emergency-stop. Every
// agent of the owner goes to Killed and every wallet to KillSwitched,
// bypassing trigger evaluation and transition checks. Recovery is
// per-wallet kill-switch reset plus per-agent review.
func (s *Server) emergencyStop(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)
	ownerID := c.Param("ownerId")

	if !s.requireOwnerSelf(c, ownerID) {
		return
	}

	agents, err := s.registryStore.ListAgentsByOwner(ctx, ownerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list agents",
		})
		return
	}

	var stoppedAgents, stoppedWallets int
	for _, agent := range agents {
		if agent.Status != registry.AgentKilled && agent.Status != registry.AgentTerminated {
			if err := s.registryStore.UpdateAgentStatus(ctx, agent.ID, registry.AgentKilled); err != nil {
				logger.Error("emergency stop: agent update failed", "agent", agent.ID, "error", err)
				continue
			}
			stoppedAgents++
		}
		wallets, err := s.ledgerStore.ListWalletsByAgent(ctx, agent.ID)
		if err != nil {
			continue
		}
		for _, w := range wallets {
			if w.Status == ledger.WalletKillSwitched {
				continue
			}
			if err := s.ledgerStore.UpdateWalletStatus(ctx, w.ID, ledger.WalletKillSwitched); err != nil {
				logger.Error("emergency stop: wallet update failed", "wallet", w.ID, "error", err)
				continue
			}
			stoppedWallets++
		}
	}

	logger.Warn("emergency stop executed",
		"owner", ownerID,
		"agents", stoppedAgents,
		"wallets", stoppedWallets,
	)
	s.recorder.Record(ctx, "", "owner.emergency_stop", "owner", ownerID, audit.DecisionSystem,
		fmt.Sprintf("stopped %d agents and %d wallets", stoppedAgents, stoppedWallets))
	s.hub.BroadcastKillSwitch(map[string]interface{}{
		"ownerId": ownerID,
		"state":   "emergency_stop",
		"agents":  stoppedAgents,
		"wallets": stoppedWallets,
	})

	c.JSON(http.StatusOK, gin.H{
		"ownerId":        ownerID,
		"agentsStopped":  stoppedAgents,
		"walletsStopped": stoppedWallets,
	})
}

// listRails handles GET /v1/rails.
func (s *Server) listRails(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rails": s.rails.Names()})
}

// listBreakers handles GET /v1/admin/rails/breakers. Reports the
// circuit state of every registered rail.
func (s *Server) listBreakers(c *gin.Context) {
	states := make(map[string]string)
	for _, name := range s.rails.Names() {
		states[name] = s.breaker.State(name).String()
	}
	c.JSON(http.StatusOK, gin.H{"breakers": states})
}

// resetBreaker handles POST /v1/admin/rails/breakers/:rail/reset.
// Force-closes the circuit so traffic resumes immediately after an
// operator has fixed the underlying rail outage.
func (s *Server) resetBreaker(c *gin.Context) {
	name := c.Param("rail")
	if _, err := s.rails.Get(name); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "rail_not_found",
			"message": fmt.Sprintf("Unknown rail %q", name),
		})
		return
	}
	s.breaker.Reset(name)
	logging.L(c.Request.Context()).Warn("rail circuit reset by operator", "rail", name)
	c.JSON(http.StatusOK, gin.H{
		"rail":  name,
		"state": s.breaker.State(name).String(),
	})
}

// PayoutRequest is the payload for an externally settled spend.
type PayoutRequest struct {
	Rail        string `json:"rail" binding:"required"`
	Destination string `json:"destination" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	Description string `json:"description,omitempty"`
}

// submitPayout handles POST /v1/wallets/:walletId/payout. The spend
// goes through the full admission path first; the rail transfer only
// happens for an admitted transaction. An awaiting-approval payout is
// executed later via POST /v1/payouts/:txId/execute.
func (s *Server) submitPayout(c *gin.Context) {
	ctx := c.Request.Context()
	walletID := c.Param("walletId")

	w, ok := s.scopedWallet(c, walletID)
	if !ok {
		return
	}

	var req PayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	rail, err := s.rails.Get(req.Rail)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "unknown_rail",
			"message": fmt.Sprintf("Rail %q is not configured", req.Rail),
		})
		return
	}
	if req.Rail == "onchain" && !validation.IsValidEthAddress(req.Destination) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_destination",
			"message": "Destination must be a valid address (0x + 40 hex chars)",
		})
		return
	}
	// Reject before debiting when the rail's circuit is open.
	if !s.breaker.Allow(rail.Name()) {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "rail_unavailable",
			"message": fmt.Sprintf("Rail %q is temporarily unavailable; retry shortly", rail.Name()),
		})
		return
	}
	amount, err := money.Parse(req.Amount)
	if err != nil || !amount.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be a positive decimal",
		})
		return
	}

	res, err := s.controller.Submit(ctx, w.ID, admission.Candidate{
		Amount:        amount,
		Category:      "payout",
		RecipientID:   req.Destination,
		RecipientType: ledger.RecipientExternal,
		Description:   req.Description,
		Metadata: map[string]interface{}{
			"rail":        req.Rail,
			"destination": req.Destination,
		},
	})
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInvalidAmount):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "Amount must be positive",
			})
		default:
			logging.L(ctx).Error("payout submit failed", "error", err, "wallet", w.ID)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Payout submission failed",
			})
		}
		return
	}

	switch res.Transaction.Status {
	case ledger.TxCompleted:
		s.settlePayout(c, rail, w, res.Transaction, req.Destination)
	case ledger.TxAwaitingApproval:
		c.JSON(http.StatusAccepted, gin.H{
			"result":  res,
			"message": "Payout held for approval. Approve it, then POST /v1/payouts/" + res.Transaction.ID + "/execute.",
		})
	default:
		c.JSON(http.StatusBadRequest, res)
	}
}

// executePayout handles POST /v1/payouts/:txId/execute: the rail leg of
// an approved payout. Owner only.
func (s *Server) executePayout(c *gin.Context) {
	ctx := c.Request.Context()

	tx, err := s.ledgerStore.GetTransaction(ctx, c.Param("txId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Transaction not found",
		})
		return
	}
	w, ok := s.scopedWallet(c, tx.WalletID)
	if !ok {
		return
	}
	p, _ := auth.GetPrincipal(c)
	if p == nil || p.Kind != auth.KindOwner {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Owner credential required",
		})
		return
	}

	railName, _ := tx.Metadata["rail"].(string)
	destination, _ := tx.Metadata["destination"].(string)
	if railName == "" || destination == "" {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "not_a_payout",
			"message": "Transaction has no rail metadata",
		})
		return
	}
	if tx.Status != ledger.TxCompleted {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "not_settleable",
			"message": "Transaction is not in a completed state",
		})
		return
	}
	if railTx, ok := tx.Metadata["railTxId"].(string); ok && railTx != "" {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_executed",
			"message": "Payout was already sent",
		})
		return
	}
	rail, err := s.rails.Get(railName)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "unknown_rail",
			"message": fmt.Sprintf("Rail %q is no longer configured", railName),
		})
		return
	}
	if !s.breaker.Allow(rail.Name()) {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "rail_unavailable",
			"message": fmt.Sprintf("Rail %q is temporarily unavailable; retry shortly", rail.Name()),
		})
		return
	}

	s.settlePayout(c, rail, w, tx, destination)
}

// settlePayout runs the rail transfer for an admitted payout and
// records the outcome. A failed transfer refunds the debit.
func (s *Server) settlePayout(c *gin.Context, rail rails.Rail, w *ledger.Wallet, tx *ledger.Transaction, destination string) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)

	res, err := rail.Send(ctx, rails.SendRequest{
		AgentID:     w.AgentID,
		Destination: destination,
		Amount:      tx.Amount,
		Reference:   tx.ID,
	})
	if err != nil || !res.Success {
		s.breaker.RecordFailure(rail.Name())
		reason := "rail transfer failed"
		if err != nil {
			reason = err.Error()
		} else if res.Reason != "" {
			reason = res.Reason
		}
		logger.Error("payout rail transfer failed",
			"transaction", tx.ID, "rail", rail.Name(), "reason", reason)

		// The admission debit already settled; put the money back.
		if _, rerr := s.ledgerSvc.Deposit(ctx, w.ID, tx.Amount, "payout refund: "+tx.ID); rerr != nil {
			logger.Error("payout refund failed", "transaction", tx.ID, "error", rerr)
		}
		meta := mergeMetadata(tx.Metadata, map[string]interface{}{"railStatus": "failed", "railReason": reason})
		_ = s.ledgerStore.UpdateTransactionMetadata(ctx, tx.ID, meta)

		c.JSON(http.StatusBadGateway, gin.H{
			"error":       "rail_failed",
			"message":     "Rail transfer failed; the debit was refunded",
			"transaction": tx,
		})
		return
	}

	s.breaker.RecordSuccess(rail.Name())
	meta := mergeMetadata(tx.Metadata, map[string]interface{}{"railStatus": "sent", "railTxId": res.RailTxID})
	if err := s.ledgerStore.UpdateTransactionMetadata(ctx, tx.ID, meta); err != nil {
		logger.Error("payout metadata update failed", "transaction", tx.ID, "error", err)
	}

	c.JSON(http.StatusCreated, gin.H{
		"transaction": tx,
		"rail":        rail.Name(),
		"railTxId":    res.RailTxID,
	})
}

func mergeMetadata(base, extra map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

// scopedWallet loads a wallet and checks the caller may act on its
// agent. Writes the error response itself.
func (s *Server) scopedWallet(c *gin.Context, walletID string) (*ledger.Wallet, bool) {
	ctx := c.Request.Context()

	p, ok := auth.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "API key required",
		})
		return nil, false
	}
	w, err := s.ledgerStore.GetWallet(ctx, walletID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Wallet not found",
		})
		return nil, false
	}
	agent, err := s.registryStore.GetAgent(ctx, w.AgentID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Agent not found",
		})
		return nil, false
	}
	if !auth.CanActOnAgent(p, agent.ID, agent.OwnerID) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Not authorized for this wallet",
		})
		return nil, false
	}
	return w, true
}

func (s *Server) requireOwnerSelf(c *gin.Context, ownerID string) bool {
	p, ok := auth.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "API key required",
		})
		return false
	}
	if p.Kind != auth.KindOwner || p.ID != ownerID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Owner credential required",
		})
		return false
	}
	return true
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
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Realtime hub
	go s.hub.Run(runCtx)

	// Dead-man sweep loop
	s.monitor.Start(runCtx)

	// Postgres-only maintenance loops
	if s.matview != nil {
		s.matview.Start(runCtx)
	}
	if s.partitions != nil {
		s.partitions.Start(runCtx)
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

	// Cancel the context for all background goroutines (hub, sweeps)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.monitor.Stop()
	if s.matview != nil {
		s.matview.Stop()
	}
	if s.partitions != nil {
		s.partitions.Stop()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
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
