// Package core wires the authorization and credit components into one
// facade: token validation, credential gating, pooled database access, the
// tiered cache, user resolution, access decisions and credit transactions.
package core

import (
	"context"
	"log/slog"
	"time"

	"github.com/genstudio/authcore/internal/authz"
	"github.com/genstudio/authcore/internal/cache"
	"github.com/genstudio/authcore/internal/config"
	"github.com/genstudio/authcore/internal/credgate"
	"github.com/genstudio/authcore/internal/credits"
	"github.com/genstudio/authcore/internal/events"
	"github.com/genstudio/authcore/internal/model"
	"github.com/genstudio/authcore/internal/perf"
	"github.com/genstudio/authcore/internal/pool"
	"github.com/genstudio/authcore/internal/query"
	"github.com/genstudio/authcore/internal/token"
	"github.com/genstudio/authcore/internal/user"
)

// Core is the composition root. Construct with New, release with Close.
type Core struct {
	cfg       *config.Config
	logger    *slog.Logger
	bus       *events.Bus
	validator *token.Validator
	gate      *credgate.Gate
	executor  *query.Executor
	l2        *cache.L2
	tiers     *cache.MultiTier
	warmer    *cache.Warmer
	resolver  *user.Resolver
	authz     *authz.Engine
	credits   *credits.Engine
	monitor   *perf.Monitor
}

// Health is the aggregate component report.
type Health struct {
	Status string            `json:"status"` // ok | degraded
	Gate   credgate.Stats    `json:"credential_gate"`
	Pools  map[string]string `json:"pools"`
	Cache  cache.Stats       `json:"cache"`
	Alerts []perf.Alert      `json:"alerts,omitempty"`
}

// New builds every component in dependency order. The context bounds
// initial database connection setup.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Core, error) {
	if logger == nil {
		logger = slog.Default()
	}
	bus := events.NewBus()

	keys := token.NewKeyRing(cfg.Token.HS256Secret, nil)
	validator := token.NewValidator(token.Config{
		Issuer:          cfg.Token.Issuer,
		Audience:        cfg.Token.Audience,
		AllowedAlgs:     cfg.Token.AllowedAlgs,
		AllowMockTokens: cfg.Token.AllowMockTokens,
		Production:      cfg.IsProduction(),
	}, keys)

	pools, err := pool.NewManager(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	// The gate probes through the executor, and the executor consults the
	// gate; the probe closure breaks the cycle.
	var executor *query.Executor
	gate := credgate.New(func(ctx context.Context) error {
		return executor.Probe(ctx)
	}, credgate.Options{
		Credential:   cfg.Supabase.ServiceKey,
		TTL:          cfg.Supabase.ServiceCredTTL,
		ProbeTimeout: cfg.Supabase.ProbeTimeout,
		ReprobeAfter: cfg.Supabase.ReprobeInterval,
		Logger:       logger,
		Bus:          bus,
	})
	executor, err = query.New(cfg.Supabase.URL, cfg.Supabase.AnonKey, cfg.Supabase.ServiceKey, gate, pools, logger)
	if err != nil {
		pools.Close()
		return nil, err
	}

	l1 := cache.NewL1(cfg.Cache.L1MaxEntries, cfg.Cache.L1TTL)
	l2 := cache.NewL2(cache.L2Options{
		Addr:     cfg.Cache.RedisAddr,
		Password: cfg.Cache.RedisPassword,
		DB:       cfg.Cache.RedisDB,
		PoolSize: cfg.Cache.RedisPoolMax,
		TTL:      cfg.Cache.L2TTL,
		Logger:   logger,
	})
	tiers := cache.NewMultiTier(l1, l2, cfg.Cache.L1TTL, cfg.Cache.L2TTL, logger)

	resolver := user.NewResolver(user.Options{
		Store:          executor,
		Cache:          tiers,
		Validator:      validator,
		Bus:            bus,
		Logger:         logger,
		DefaultCredits: cfg.Credits.DefaultUserCredits,
		EmergencyIDs:   cfg.Supabase.EmergencyUserIDs,
	})

	authzEngine := authz.NewEngine(authz.Options{
		Store:       executor,
		Cache:       tiers,
		Bus:         bus,
		Logger:      logger,
		GuardBlocks: cfg.IsProduction(),
	})

	creditsEngine := credits.NewEngine(credits.Options{
		Store:     executor,
		DB:        pools,
		Resolver:  resolver,
		Queue:     l2,
		Validator: validator,
		Bus:       bus,
		Logger:    logger,
	})

	c := &Core{
		cfg:       cfg,
		logger:    logger.With("component", "core"),
		bus:       bus,
		validator: validator,
		gate:      gate,
		executor:  executor,
		l2:        l2,
		tiers:     tiers,
		resolver:  resolver,
		authz:     authzEngine,
		credits:   creditsEngine,
	}

	c.monitor = perf.NewMonitor(perf.Options{
		Logger:     logger,
		Bus:        bus,
		Provider:   c,
		WebhookURL: cfg.Alerts.WebhookURL,
	})
	c.monitor.Start()

	c.warmer = cache.NewWarmer(tiers, c.warmPatterns(), cfg.Cache.WarmInterval, cfg.Cache.WarmTimeout, logger)
	c.warmer.Start()

	return c, nil
}

// Authorize is the primary entry: validate the bearer token, ensure the
// user row exists, then decide access. The auth deadline from configuration
// bounds the whole flow.
func (c *Core) Authorize(ctx context.Context, bearer, claimedUserID string, rt model.ResourceType, resourceID string, op model.Operation) (*model.AuthorizationDecision, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.Server.AuthDeadlineMs)*time.Millisecond)
	defer cancel()

	decision, err := c.authorize(ctx, bearer, claimedUserID, rt, resourceID, op)
	c.monitor.Record(perf.Sample{
		Type:     "auth",
		Latency:  time.Since(start),
		Success:  err == nil,
		CacheHit: decision != nil && (decision.Method == authz.MethodCacheL1 || decision.Method == authz.MethodCacheL2),
		Context:  string(rt) + ":" + string(op),
	})
	return decision, err
}

func (c *Core) authorize(ctx context.Context, bearer, claimedUserID string, rt model.ResourceType, resourceID string, op model.Operation) (*model.AuthorizationDecision, error) {
	ident, err := c.validator.Validate(bearer, claimedUserID)
	if err != nil {
		return nil, err
	}
	u, err := c.resolver.EnsureUser(ctx, ident.UserID, "", bearer)
	if err != nil {
		return nil, err
	}
	return c.authz.Authorize(ctx, authz.Request{
		UserID:       u.ID,
		Role:         u.Role,
		ResourceType: rt,
		ResourceID:   resourceID,
		Op:           op,
		BearerToken:  bearer,
	})
}

// GetUser resolves a user through the layered lookup.
func (c *Core) GetUser(ctx context.Context, bearer, userID string) (*model.User, error) {
	start := time.Now()
	u, err := c.resolver.GetUserByID(ctx, userID, bearer)
	c.monitor.Record(perf.Sample{Type: "general", Latency: time.Since(start), Success: err == nil, Context: "get_user"})
	return u, err
}

// SpendCredits deducts credits for a generation.
func (c *Core) SpendCredits(ctx context.Context, req credits.Request) (*credits.Result, error) {
	start := time.Now()
	res, err := c.credits.Spend(ctx, req)
	c.monitor.Record(perf.Sample{Type: "general", Latency: time.Since(start), Success: err == nil, Context: "spend"})
	return res, err
}

// GrantCredits adds credits (purchase, bonus, referral, refund).
func (c *Core) GrantCredits(ctx context.Context, req credits.Request) (*credits.Result, error) {
	start := time.Now()
	res, err := c.credits.Grant(ctx, req)
	c.monitor.Record(perf.Sample{Type: "general", Latency: time.Since(start), Success: err == nil, Context: "grant"})
	return res, err
}

// ValidateCredits checks sufficiency without mutating the balance.
func (c *Core) ValidateCredits(ctx context.Context, bearer, userID string, required int) error {
	return c.credits.Validate(ctx, userID, required, bearer)
}

// BatchDeduct runs sequential deducts with per-entry outcomes.
func (c *Core) BatchDeduct(ctx context.Context, reqs []credits.Request) []credits.BatchOutcome {
	return c.credits.BatchDeduct(ctx, reqs)
}

// UsageAnalytics aggregates a user's ledger activity.
func (c *Core) UsageAnalytics(ctx context.Context, userID string, since time.Time) (*credits.UsageSummary, error) {
	return c.credits.UsageAnalytics(ctx, userID, since)
}

// Health reports component states.
func (c *Core) Health(ctx context.Context) Health {
	h := Health{
		Gate:   c.gate.Stats(),
		Pools:  make(map[string]string),
		Cache:  c.tiers.Snapshot(),
		Alerts: c.monitor.ActiveAlerts(),
		Status: "ok",
	}
	for name, state := range c.executor.Pools().Health() {
		h.Pools[name] = state.String()
		if state != pool.Healthy {
			h.Status = "degraded"
		}
	}
	if len(h.Alerts) > 0 || h.Gate.Mode != "privileged" {
		h.Status = "degraded"
	}
	return h
}

// Metrics are the rolling per-operation aggregates plus whatever alerts are
// currently active.
type Metrics struct {
	Operations map[string]perf.TypeStats `json:"operations"`
	Alerts     []perf.Alert              `json:"alerts"`
}

// Metrics returns the monitor's current view.
func (c *Core) Metrics() Metrics {
	return Metrics{
		Operations: c.monitor.Stats(time.Now()),
		Alerts:     c.monitor.ActiveAlerts(),
	}
}

// CacheHitRate implements perf.StatsProvider.
func (c *Core) CacheHitRate() (float64, bool) {
	s := c.tiers.Snapshot()
	if s.L1Hits+s.L2Hits+s.Fallbacks == 0 {
		return 0, false
	}
	return s.HitRate, true
}

// PoolUtilization implements perf.StatsProvider.
func (c *Core) PoolUtilization() map[string]float64 {
	out := make(map[string]float64)
	for _, m := range c.executor.Pools().Snapshot() {
		out[m.Name] = m.Utilization
	}
	return out
}

// Bus exposes the event stream for outer-layer subscribers.
func (c *Core) Bus() *events.Bus { return c.bus }

// Close stops background loops and releases connections.
func (c *Core) Close() {
	c.warmer.Stop()
	c.monitor.Stop()
	c.executor.Pools().Close()
	if err := c.l2.Close(); err != nil {
		c.logger.Debug("redis close", "error", err)
	}
}

// warmPatterns preloads the hot read paths so the first requests after a
// restart hit L1: recently active users, active team memberships, and owner
// decisions for recently completed generations.
func (c *Core) warmPatterns() []cache.WarmPattern {
	return []cache.WarmPattern{
		{
			Name:      "recent_users",
			BatchSize: c.cfg.Cache.WarmBatchSize,
			Load: func(ctx context.Context, batchSize int, set func(key string, value any, priority cache.Priority)) error {
				var rows []model.User
				err := c.executor.Do(ctx, query.Request{
					Table:         "users",
					Op:            query.OpSelect,
					OrderBy:       "updated_at",
					Desc:          true,
					Limit:         batchSize,
					UsePrivileged: true,
					Timeout:       query.TimeoutBatch,
					CallerTag:     "cache.warm",
				}, &rows)
				if err != nil {
					return err
				}
				for i := range rows {
					u := rows[i]
					set(model.UserKey(u.ID), &u, cache.PriorityMedium)
				}
				return nil
			},
		},
		{
			Name:      "active_team_memberships",
			BatchSize: c.cfg.Cache.WarmBatchSize,
			Load: func(ctx context.Context, batchSize int, set func(key string, value any, priority cache.Priority)) error {
				var rows []model.TeamMembership
				err := c.executor.Do(ctx, query.Request{
					Table:         "team_members",
					Op:            query.OpSelect,
					Filters:       map[string]string{"is_active": "true"},
					OrderBy:       "joined_at",
					Desc:          true,
					Limit:         batchSize,
					UsePrivileged: true,
					Timeout:       query.TimeoutBatch,
					CallerTag:     "cache.warm",
				}, &rows)
				if err != nil {
					return err
				}
				for i := range rows {
					m := rows[i]
					set(model.TeamMemberKey(m.UserID, m.TeamID), &m, cache.PriorityHigh)
				}
				return nil
			},
		},
		{
			Name:      "recent_generation_decisions",
			BatchSize: c.cfg.Cache.WarmBatchSize,
			Load: func(ctx context.Context, batchSize int, set func(key string, value any, priority cache.Priority)) error {
				var rows []model.Generation
				err := c.executor.Do(ctx, query.Request{
					Table:         "generations",
					Op:            query.OpSelect,
					Filters:       map[string]string{"status": "completed"},
					OrderBy:       "created_at",
					Desc:          true,
					Limit:         batchSize,
					UsePrivileged: true,
					Timeout:       query.TimeoutBatch,
					CallerTag:     "cache.warm",
				}, &rows)
				if err != nil {
					return err
				}
				now := time.Now()
				for _, g := range rows {
					for _, op := range []model.Operation{model.OpRead, model.OpWrite, model.OpDelete} {
						d := &model.AuthorizationDecision{
							UserID:        g.OwnerUserID,
							ResourceType:  model.ResourceGeneration,
							ResourceID:    g.ID,
							Op:            op,
							Granted:       true,
							EffectiveRole: string(model.TeamOwner),
							Method:        authz.MethodDirectOwnership,
							ComputedAt:    now,
							ExpiresAt:     now.Add(5 * time.Minute),
						}
						set(model.DecisionKey(g.OwnerUserID, model.ResourceGeneration, g.ID, op), d, cache.PriorityCritical)
					}
				}
				return nil
			},
		},
	}
}
