// Package pool manages the six specialized Postgres connection pools:
// auth, read, write, analytics, admin, batch. Each pool carries its own
// sizing, statement timeout, application name and circuit breaker, and is
// watched by a shared health loop and a lease-leak monitor.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/genstudio/authcore/internal/apperr"
	"github.com/genstudio/authcore/internal/circuitbreaker"
	"github.com/genstudio/authcore/internal/config"
)

// Pool names.
const (
	Auth      = "auth"
	Read      = "read"
	Write     = "write"
	Analytics = "analytics"
	Admin     = "admin"
	Batch     = "batch"
)

// HealthState describes a single pool's health.
type HealthState int

const (
	Healthy HealthState = iota
	Degraded
	Critical
	Unavailable
)

func (h HealthState) String() string {
	switch h {
	case Healthy:
		return "HEALTHY"
	case Degraded:
		return "DEGRADED"
	case Critical:
		return "CRITICAL"
	default:
		return "UNAVAILABLE"
	}
}

const (
	acquireTimeout    = 5 * time.Second
	leakThreshold     = 60 * time.Second
	healthInterval    = 30 * time.Second
	healthPingTimeout = 1 * time.Second
)

// Planner tuning per workload; applied on first use of each connection.
var workMem = map[string]string{
	Auth:      "4MB",
	Read:      "16MB",
	Write:     "8MB",
	Analytics: "64MB",
	Admin:     "8MB",
	Batch:     "32MB",
}

var effectiveCacheSize = map[string]string{
	Auth:      "1GB",
	Read:      "4GB",
	Write:     "2GB",
	Analytics: "8GB",
	Admin:     "2GB",
	Batch:     "4GB",
}

// Metrics is a point-in-time snapshot of one pool.
type Metrics struct {
	Name          string      `json:"name"`
	State         HealthState `json:"-"`
	StateName     string      `json:"state"`
	TotalConns    int32       `json:"total_conns"`
	AcquiredConns int32       `json:"acquired_conns"`
	MaxConns      int32       `json:"max_conns"`
	Utilization   float64     `json:"utilization"`
	Breaker       string      `json:"breaker"`
}

type managedPool struct {
	name string
	pool *pgxpool.Pool
	cb   *circuitbreaker.CircuitBreaker

	mu               sync.Mutex
	state            HealthState
	consecutiveFails int
}

// Manager owns the six pools.
type Manager struct {
	pools    map[string]*managedPool
	breakers *circuitbreaker.Manager
	logger   *slog.Logger

	leases   sync.Map // leaseID -> leaseInfo
	stopOnce sync.Once
	stopCh   chan struct{}
}

type leaseInfo struct {
	pool     string
	acquired time.Time
	warned   bool
}

// Conn is a leased connection. Release returns it to its pool.
type Conn struct {
	*pgxpool.Conn
	mgr     *Manager
	leaseID uint64
	pool    string
	start   time.Time
}

// NewManager connects all six pools and starts the health and leak loops.
func NewManager(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		pools:    make(map[string]*managedPool, 6),
		breakers: circuitbreaker.NewManager(nil),
		logger:   logger.With("component", "pool"),
		stopCh:   make(chan struct{}),
	}

	for _, name := range []string{Auth, Read, Write, Analytics, Admin, Batch} {
		sizing, ok := cfg.Pools[name]
		if !ok {
			return nil, fmt.Errorf("missing sizing for pool %q", name)
		}
		p, err := m.connect(ctx, cfg.URL, name, sizing)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("connect pool %s: %w", name, err)
		}
		m.pools[name] = &managedPool{
			name:  name,
			pool:  p,
			cb:    m.breakers.Get("pool:" + name),
			state: Healthy,
		}
	}

	go m.healthLoop()
	go m.leakLoop()
	return m, nil
}

func (m *Manager) connect(ctx context.Context, url, name string, sizing config.PoolSizing) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	pc.MinConns = int32(sizing.Min)
	pc.MaxConns = int32(sizing.Max)
	pc.MaxConnIdleTime = 5 * time.Minute
	pc.HealthCheckPeriod = healthInterval

	// Session parameters applied at connect time for every connection in
	// this pool: identity, statement timeout and workload tuning.
	pc.ConnConfig.RuntimeParams["application_name"] = "authcore-" + name
	pc.ConnConfig.RuntimeParams["statement_timeout"] = fmt.Sprintf("%d", sizing.StatementTimeout.Milliseconds())
	if wm, ok := workMem[name]; ok {
		pc.ConnConfig.RuntimeParams["work_mem"] = wm
	}
	if ecs, ok := effectiveCacheSize[name]; ok {
		pc.ConnConfig.RuntimeParams["effective_cache_size"] = ecs
	}

	return pgxpool.NewWithConfig(ctx, pc)
}

var leaseCounter uint64
var leaseCounterMu sync.Mutex

func nextLeaseID() uint64 {
	leaseCounterMu.Lock()
	defer leaseCounterMu.Unlock()
	leaseCounter++
	return leaseCounter
}

// Acquire leases a connection from the named pool. Fails fast with
// Unavailable while the pool's circuit is open.
func (m *Manager) Acquire(ctx context.Context, name string) (*Conn, error) {
	mp, ok := m.pools[name]
	if !ok {
		return nil, apperr.Internal(fmt.Errorf("unknown pool %q", name))
	}

	gen, err := mp.cb.Allow()
	if err != nil {
		return nil, apperr.Unavailable("pool_circuit_open", err)
	}

	acquireCtx, cancel := context.WithTimeout(ctx, acquireTimeout)
	defer cancel()

	conn, err := mp.pool.Acquire(acquireCtx)
	if err != nil {
		mp.cb.Record(gen, false)
		if acquireCtx.Err() != nil {
			return nil, apperr.Unavailable("pool_acquire_timeout", err)
		}
		return nil, apperr.Unavailable("pool_acquire_failed", err)
	}
	mp.cb.Record(gen, true)

	id := nextLeaseID()
	now := time.Now()
	m.leases.Store(id, &leaseInfo{pool: name, acquired: now})
	return &Conn{Conn: conn, mgr: m, leaseID: id, pool: name, start: now}, nil
}

// Release returns the connection and records the lease duration.
func (c *Conn) Release() {
	held := time.Since(c.start)
	c.mgr.leases.Delete(c.leaseID)
	c.Conn.Release()
	if held > leakThreshold {
		c.mgr.logger.Warn("connection held past leak threshold",
			"pool", c.pool, "held", held.String())
	}
	poolLeaseDuration.WithLabelValues(c.pool).Observe(held.Seconds())
}

// Exec runs a statement on the named pool under the given timeout.
func (m *Manager) Exec(ctx context.Context, name, sql string, timeout time.Duration, args ...any) (pgconn.CommandTag, error) {
	conn, err := m.Acquire(ctx, name)
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	defer conn.Release()

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	tag, err := conn.Exec(opCtx, sql, args...)
	if err != nil {
		return pgconn.CommandTag{}, ClassifyPgError(err, opCtx)
	}
	return tag, nil
}

// QueryRow runs a single-row query on the named pool and scans into dest.
func (m *Manager) QueryRow(ctx context.Context, name, sql string, timeout time.Duration, args []any, dest ...any) error {
	conn, err := m.Acquire(ctx, name)
	if err != nil {
		return err
	}
	defer conn.Release()

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := conn.QueryRow(opCtx, sql, args...).Scan(dest...); err != nil {
		return ClassifyPgError(err, opCtx)
	}
	return nil
}

// EachRow runs a multi-row query on the named pool and invokes fn once per
// row with that row's scan function.
func (m *Manager) EachRow(ctx context.Context, name, sql string, timeout time.Duration, args []any, fn func(scan func(dest ...any) error) error) error {
	conn, err := m.Acquire(ctx, name)
	if err != nil {
		return err
	}
	defer conn.Release()

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	rows, err := conn.Query(opCtx, sql, args...)
	if err != nil {
		return ClassifyPgError(err, opCtx)
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows.Scan); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return ClassifyPgError(err, opCtx)
	}
	return nil
}

// Serializable runs fn inside a SERIALIZABLE transaction on the admin pool,
// retrying once on serialization failure. Reserved for admin rebalances.
func (m *Manager) Serializable(ctx context.Context, fn func(pgx.Tx) error) error {
	for attempt := 0; attempt < 2; attempt++ {
		conn, err := m.Acquire(ctx, Admin)
		if err != nil {
			return err
		}
		tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			conn.Release()
			return ClassifyPgError(err, ctx)
		}
		err = fn(tx)
		if err == nil {
			err = tx.Commit(ctx)
		} else {
			_ = tx.Rollback(ctx)
		}
		conn.Release()
		if err == nil {
			return nil
		}
		if !isSerializationFailure(err) || attempt == 1 {
			return ClassifyPgError(err, ctx)
		}
	}
	return nil
}

// Health returns per-pool health states.
func (m *Manager) Health() map[string]HealthState {
	out := make(map[string]HealthState, len(m.pools))
	for name, mp := range m.pools {
		mp.mu.Lock()
		out[name] = mp.state
		mp.mu.Unlock()
	}
	return out
}

// Snapshot returns metrics for every pool.
func (m *Manager) Snapshot() []Metrics {
	out := make([]Metrics, 0, len(m.pools))
	for name, mp := range m.pools {
		st := mp.pool.Stat()
		mp.mu.Lock()
		state := mp.state
		mp.mu.Unlock()
		util := 0.0
		if st.MaxConns() > 0 {
			util = float64(st.AcquiredConns()) / float64(st.MaxConns())
		}
		out = append(out, Metrics{
			Name:          name,
			State:         state,
			StateName:     state.String(),
			TotalConns:    st.TotalConns(),
			AcquiredConns: st.AcquiredConns(),
			MaxConns:      st.MaxConns(),
			Utilization:   util,
			Breaker:       mp.cb.State().String(),
		})
		poolUtilization.WithLabelValues(name).Set(util)
	}
	return out
}

// Close shuts down all pools and background loops.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	for _, mp := range m.pools {
		mp.pool.Close()
	}
}

func (m *Manager) healthLoop() {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkAll()
		}
	}
}

func (m *Manager) checkAll() {
	for name, mp := range m.pools {
		ctx, cancel := context.WithTimeout(context.Background(), healthPingTimeout)
		var one int
		err := mp.pool.QueryRow(ctx, "SELECT 1").Scan(&one)
		cancel()

		mp.mu.Lock()
		if err == nil {
			if mp.state != Healthy {
				m.logger.Info("pool recovered", "pool", name, "was", mp.state.String())
			}
			mp.state = Healthy
			mp.consecutiveFails = 0
		} else {
			mp.consecutiveFails++
			switch {
			case mp.consecutiveFails >= 6:
				mp.state = Unavailable
			case mp.consecutiveFails >= 3:
				mp.state = Critical
			default:
				mp.state = Degraded
			}
			m.logger.Warn("pool health check failed",
				"pool", name, "state", mp.state.String(),
				"consecutive", mp.consecutiveFails, "error", err)
		}
		mp.mu.Unlock()
	}
}

func (m *Manager) leakLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			m.leases.Range(func(key, value any) bool {
				li := value.(*leaseInfo)
				if !li.warned && now.Sub(li.acquired) > leakThreshold {
					li.warned = true
					m.logger.Warn("possible connection leak",
						"pool", li.pool, "held", now.Sub(li.acquired).String())
				}
				return true
			})
		}
	}
}
