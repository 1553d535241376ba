// Package query is the unified data-access facade used by the user
// resolver, authorization engine and credit engine. Structured table
// operations ride PostgREST through three Supabase clients (privileged,
// delegated, anonymous); RPC and raw SQL ride the specialized pgx pools.
// No call site picks its own client: selection is owned here.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/supabase-community/postgrest-go"
	supabase "github.com/supabase-community/supabase-go"

	"github.com/genstudio/authcore/internal/apperr"
	"github.com/genstudio/authcore/internal/credgate"
	"github.com/genstudio/authcore/internal/pool"
)

// Op enumerates the supported operations.
type Op int

const (
	OpSelect Op = iota
	OpInsert
	OpUpdate
	OpUpsert
	OpDelete
)

// Timeout taxonomy (outer scheduling scope; the driver timeout is a backstop).
const (
	TimeoutAuthSingleRow = 1 * time.Second
	TimeoutAuthzCheck    = 500 * time.Millisecond
	TimeoutGeneral       = 2 * time.Second
	TimeoutBatch         = 5 * time.Second
	TimeoutAdmin         = 30 * time.Second
)

// Request describes one structured table operation.
type Request struct {
	Table     string
	Op        Op
	Filters   map[string]string // column -> eq value
	Data      any               // insert/update/upsert payload
	OrderBy   string
	Desc      bool
	Limit     int
	Offset    int
	Single    bool

	UsePrivileged bool
	BearerToken   string // delegated mode when set and privileged unavailable
	Timeout       time.Duration
	CallerTag     string // for demotion log throttling
}

// Executor selects clients and runs operations off the hot path.
type Executor struct {
	url        string
	anonKey    string
	serviceKey string

	privileged *supabase.Client
	anonymous  *supabase.Client

	gate   *credgate.Gate
	pools  *pool.Manager
	logger *slog.Logger

	demoteMu      sync.Mutex
	lastDemoteLog map[string]time.Time
}

// New builds the executor and its long-lived privileged/anonymous clients.
func New(url, anonKey, serviceKey string, gate *credgate.Gate, pools *pool.Manager, logger *slog.Logger) (*Executor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	priv, err := supabase.NewClient(url, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create privileged client: %w", err)
	}
	anon, err := supabase.NewClient(url, anonKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create anonymous client: %w", err)
	}
	return &Executor{
		url:           url,
		anonKey:       anonKey,
		serviceKey:    serviceKey,
		privileged:    priv,
		anonymous:     anon,
		gate:          gate,
		pools:         pools,
		logger:        logger.With("component", "query"),
		lastDemoteLog: make(map[string]time.Time),
	}, nil
}

// Do executes the request, scanning result rows into dest (a pointer to a
// slice of the row type). Client selection, in order: privileged when
// requested and the gate allows it; delegated when a bearer token is
// present; anonymous otherwise. A credential rejection on the privileged
// path demotes to delegated within the same call.
func (e *Executor) Do(ctx context.Context, req Request, dest any) error {
	if req.Timeout == 0 {
		req.Timeout = TimeoutGeneral
	}
	if req.Single && req.Limit == 0 {
		req.Limit = 1
	}

	usePriv := req.UsePrivileged && e.gate != nil && e.gate.Mode(ctx) == credgate.Privileged
	if usePriv {
		err := e.run(ctx, e.privileged, req, dest)
		if err == nil {
			return nil
		}
		if credgate.IsCredentialRejection(err) {
			e.gate.ReportPrivilegedFailure(err)
			if req.BearerToken == "" {
				return classifyRESTError(err)
			}
			e.logDemotion(req.CallerTag, err)
			// fall through to delegated
		} else {
			return classifyRESTError(err)
		}
	}

	if req.BearerToken != "" {
		client, err := e.delegatedClient(req.BearerToken)
		if err != nil {
			return apperr.Internal(err)
		}
		if err := e.run(ctx, client, req, dest); err != nil {
			return classifyRESTError(err)
		}
		return nil
	}

	if err := e.run(ctx, e.anonymous, req, dest); err != nil {
		return classifyRESTError(err)
	}
	return nil
}

// delegatedClient builds a per-call client carrying the caller's bearer
// token. The token lives only on this client and is dropped with it.
func (e *Executor) delegatedClient(token string) (*supabase.Client, error) {
	return supabase.NewClient(e.url, e.anonKey, &supabase.ClientOptions{
		Headers: map[string]string{"Authorization": "Bearer " + token},
	})
}

// run executes the PostgREST call in its own goroutine so a slow call never
// holds the caller past the operation timeout.
func (e *Executor) run(ctx context.Context, client *supabase.Client, req Request, dest any) error {
	return offload(ctx, req.Timeout, "query:"+req.Table, func() error {
		fb, err := e.build(client, req)
		if err != nil {
			return err
		}
		_, err = fb.ExecuteTo(dest)
		return err
	})
}

func (e *Executor) build(client *supabase.Client, req Request) (*postgrest.FilterBuilder, error) {
	qb := client.From(req.Table)

	var fb *postgrest.FilterBuilder
	switch req.Op {
	case OpSelect:
		fb = qb.Select("*", "", false)
	case OpInsert:
		fb = qb.Insert(req.Data, false, "", "representation", "")
	case OpUpsert:
		fb = qb.Upsert(req.Data, "", "representation", "")
	case OpUpdate:
		fb = qb.Update(req.Data, "representation", "")
	case OpDelete:
		fb = qb.Delete("representation", "")
	default:
		return nil, fmt.Errorf("unsupported op %d", req.Op)
	}

	for col, val := range req.Filters {
		fb = fb.Eq(col, val)
	}
	if req.OrderBy != "" {
		fb = fb.Order(req.OrderBy, &postgrest.OrderOpts{Ascending: !req.Desc})
	}
	if req.Limit > 0 {
		if req.Offset > 0 {
			fb = fb.Range(req.Offset, req.Offset+req.Limit-1, "")
		} else {
			fb = fb.Limit(req.Limit, "")
		}
	}
	return fb, nil
}

// Probe is the credential-gate probe: a bounded privileged single-row read
// that only succeeds when the service credential is accepted.
func (e *Executor) Probe(ctx context.Context) error {
	var rows []map[string]any
	return offload(ctx, 3*time.Second, "probe", func() error {
		_, err := e.privileged.From("users").Select("id", "", false).Limit(1, "").ExecuteTo(&rows)
		return err
	})
}

// Pools exposes the pool manager for RPC and raw-SQL paths (credit deducts,
// emergency reads).
func (e *Executor) Pools() *pool.Manager { return e.pools }

func (e *Executor) logDemotion(callerTag string, err error) {
	if callerTag == "" {
		callerTag = "unknown"
	}
	e.demoteMu.Lock()
	defer e.demoteMu.Unlock()
	if last, ok := e.lastDemoteLog[callerTag]; ok && time.Since(last) < 5*time.Second {
		return
	}
	e.lastDemoteLog[callerTag] = time.Now()
	e.logger.Warn("privileged call demoted to delegated", "caller", callerTag, "error", err)
}

// offload runs the blocking fn in its own goroutine and enforces the
// timeout on the scheduling scope, not just inside the driver.
func offload(ctx context.Context, timeout time.Duration, op string, fn func() error) error {
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-opCtx.Done():
		if ctx.Err() != nil {
			return apperr.DeadlineExceeded(op)
		}
		return apperr.New(apperr.KindDeadlineExceeded, "database_timeout",
			fmt.Sprintf("%s exceeded %s", op, timeout))
	}
}

// classifyRESTError re-tags PostgREST failures into the core taxonomy.
func classifyRESTError(err error) error {
	if err == nil {
		return nil
	}
	if apperr.KindOf(err) != apperr.KindInternal {
		return err // already classified upstream
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "duplicate key"), strings.Contains(msg, "23505"):
		return apperr.Wrap(apperr.KindConflict, "unique_violation", err, "unique violation")
	case strings.Contains(msg, "foreign key"), strings.Contains(msg, "23503"):
		return apperr.Wrap(apperr.KindConflict, "foreign_key_violation", err, "foreign key violation")
	case strings.Contains(msg, "row-level security"), strings.Contains(msg, "42501"):
		return apperr.Wrap(apperr.KindForbidden, "row_level_policy_denied", err, "row level policy refused the query")
	case strings.Contains(msg, "invalid api key"), strings.Contains(msg, "jwt"):
		return apperr.Wrap(apperr.KindUnauthenticated, "credential_rejected", err, "credential rejected")
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return apperr.Wrap(apperr.KindDeadlineExceeded, "database_timeout", err, "query timed out")
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"):
		return apperr.Unavailable("database_unreachable", err)
	}
	return apperr.Unavailable("query_error", err)
}
