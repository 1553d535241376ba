// Package credits implements the credit transaction engine: atomic
// conditional deducts on the write pool, append-only ledger entries,
// idempotent replay, and a reconciliation queue for ledger writes that
// fail after a deduct has committed.
package credits

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/genstudio/authcore/internal/apperr"
	"github.com/genstudio/authcore/internal/cache"
	"github.com/genstudio/authcore/internal/events"
	"github.com/genstudio/authcore/internal/model"
	"github.com/genstudio/authcore/internal/pool"
	"github.com/genstudio/authcore/internal/query"
	"github.com/genstudio/authcore/internal/token"
	"github.com/genstudio/authcore/internal/user"
)

// ReconcileQueueKey is the Redis list holding ledger entries whose write
// failed after the balance change committed.
const ReconcileQueueKey = "authcore:reconcile"

const (
	retryMaxTries     = 3
	retryBaseInterval = 100 * time.Millisecond
	retryMaxInterval  = 2 * time.Second
)

// Store is the slice of the query executor the engine uses.
type Store interface {
	Do(ctx context.Context, req query.Request, dest any) error
}

// DB is the slice of the pool manager the engine uses for atomic balance
// statements and analytics scans.
type DB interface {
	QueryRow(ctx context.Context, name, sql string, timeout time.Duration, args []any, dest ...any) error
	EachRow(ctx context.Context, name, sql string, timeout time.Duration, args []any, fn func(scan func(dest ...any) error) error) error
}

// Request describes one balance change. Amount is always positive; the
// direction comes from the operation called.
type Request struct {
	UserID         string
	Amount         int
	Kind           model.LedgerKind
	GenerationID   string
	Description    string
	IdempotencyKey string
	BearerToken    string
}

// Result reports the outcome of a balance change.
type Result struct {
	UserID       string `json:"user_id"`
	Amount       int    `json:"amount"`
	BalanceAfter int    `json:"balance_after"`
	LedgerID     string `json:"ledger_id,omitempty"`
	Replayed     bool   `json:"replayed,omitempty"`
}

// BatchOutcome is one entry of a batch deduct.
type BatchOutcome struct {
	UserID string  `json:"user_id"`
	Result *Result `json:"result,omitempty"`
	Err    error   `json:"-"`
}

// UsageSummary aggregates ledger activity for one user.
type UsageSummary struct {
	UserID  string         `json:"user_id"`
	Since   time.Time      `json:"since"`
	ByKind  map[string]int `json:"by_kind"` // entry counts
	Amounts map[string]int `json:"amounts"` // summed amounts
	Entries int            `json:"entries"`
}

// Engine runs credit transactions.
type Engine struct {
	store     Store
	db        DB
	resolver  *user.Resolver
	queue     *cache.L2
	validator *token.Validator
	bus       *events.Bus
	logger    *slog.Logger
}

// Options configures the engine.
type Options struct {
	Store     Store
	DB        DB
	Resolver  *user.Resolver
	Queue     *cache.L2
	Validator *token.Validator
	Bus       *events.Bus
	Logger    *slog.Logger
}

// NewEngine builds the engine.
func NewEngine(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		store:     opts.Store,
		db:        opts.DB,
		resolver:  opts.Resolver,
		queue:     opts.Queue,
		validator: opts.Validator,
		bus:       opts.Bus,
		logger:    opts.Logger.With("component", "credits"),
	}
}

// Validate checks the user's balance covers required without mutating it.
func (e *Engine) Validate(ctx context.Context, userID string, required int, bearer string) error {
	if required <= 0 {
		return nil
	}
	balance, err := e.resolver.GetUserCredits(ctx, userID, bearer)
	if err != nil {
		return err
	}
	if balance < required {
		return apperr.InsufficientCredits(required, balance)
	}
	return nil
}

// Spend atomically deducts req.Amount from the user's balance and appends a
// usage ledger entry. A zero amount is a no-op. When an idempotency key is
// supplied and a matching ledger entry already exists, the prior outcome is
// replayed without touching the balance.
func (e *Engine) Spend(ctx context.Context, req Request) (*Result, error) {
	if req.Amount < 0 {
		return nil, apperr.New(apperr.KindInternal, "negative_amount", "spend amount must be non-negative")
	}
	if req.Amount == 0 {
		balance, err := e.resolver.GetUserCredits(ctx, req.UserID, req.BearerToken)
		if err != nil {
			return nil, err
		}
		return &Result{UserID: req.UserID, BalanceAfter: balance}, nil
	}
	if err := e.precheckToken(req); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		if prior, err := e.findReplay(ctx, req); err == nil && prior != nil {
			return prior, nil
		}
	}

	balanceAfter, err := e.deduct(ctx, req.UserID, req.Amount)
	if err != nil {
		return nil, err
	}

	if req.Kind == "" {
		req.Kind = model.KindUsage
	}
	entry := e.ledgerEntry(req, -req.Amount, balanceAfter)
	e.appendLedger(ctx, entry)

	e.resolver.InvalidateUser(ctx, req.UserID)
	return &Result{UserID: req.UserID, Amount: req.Amount, BalanceAfter: balanceAfter, LedgerID: entry.ID}, nil
}

// Grant adds credits (purchase, bonus, referral, refund) and appends the
// matching ledger entry.
func (e *Engine) Grant(ctx context.Context, req Request) (*Result, error) {
	if req.Amount <= 0 {
		return nil, apperr.New(apperr.KindInternal, "non_positive_amount", "grant amount must be positive")
	}
	if err := e.precheckToken(req); err != nil {
		return nil, err
	}
	if req.IdempotencyKey != "" {
		if prior, err := e.findReplay(ctx, req); err == nil && prior != nil {
			return prior, nil
		}
	}

	op := func() (int, error) {
		var after int
		err := e.db.QueryRow(ctx, pool.Write,
			`UPDATE users SET credits_balance = credits_balance + $2, updated_at = now()
			 WHERE id = $1
			 RETURNING credits_balance`,
			query.TimeoutGeneral, []any{req.UserID, req.Amount}, &after)
		if err != nil {
			if apperr.IsKind(err, apperr.KindNotFound) {
				return 0, backoff.Permanent(apperr.NotFound("user " + req.UserID))
			}
			if !pool.IsTransient(err) && !apperr.IsKind(err, apperr.KindUnavailable) {
				return 0, backoff.Permanent(err)
			}
			return 0, err
		}
		return after, nil
	}
	balanceAfter, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(e.newBackOff()), backoff.WithMaxTries(retryMaxTries))
	if err != nil {
		return nil, err
	}

	if req.Kind == "" {
		req.Kind = model.KindBonus
	}
	entry := e.ledgerEntry(req, req.Amount, balanceAfter)
	e.appendLedger(ctx, entry)

	e.resolver.InvalidateUser(ctx, req.UserID)
	return &Result{UserID: req.UserID, Amount: req.Amount, BalanceAfter: balanceAfter, LedgerID: entry.ID}, nil
}

// BatchDeduct runs deducts sequentially, one outcome per request. A failed
// deduct never blocks the rest of the batch.
func (e *Engine) BatchDeduct(ctx context.Context, reqs []Request) []BatchOutcome {
	outcomes := make([]BatchOutcome, 0, len(reqs))
	for _, req := range reqs {
		if ctx.Err() != nil {
			outcomes = append(outcomes, BatchOutcome{UserID: req.UserID, Err: apperr.DeadlineExceeded("batch_deduct")})
			continue
		}
		res, err := e.Spend(ctx, req)
		outcomes = append(outcomes, BatchOutcome{UserID: req.UserID, Result: res, Err: err})
	}
	return outcomes
}

// UsageAnalytics aggregates a user's ledger since the given time on the
// analytics pool.
func (e *Engine) UsageAnalytics(ctx context.Context, userID string, since time.Time) (*UsageSummary, error) {
	summary := &UsageSummary{
		UserID:  userID,
		Since:   since,
		ByKind:  make(map[string]int),
		Amounts: make(map[string]int),
	}
	err := e.db.EachRow(ctx, pool.Analytics,
		`SELECT kind, count(*), coalesce(sum(amount), 0)
		 FROM credit_ledger
		 WHERE user_id = $1 AND created_at >= $2
		 GROUP BY kind`,
		query.TimeoutBatch, []any{userID, since},
		func(scan func(dest ...any) error) error {
			var kind string
			var count, total int
			if err := scan(&kind, &count, &total); err != nil {
				return err
			}
			summary.ByKind[kind] = count
			summary.Amounts[kind] = total
			summary.Entries += count
			return nil
		})
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// deduct performs the atomic conditional decrement. The condition inside
// the UPDATE is the only concurrency control: a race loser simply matches
// zero rows.
func (e *Engine) deduct(ctx context.Context, userID string, amount int) (int, error) {
	op := func() (int, error) {
		var after int
		err := e.db.QueryRow(ctx, pool.Write,
			`UPDATE users SET credits_balance = credits_balance - $2, updated_at = now()
			 WHERE id = $1 AND credits_balance >= $2
			 RETURNING credits_balance`,
			query.TimeoutGeneral, []any{userID, amount}, &after)
		if err == nil {
			return after, nil
		}
		if apperr.IsKind(err, apperr.KindNotFound) {
			// Either the user is gone or the balance condition failed;
			// disambiguate with a read and stop retrying.
			return 0, backoff.Permanent(e.insufficientOrMissing(ctx, userID, amount))
		}
		if !pool.IsTransient(err) && !apperr.IsKind(err, apperr.KindUnavailable) {
			return 0, backoff.Permanent(err)
		}
		return 0, err
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(e.newBackOff()), backoff.WithMaxTries(retryMaxTries))
}

func (e *Engine) insufficientOrMissing(ctx context.Context, userID string, required int) error {
	var balance int
	err := e.db.QueryRow(ctx, pool.Read,
		`SELECT credits_balance FROM users WHERE id = $1`,
		query.TimeoutAuthSingleRow, []any{userID}, &balance)
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return apperr.NotFound("user " + userID)
		}
		return err
	}
	return apperr.InsufficientCredits(required, balance)
}

// appendLedger writes the entry after the balance change has committed. A
// failure here is queued for reconciliation, never rolled back: the balance
// is authoritative and the ledger catches up.
func (e *Engine) appendLedger(ctx context.Context, entry model.CreditLedgerEntry) {
	err := e.store.Do(ctx, query.Request{
		Table:         "credit_ledger",
		Op:            query.OpInsert,
		Data:          entry,
		UsePrivileged: true,
		Timeout:       query.TimeoutGeneral,
		CallerTag:     "credits.ledger",
	}, nil)
	if err == nil {
		return
	}

	e.logger.Warn("ledger append failed, queueing for reconciliation",
		"user_id", entry.UserID, "ledger_id", entry.ID, "error", err)
	if e.queue != nil {
		if qerr := e.queue.Push(ctx, ReconcileQueueKey, entry); qerr != nil {
			e.logger.Error("reconciliation enqueue failed, entry lost to logs",
				"user_id", entry.UserID, "ledger_id", entry.ID, "entry", fmt.Sprintf("%+v", entry))
		}
	}
	if e.bus != nil {
		e.bus.Emit(events.TypeLedgerReconcile, entry.UserID, map[string]any{
			"ledger_id": entry.ID,
			"amount":    entry.Amount,
		})
	}
}

// findReplay looks up a prior ledger entry with the same idempotency key.
func (e *Engine) findReplay(ctx context.Context, req Request) (*Result, error) {
	var rows []model.CreditLedgerEntry
	err := e.store.Do(ctx, query.Request{
		Table:         "credit_ledger",
		Op:            query.OpSelect,
		Filters:       map[string]string{"user_id": req.UserID, "idempotency_key": req.IdempotencyKey},
		Single:        true,
		UsePrivileged: true,
		Timeout:       query.TimeoutAuthSingleRow,
		CallerTag:     "credits.replay",
	}, &rows)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	prior := rows[0]
	amount := prior.Amount
	if amount < 0 {
		amount = -amount
	}
	return &Result{
		UserID:       prior.UserID,
		Amount:       amount,
		BalanceAfter: prior.BalanceAfter,
		LedgerID:     prior.ID,
		Replayed:     true,
	}, nil
}

func (e *Engine) precheckToken(req Request) error {
	if req.BearerToken == "" || e.validator == nil {
		return nil
	}
	_, err := e.validator.Validate(req.BearerToken, req.UserID)
	return err
}

func (e *Engine) ledgerEntry(req Request, signedAmount, balanceAfter int) model.CreditLedgerEntry {
	return model.CreditLedgerEntry{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		Amount:         signedAmount,
		Kind:           req.Kind,
		BalanceAfter:   balanceAfter,
		GenerationID:   req.GenerationID,
		Description:    req.Description,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}
}

func (e *Engine) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryBaseInterval
	b.MaxInterval = retryMaxInterval
	return b
}
