package credits

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genstudio/authcore/internal/apperr"
	"github.com/genstudio/authcore/internal/cache"
	"github.com/genstudio/authcore/internal/events"
	"github.com/genstudio/authcore/internal/model"
	"github.com/genstudio/authcore/internal/pool"
	"github.com/genstudio/authcore/internal/query"
	"github.com/genstudio/authcore/internal/token"
	"github.com/genstudio/authcore/internal/user"
)

// fakeBackend simulates the users table, the ledger and the write pool in
// memory. Deducts apply the same conditional-update semantics as the real
// SQL statement.
type fakeBackend struct {
	mu              sync.Mutex
	balances        map[string]int
	ledger          []model.CreditLedgerEntry
	ledgerInsertErr error
	transientFails  int // QueryRow failures injected before success
	deductCalls     int
}

func newFakeBackend(balances map[string]int) *fakeBackend {
	return &fakeBackend{balances: balances}
}

func (f *fakeBackend) Do(ctx context.Context, req query.Request, dest any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch req.Table {
	case "users":
		if req.Op == query.OpSelect {
			rows := dest.(*[]model.User)
			if bal, ok := f.balances[req.Filters["id"]]; ok {
				*rows = []model.User{{ID: req.Filters["id"], CreditsBalance: bal, Role: model.RoleUser}}
			}
		}
	case "credit_ledger":
		switch req.Op {
		case query.OpInsert:
			if f.ledgerInsertErr != nil {
				return f.ledgerInsertErr
			}
			f.ledger = append(f.ledger, req.Data.(model.CreditLedgerEntry))
		case query.OpSelect:
			rows := dest.(*[]model.CreditLedgerEntry)
			for _, e := range f.ledger {
				if e.UserID == req.Filters["user_id"] && e.IdempotencyKey == req.Filters["idempotency_key"] {
					*rows = append(*rows, e)
				}
			}
		}
	}
	return nil
}

func (f *fakeBackend) Pools() *pool.Manager { return nil }

func (f *fakeBackend) QueryRow(ctx context.Context, name, sql string, timeout time.Duration, args []any, dest ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.transientFails > 0 {
		f.transientFails--
		return apperr.Unavailable("serialization_failure", nil)
	}

	userID := args[0].(string)
	bal, exists := f.balances[userID]

	switch {
	case strings.Contains(sql, "credits_balance - "):
		f.deductCalls++
		amount := args[1].(int)
		if !exists || bal < amount {
			// The conditional update matched zero rows.
			return apperr.NotFound("row")
		}
		f.balances[userID] = bal - amount
		*dest[0].(*int) = f.balances[userID]
	case strings.Contains(sql, "credits_balance + "):
		if !exists {
			return apperr.NotFound("row")
		}
		f.balances[userID] = bal + args[1].(int)
		*dest[0].(*int) = f.balances[userID]
	case strings.Contains(sql, "SELECT credits_balance"):
		if !exists {
			return apperr.NotFound("row")
		}
		*dest[0].(*int) = bal
	}
	return nil
}

func (f *fakeBackend) EachRow(ctx context.Context, name, sql string, timeout time.Duration, args []any, fn func(scan func(dest ...any) error) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	userID := args[0].(string)
	since := args[1].(time.Time)
	counts := make(map[string]int)
	totals := make(map[string]int)
	var kinds []string
	for _, e := range f.ledger {
		if e.UserID != userID || e.CreatedAt.Before(since) {
			continue
		}
		kind := string(e.Kind)
		if _, seen := counts[kind]; !seen {
			kinds = append(kinds, kind)
		}
		counts[kind]++
		totals[kind] += e.Amount
	}
	for _, kind := range kinds {
		k, c, total := kind, counts[kind], totals[kind]
		err := fn(func(dest ...any) error {
			*dest[0].(*string) = k
			*dest[1].(*int) = c
			*dest[2].(*int) = total
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func newTestEngine(backend *fakeBackend, bus *events.Bus) *Engine {
	tiers := cache.NewMultiTier(cache.NewL1(100, time.Minute), nil, time.Minute, time.Minute, nil)
	validator := token.NewValidator(token.Config{AllowMockTokens: true}, token.NewKeyRing("secret", nil))
	resolver := user.NewResolver(user.Options{
		Store:     backend,
		Cache:     tiers,
		Validator: validator,
	})
	return NewEngine(Options{
		Store:     backend,
		DB:        backend,
		Resolver:  resolver,
		Validator: validator,
		Bus:       bus,
	})
}

func TestSpendDeductsAndAppendsLedger(t *testing.T) {
	backend := newFakeBackend(map[string]int{"u1": 100})
	e := newTestEngine(backend, nil)

	res, err := e.Spend(context.Background(), Request{UserID: "u1", Amount: 30, GenerationID: "g1"})
	require.NoError(t, err)
	assert.Equal(t, 70, res.BalanceAfter)
	assert.Equal(t, 70, backend.balances["u1"])

	require.Len(t, backend.ledger, 1)
	entry := backend.ledger[0]
	assert.Equal(t, -30, entry.Amount, "usage entries carry negative amounts")
	assert.Equal(t, model.KindUsage, entry.Kind)
	assert.Equal(t, 70, entry.BalanceAfter)
	assert.Equal(t, "g1", entry.GenerationID)
	assert.NotEmpty(t, entry.ID)
}

func TestSpendZeroIsNoOp(t *testing.T) {
	backend := newFakeBackend(map[string]int{"u1": 100})
	e := newTestEngine(backend, nil)

	res, err := e.Spend(context.Background(), Request{UserID: "u1", Amount: 0})
	require.NoError(t, err)
	assert.Equal(t, 100, res.BalanceAfter)
	assert.Equal(t, 100, backend.balances["u1"])
	assert.Empty(t, backend.ledger, "zero spends never reach the ledger")
	assert.Equal(t, 0, backend.deductCalls)
}

func TestSpendNegativeRejected(t *testing.T) {
	e := newTestEngine(newFakeBackend(map[string]int{"u1": 100}), nil)
	_, err := e.Spend(context.Background(), Request{UserID: "u1", Amount: -5})
	require.Error(t, err)
}

func TestSpendInsufficientCredits(t *testing.T) {
	backend := newFakeBackend(map[string]int{"u1": 20})
	e := newTestEngine(backend, nil)

	_, err := e.Spend(context.Background(), Request{UserID: "u1", Amount: 50})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInsufficientCredits, apperr.KindOf(err))

	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 50, appErr.Required)
	assert.Equal(t, 20, appErr.Available)
	assert.Equal(t, 20, backend.balances["u1"], "a failed spend must not move the balance")
}

func TestSpendUnknownUser(t *testing.T) {
	e := newTestEngine(newFakeBackend(map[string]int{}), nil)
	_, err := e.Spend(context.Background(), Request{UserID: "ghost", Amount: 5})
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestConcurrentSpendsNeverOverdraw(t *testing.T) {
	backend := newFakeBackend(map[string]int{"u1": 50})
	e := newTestEngine(backend, nil)

	var wg sync.WaitGroup
	var succeeded, insufficient sync.Map
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.Spend(context.Background(), Request{UserID: "u1", Amount: 10})
			if err == nil {
				succeeded.Store(i, true)
			} else if apperr.KindOf(err) == apperr.KindInsufficientCredits {
				insufficient.Store(i, true)
			}
		}(i)
	}
	wg.Wait()

	wins, losses := 0, 0
	succeeded.Range(func(_, _ any) bool { wins++; return true })
	insufficient.Range(func(_, _ any) bool { losses++; return true })

	assert.Equal(t, 5, wins, "exactly 50/10 spends may win")
	assert.Equal(t, 5, losses)
	assert.Equal(t, 0, backend.balances["u1"])
}

func TestSpendRetriesTransientFailures(t *testing.T) {
	backend := newFakeBackend(map[string]int{"u1": 100})
	backend.transientFails = 2
	e := newTestEngine(backend, nil)

	res, err := e.Spend(context.Background(), Request{UserID: "u1", Amount: 10})
	require.NoError(t, err, "two transient failures fit inside the retry budget")
	assert.Equal(t, 90, res.BalanceAfter)
}

func TestSpendGivesUpAfterRetryBudget(t *testing.T) {
	backend := newFakeBackend(map[string]int{"u1": 100})
	backend.transientFails = 10
	e := newTestEngine(backend, nil)

	_, err := e.Spend(context.Background(), Request{UserID: "u1", Amount: 10})
	require.Error(t, err)
	assert.Equal(t, 100, backend.balances["u1"])
}

func TestLedgerFailureDoesNotRollBackSpend(t *testing.T) {
	bus := events.NewBus()
	ch := bus.Subscribe(events.TypeLedgerReconcile)

	backend := newFakeBackend(map[string]int{"u1": 100})
	backend.ledgerInsertErr = apperr.Unavailable("database_error", nil)
	e := newTestEngine(backend, bus)

	res, err := e.Spend(context.Background(), Request{UserID: "u1", Amount: 25})
	require.NoError(t, err, "the balance is authoritative; the ledger catches up")
	assert.Equal(t, 75, res.BalanceAfter)
	assert.Equal(t, 75, backend.balances["u1"])

	select {
	case ev := <-ch:
		assert.Equal(t, "u1", ev.Subject)
	case <-time.After(time.Second):
		t.Fatal("expected reconciliation event")
	}
}

func TestIdempotentReplay(t *testing.T) {
	backend := newFakeBackend(map[string]int{"u1": 100})
	e := newTestEngine(backend, nil)
	ctx := context.Background()

	first, err := e.Spend(ctx, Request{UserID: "u1", Amount: 10, IdempotencyKey: "req-1"})
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := e.Spend(ctx, Request{UserID: "u1", Amount: 10, IdempotencyKey: "req-1"})
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.BalanceAfter, second.BalanceAfter)
	assert.Equal(t, 90, backend.balances["u1"], "the replay must not deduct again")
	assert.Len(t, backend.ledger, 1)
}

func TestGrantAddsCredits(t *testing.T) {
	backend := newFakeBackend(map[string]int{"u1": 10})
	e := newTestEngine(backend, nil)

	res, err := e.Grant(context.Background(), Request{UserID: "u1", Amount: 40, Kind: model.KindPurchase})
	require.NoError(t, err)
	assert.Equal(t, 50, res.BalanceAfter)

	require.Len(t, backend.ledger, 1)
	assert.Equal(t, 40, backend.ledger[0].Amount, "grants carry positive amounts")
	assert.Equal(t, model.KindPurchase, backend.ledger[0].Kind)
}

func TestGrantRejectsNonPositive(t *testing.T) {
	e := newTestEngine(newFakeBackend(map[string]int{"u1": 10}), nil)
	_, err := e.Grant(context.Background(), Request{UserID: "u1", Amount: 0})
	require.Error(t, err)
	_, err = e.Grant(context.Background(), Request{UserID: "u1", Amount: -5})
	require.Error(t, err)
}

func TestValidateChecksBalance(t *testing.T) {
	e := newTestEngine(newFakeBackend(map[string]int{"u1": 30}), nil)
	ctx := context.Background()

	require.NoError(t, e.Validate(ctx, "u1", 30, ""))
	require.NoError(t, e.Validate(ctx, "u1", 0, ""))

	err := e.Validate(ctx, "u1", 31, "")
	require.Error(t, err)
	assert.Equal(t, apperr.KindInsufficientCredits, apperr.KindOf(err))
}

func TestBatchDeductPerEntryOutcomes(t *testing.T) {
	backend := newFakeBackend(map[string]int{"u1": 25, "u2": 5})
	e := newTestEngine(backend, nil)

	outcomes := e.BatchDeduct(context.Background(), []Request{
		{UserID: "u1", Amount: 10},
		{UserID: "u2", Amount: 10}, // insufficient
		{UserID: "u1", Amount: 10},
	})
	require.Len(t, outcomes, 3)
	assert.NoError(t, outcomes[0].Err)
	assert.Error(t, outcomes[1].Err)
	assert.NoError(t, outcomes[2].Err, "a failing entry must not block the rest")
	assert.Equal(t, 5, backend.balances["u1"])
	assert.Equal(t, 5, backend.balances["u2"])
}

func TestUsageAnalyticsAggregatesByKind(t *testing.T) {
	backend := newFakeBackend(map[string]int{"u1": 200})
	e := newTestEngine(backend, nil)
	ctx := context.Background()

	_, err := e.Spend(ctx, Request{UserID: "u1", Amount: 30})
	require.NoError(t, err)
	_, err = e.Spend(ctx, Request{UserID: "u1", Amount: 20})
	require.NoError(t, err)
	_, err = e.Grant(ctx, Request{UserID: "u1", Amount: 50, Kind: model.KindPurchase})
	require.NoError(t, err)

	summary, err := e.UsageAnalytics(ctx, "u1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Entries)
	assert.Equal(t, 2, summary.ByKind[string(model.KindUsage)])
	assert.Equal(t, -50, summary.Amounts[string(model.KindUsage)])
	assert.Equal(t, 1, summary.ByKind[string(model.KindPurchase)])
	assert.Equal(t, 50, summary.Amounts[string(model.KindPurchase)])
}

func TestUsageAnalyticsWindowExcludesOldEntries(t *testing.T) {
	backend := newFakeBackend(map[string]int{"u1": 100})
	e := newTestEngine(backend, nil)
	ctx := context.Background()

	_, err := e.Spend(ctx, Request{UserID: "u1", Amount: 10})
	require.NoError(t, err)

	summary, err := e.UsageAnalytics(ctx, "u1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Entries)
	assert.Empty(t, summary.ByKind)
}

func TestSpendRejectsBadToken(t *testing.T) {
	backend := newFakeBackend(map[string]int{"u1": 100})
	e := newTestEngine(backend, nil)

	_, err := e.Spend(context.Background(), Request{UserID: "u1", Amount: 10, BearerToken: "garbage"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))
	assert.Equal(t, 100, backend.balances["u1"])
}
