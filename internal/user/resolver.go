// Package user resolves caller identities to user rows: layered
// privileged/delegated lookup, idempotent auto-provisioning, atomic credit
// reads and a logged emergency path for well-known identities.
package user

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/genstudio/authcore/internal/apperr"
	"github.com/genstudio/authcore/internal/cache"
	"github.com/genstudio/authcore/internal/events"
	"github.com/genstudio/authcore/internal/model"
	"github.com/genstudio/authcore/internal/pool"
	"github.com/genstudio/authcore/internal/query"
	"github.com/genstudio/authcore/internal/token"
)

// Store is the slice of the query executor the resolver uses.
type Store interface {
	Do(ctx context.Context, req query.Request, dest any) error
	Pools() *pool.Manager
}

// Resolver implements the layered user fetch.
type Resolver struct {
	store          Store
	cache          *cache.MultiTier
	validator      *token.Validator
	bus            *events.Bus
	logger         *slog.Logger
	defaultCredits int
	emergencyIDs   map[string]bool // layer-4 allow-list
}

// Options configures the resolver.
type Options struct {
	Store          Store
	Cache          *cache.MultiTier
	Validator      *token.Validator
	Bus            *events.Bus
	Logger         *slog.Logger
	DefaultCredits int
	EmergencyIDs   []string
}

// NewResolver builds the resolver.
func NewResolver(opts Options) *Resolver {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DefaultCredits == 0 {
		opts.DefaultCredits = 100
	}
	ids := make(map[string]bool, len(opts.EmergencyIDs))
	for _, id := range opts.EmergencyIDs {
		ids[id] = true
	}
	return &Resolver{
		store:          opts.Store,
		cache:          opts.Cache,
		validator:      opts.Validator,
		bus:            opts.Bus,
		logger:         opts.Logger.With("component", "user"),
		defaultCredits: opts.DefaultCredits,
		emergencyIDs:   ids,
	}
}

// GetUserByID looks up a user: cache, then layer 1 (privileged), then
// layer 2 (delegated with a pre-validated token), then layer 4 (emergency
// direct read for allow-listed identities). Returns NotFound when every
// layer misses.
func (r *Resolver) GetUserByID(ctx context.Context, userID, bearer string) (*model.User, error) {
	key := model.UserKey(userID)
	if r.cache != nil {
		if v, ok := r.cache.L1Cache().Get(key); ok {
			if u, ok := v.(*model.User); ok {
				return u, nil
			}
		}
	}

	u, err := r.fetch(ctx, userID, bearer)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, apperr.NotFound("user " + userID)
	}
	if r.cache != nil {
		r.cache.Set(ctx, key, u, 0, cache.PriorityHigh)
	}
	return u, nil
}

// fetch runs layers 1, 2 and 4; nil means genuinely absent.
func (r *Resolver) fetch(ctx context.Context, userID, bearer string) (*model.User, error) {
	// Layer 1: privileged single-row select.
	u, layer1Err := r.selectByID(ctx, userID, "", true)
	if layer1Err == nil && u != nil {
		return u, nil
	}

	// Layer 2: delegated, only with a token that is still valid. Expired
	// tokens are never placed on a database connection. A clean delegated
	// miss is authoritative: the caller can always see their own row, so
	// absence there means the row does not exist.
	delegatedMiss := false
	if bearer != "" {
		if _, err := r.validator.Validate(bearer, userID); err != nil {
			if layer1Err == nil {
				return nil, apperr.Unauthenticated("token_expired_for_delegated_call", "token failed re-validation before delegated use")
			}
		} else {
			u, err = r.selectByID(ctx, userID, bearer, false)
			if err == nil && u != nil {
				return u, nil
			}
			if err == nil {
				delegatedMiss = true
			}
		}
	}

	// Layer 4: emergency direct read through the admin pool, allow-listed
	// identities only. Logged every time.
	if r.emergencyIDs[userID] {
		u, err := r.emergencyRead(ctx, userID)
		if err == nil && u != nil {
			return u, nil
		}
	}

	if layer1Err != nil && !apperr.IsKind(layer1Err, apperr.KindNotFound) && !delegatedMiss {
		return nil, apperr.Wrap(apperr.KindUnavailable, "user_lookup_failed", layer1Err, "all resolver layers failed")
	}
	return nil, nil
}

func (r *Resolver) selectByID(ctx context.Context, userID, bearer string, privileged bool) (*model.User, error) {
	var rows []model.User
	err := r.store.Do(ctx, query.Request{
		Table:         "users",
		Op:            query.OpSelect,
		Filters:       map[string]string{"id": userID},
		Single:        true,
		UsePrivileged: privileged,
		BearerToken:   bearer,
		Timeout:       query.TimeoutAuthSingleRow,
		CallerTag:     "user.get",
	}, &rows)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *Resolver) emergencyRead(ctx context.Context, userID string) (*model.User, error) {
	r.logger.Warn("emergency direct read", "user_id", userID)
	if r.bus != nil {
		r.bus.Emit(events.TypeEmergencyRead, userID, nil)
	}
	u := &model.User{}
	err := r.store.Pools().QueryRow(ctx, pool.Admin,
		`SELECT id, email, credits_balance, role FROM users WHERE id = $1`,
		query.TimeoutAuthSingleRow,
		[]any{userID},
		&u.ID, &u.Email, &u.CreditsBalance, &u.Role)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// GetUserCredits returns the user's balance, cache-first.
func (r *Resolver) GetUserCredits(ctx context.Context, userID, bearer string) (int, error) {
	key := model.CreditsKey(userID)
	if r.cache != nil {
		if v, ok := r.cache.L1Cache().Get(key); ok {
			if n, ok := v.(int); ok {
				return n, nil
			}
		}
	}
	u, err := r.GetUserByID(ctx, userID, bearer)
	if err != nil {
		return 0, err
	}
	if r.cache != nil {
		r.cache.Set(ctx, key, u.CreditsBalance, time.Minute, cache.PriorityCritical)
	}
	return u.CreditsBalance, nil
}

// EnsureUser is the idempotent auto-provision (layer 3): returns the
// existing row or inserts a fresh one with the default credit grant and
// role=viewer. The insert runs privileged first and falls back to the
// caller's delegated identity while the service credential is demoted.
// Losing a concurrent insert race re-reads the winner's row.
func (r *Resolver) EnsureUser(ctx context.Context, userID, claimedEmail, bearer string) (*model.User, error) {
	existing, err := r.fetch(ctx, userID, bearer)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	email := claimedEmail
	if email == "" {
		email = fmt.Sprintf("%s@users.noreply.local", userID)
	}
	newUser := model.User{
		ID:             userID,
		Email:          email,
		CreditsBalance: r.defaultCredits,
		Role:           model.RoleViewer,
	}

	rows, err := r.insertUser(ctx, newUser, true, "")
	if err != nil && !apperr.IsKind(err, apperr.KindConflict) && bearer != "" {
		if _, verr := r.validator.Validate(bearer, userID); verr == nil {
			rows, err = r.insertUser(ctx, newUser, false, bearer)
		}
	}
	if err != nil {
		if apperr.IsKind(err, apperr.KindConflict) {
			// Lost the race: the winner's row is authoritative.
			winner, rerr := r.fetch(ctx, userID, bearer)
			if rerr == nil && winner != nil {
				return winner, nil
			}
			return nil, apperr.Conflict("auto-provision race lost and re-read failed")
		}
		return nil, apperr.Wrap(apperr.KindUnavailable, "auto_provision_failed", err, "auto-provision failed")
	}
	if len(rows) == 0 {
		return &newUser, nil
	}
	r.logger.Info("auto-provisioned user", "user_id", userID)
	return &rows[0], nil
}

func (r *Resolver) insertUser(ctx context.Context, u model.User, privileged bool, bearer string) ([]model.User, error) {
	var rows []model.User
	err := r.store.Do(ctx, query.Request{
		Table:         "users",
		Op:            query.OpInsert,
		Data:          u,
		UsePrivileged: privileged,
		BearerToken:   bearer,
		Timeout:       query.TimeoutGeneral,
		CallerTag:     "user.provision",
	}, &rows)
	return rows, err
}

// UpdateCredits sets a new balance and refreshes caches. Credit spends go
// through the transaction engine; this is the administrative setter.
func (r *Resolver) UpdateCredits(ctx context.Context, userID string, newBalance int, bearer string) (*model.User, error) {
	if newBalance < 0 {
		return nil, apperr.New(apperr.KindInternal, "negative_balance", "balance must be non-negative")
	}
	var rows []model.User
	err := r.store.Do(ctx, query.Request{
		Table:         "users",
		Op:            query.OpUpdate,
		Filters:       map[string]string{"id": userID},
		Data:          map[string]any{"credits_balance": newBalance},
		UsePrivileged: true,
		BearerToken:   bearer,
		Timeout:       query.TimeoutGeneral,
		CallerTag:     "user.update_credits",
	}, &rows)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, apperr.NotFound("user " + userID)
	}
	r.InvalidateUser(ctx, userID)
	return &rows[0], nil
}

// InvalidateUser drops cached user state and decisions after a mutation.
func (r *Resolver) InvalidateUser(ctx context.Context, userID string) {
	if r.cache == nil {
		return
	}
	r.cache.Delete(ctx, model.UserKey(userID))
	r.cache.Delete(ctx, model.CreditsKey(userID))
	r.cache.InvalidatePattern(ctx, model.UserDecisionPattern(userID))
}
