package user

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
	"github.com/genstudio/authcore/internal/model"
	"github.com/genstudio/authcore/internal/pool"
	"github.com/genstudio/authcore/internal/query"
	"github.com/genstudio/authcore/internal/token"
)

// fakeStore is an in-memory stand-in for the query executor.
type fakeStore struct {
	mu            sync.Mutex
	users         map[string]model.User
	selectErr     error
	privilegedErr error // fails privileged requests only, as a demoted credential would
	insertRaces   bool  // first insert loses to a concurrent winner
	inserts       int
	selects       int
}

func newFakeStore(seed ...model.User) *fakeStore {
	s := &fakeStore{users: make(map[string]model.User)}
	for _, u := range seed {
		s.users[u.ID] = u
	}
	return s
}

func (s *fakeStore) Do(ctx context.Context, req query.Request, dest any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.privilegedErr != nil && req.UsePrivileged {
		return s.privilegedErr
	}

	switch req.Op {
	case query.OpSelect:
		s.selects++
		if s.selectErr != nil {
			return s.selectErr
		}
		rows := dest.(*[]model.User)
		if u, ok := s.users[req.Filters["id"]]; ok {
			*rows = []model.User{u}
		}
		return nil

	case query.OpInsert:
		s.inserts++
		u := req.Data.(model.User)
		if s.insertRaces {
			s.insertRaces = false
			// The concurrent winner's row lands first.
			winner := u
			winner.Email = "winner@users.noreply.local"
			s.users[u.ID] = winner
			return apperr.Conflict("duplicate key value violates unique constraint")
		}
		if _, exists := s.users[u.ID]; exists {
			return apperr.Conflict("duplicate key value violates unique constraint")
		}
		s.users[u.ID] = u
		if rows, ok := dest.(*[]model.User); ok && rows != nil {
			*rows = []model.User{u}
		}
		return nil

	case query.OpUpdate:
		u, ok := s.users[req.Filters["id"]]
		if !ok {
			return nil
		}
		patch := req.Data.(map[string]any)
		if v, ok := patch["credits_balance"].(int); ok {
			u.CreditsBalance = v
		}
		s.users[u.ID] = u
		if rows, ok := dest.(*[]model.User); ok && rows != nil {
			*rows = []model.User{u}
		}
		return nil
	}
	return nil
}

func (s *fakeStore) Pools() *pool.Manager { return nil }

func newTestResolver(t *testing.T, store Store) *Resolver {
	t.Helper()
	tiers := cache.NewMultiTier(cache.NewL1(100, time.Minute), nil, time.Minute, time.Minute, nil)
	validator := token.NewValidator(token.Config{AllowMockTokens: true}, token.NewKeyRing("secret", nil))
	return NewResolver(Options{
		Store:          store,
		Cache:          tiers,
		Validator:      validator,
		DefaultCredits: 100,
	})
}

func TestGetUserByIDPrivileged(t *testing.T) {
	store := newFakeStore(model.User{ID: "u1", Email: "a@b.c", CreditsBalance: 50, Role: model.RoleUser})
	r := newTestResolver(t, store)

	u, err := r.GetUserByID(context.Background(), "u1", "")
	require.NoError(t, err)
	assert.Equal(t, "a@b.c", u.Email)
	assert.Equal(t, 50, u.CreditsBalance)
}

func TestGetUserByIDCachesResult(t *testing.T) {
	store := newFakeStore(model.User{ID: "u1", Role: model.RoleUser})
	r := newTestResolver(t, store)
	ctx := context.Background()

	_, err := r.GetUserByID(ctx, "u1", "")
	require.NoError(t, err)
	_, err = r.GetUserByID(ctx, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, 1, store.selects, "second read must come from cache")
}

func TestGetUserByIDNotFound(t *testing.T) {
	r := newTestResolver(t, newFakeStore())

	_, err := r.GetUserByID(context.Background(), "ghost", "")
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestInvalidTokenNeverReachesDelegatedLayer(t *testing.T) {
	store := newFakeStore()
	r := newTestResolver(t, store)

	// Dev tokens are allowed, so pick a shape the validator rejects outright.
	_, err := r.GetUserByID(context.Background(), "u1", "not-a-recognized-token")
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))
	assert.Equal(t, 1, store.selects, "only the privileged layer may query")
}

func TestEnsureUserReturnsExisting(t *testing.T) {
	store := newFakeStore(model.User{ID: "u1", Email: "kept@b.c", CreditsBalance: 7})
	r := newTestResolver(t, store)

	u, err := r.EnsureUser(context.Background(), "u1", "", "")
	require.NoError(t, err)
	assert.Equal(t, "kept@b.c", u.Email)
	assert.Equal(t, 0, store.inserts)
}

func TestEnsureUserProvisionsDefaults(t *testing.T) {
	store := newFakeStore()
	r := newTestResolver(t, store)

	u, err := r.EnsureUser(context.Background(), "2d1f0a9b-3c4e-5f60-7a8b-9c0d1e2f3a4b", "", "")
	require.NoError(t, err)
	assert.Equal(t, model.RoleViewer, u.Role)
	assert.Equal(t, 100, u.CreditsBalance)
	assert.True(t, strings.HasSuffix(u.Email, "@users.noreply.local"), "synthetic email expected, got %q", u.Email)
}

func TestEnsureUserLosingRaceReadsWinner(t *testing.T) {
	store := newFakeStore()
	store.insertRaces = true
	r := newTestResolver(t, store)

	u, err := r.EnsureUser(context.Background(), "u1", "", "")
	require.NoError(t, err)
	assert.Equal(t, "winner@users.noreply.local", u.Email, "the loser must adopt the winner's row")
	assert.Equal(t, 1, store.inserts)
}

func TestGetUserByIDDelegatedServesDemotedCredential(t *testing.T) {
	store := newFakeStore(model.User{ID: "u1", Email: "a@b.c", CreditsBalance: 50})
	store.privilegedErr = apperr.Unauthenticated("invalid_service_credential", "invalid api key")
	r := newTestResolver(t, store)

	u, err := r.GetUserByID(context.Background(), "u1", "mock_token_u1")
	require.NoError(t, err)
	assert.Equal(t, "a@b.c", u.Email)
}

func TestEnsureUserDelegatedServesDemotedCredential(t *testing.T) {
	store := newFakeStore(model.User{ID: "u1", Email: "kept@b.c"})
	store.privilegedErr = apperr.Unauthenticated("invalid_service_credential", "invalid api key")
	r := newTestResolver(t, store)

	u, err := r.EnsureUser(context.Background(), "u1", "", "mock_token_u1")
	require.NoError(t, err)
	assert.Equal(t, "kept@b.c", u.Email)
	assert.Equal(t, 0, store.inserts)
}

func TestEnsureUserProvisionFallsBackToDelegated(t *testing.T) {
	store := newFakeStore()
	store.privilegedErr = apperr.Unauthenticated("invalid_service_credential", "invalid api key")
	r := newTestResolver(t, store)

	u, err := r.EnsureUser(context.Background(), "u1", "", "mock_token_u1")
	require.NoError(t, err)
	assert.Equal(t, model.RoleViewer, u.Role)
	assert.Equal(t, 100, u.CreditsBalance)
	assert.Equal(t, 1, store.inserts, "only the delegated insert lands")
	assert.Contains(t, store.users, "u1")
}

func TestGetUserCreditsCaches(t *testing.T) {
	store := newFakeStore(model.User{ID: "u1", CreditsBalance: 42})
	r := newTestResolver(t, store)
	ctx := context.Background()

	n, err := r.GetUserCredits(ctx, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	selectsBefore := store.selects
	n, err = r.GetUserCredits(ctx, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, 42, n)
	assert.Equal(t, selectsBefore, store.selects)
}

func TestUpdateCreditsRejectsNegative(t *testing.T) {
	r := newTestResolver(t, newFakeStore(model.User{ID: "u1"}))

	_, err := r.UpdateCredits(context.Background(), "u1", -5, "")
	require.Error(t, err)
}

func TestUpdateCreditsInvalidatesCache(t *testing.T) {
	store := newFakeStore(model.User{ID: "u1", CreditsBalance: 10})
	r := newTestResolver(t, store)
	ctx := context.Background()

	_, err := r.GetUserCredits(ctx, "u1", "")
	require.NoError(t, err)

	_, err = r.UpdateCredits(ctx, "u1", 99, "")
	require.NoError(t, err)

	n, err := r.GetUserCredits(ctx, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, 99, n, "stale balance must not survive an update")
}

func TestFetchSurfacesInfrastructureFailure(t *testing.T) {
	store := newFakeStore()
	store.selectErr = apperr.Unavailable("database_error", nil)
	r := newTestResolver(t, store)

	_, err := r.GetUserByID(context.Background(), "u1", "")
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnavailable, apperr.KindOf(err))
}
