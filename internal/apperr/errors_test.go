package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructorsCarryKinds(t *testing.T) {
	assert.Equal(t, KindUnauthenticated, KindOf(Unauthenticated("token_expired", "expired")))
	assert.Equal(t, KindForbidden, KindOf(Forbidden(ReasonDefaultDeny, "no rule granted")))
	assert.Equal(t, KindNotFound, KindOf(NotFound("user u1")))
	assert.Equal(t, KindConflict, KindOf(Conflict("duplicate")))
	assert.Equal(t, KindDeadlineExceeded, KindOf(DeadlineExceeded("query")))
	assert.Equal(t, KindUnavailable, KindOf(Unavailable("database_error", nil)))
	assert.Equal(t, KindInternal, KindOf(Internal(errors.New("boom"))))
}

func TestInsufficientCreditsCarriesAmounts(t *testing.T) {
	err := InsufficientCredits(50, 20)
	assert.Equal(t, KindInsufficientCredits, KindOf(err))
	assert.Equal(t, 50, err.Required)
	assert.Equal(t, 20, err.Available)
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("driver said no")
	err := Wrap(KindUnavailable, "database_error", cause, "query failed")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindUnavailable, KindOf(err))
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("anything")))
	assert.Equal(t, KindInternal, KindOf(nil))
}

func TestIsKindThroughWrapping(t *testing.T) {
	inner := NotFound("row")
	outer := fmt.Errorf("loading profile: %w", inner)

	assert.True(t, IsKind(outer, KindNotFound))
	assert.False(t, IsKind(outer, KindConflict))
}

func TestInternalAssignsCorrelationID(t *testing.T) {
	err := Internal(errors.New("boom"))
	require.NotEmpty(t, err.CorrelationID)
	assert.NotEqual(t, Internal(errors.New("boom")).CorrelationID, err.CorrelationID)
}
