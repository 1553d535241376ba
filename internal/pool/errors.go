package pool

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/genstudio/authcore/internal/apperr"
)

// Postgres SQLSTATE codes the core reacts to.
const (
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeInsufficientPriv     = "42501"
	codeQueryCanceled        = "57014"
)

// ClassifyPgError re-tags a pgx/pgconn error into the core taxonomy. The raw
// driver error is kept as the wrapped cause for logs only.
func ClassifyPgError(err error, ctx context.Context) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("row")
	}
	if ctx != nil && ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return apperr.Wrap(apperr.KindDeadlineExceeded, "database_timeout", err, "database operation timed out")
		}
		return apperr.Wrap(apperr.KindDeadlineExceeded, "canceled", err, "database operation canceled")
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return apperr.Wrap(apperr.KindConflict, "unique_violation", err, pgErr.ConstraintName)
		case codeForeignKeyViolation:
			return apperr.Wrap(apperr.KindConflict, "foreign_key_violation", err, pgErr.ConstraintName)
		case codeSerializationFailure, codeDeadlockDetected:
			return apperr.Unavailable("serialization_failure", err)
		case codeInsufficientPriv:
			return apperr.Wrap(apperr.KindForbidden, "row_level_policy_denied", err, "row level policy refused the query")
		case codeQueryCanceled:
			return apperr.Wrap(apperr.KindDeadlineExceeded, "database_timeout", err, "statement timeout")
		}
	}
	return apperr.Unavailable("database_error", err)
}

// IsTransient reports whether err is worth an in-place retry (deadlock,
// serialization failure, reset connection).
func IsTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr.Kind == apperr.KindUnavailable && appErr.Code == "serialization_failure"
	}
	return false
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeSerializationFailure
}
