package repo

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres SQLSTATE codes the purchase engine reacts to.
const (
	codeInFailedTransaction     = "25P02"
	codeInvalidColumnReference  = "42P10"
	codeUniqueViolation         = "23505"
	sqliteNoConflictTarget      = "does not match any PRIMARY KEY or UNIQUE constraint"
	sqliteUniqueConstraintFails = "UNIQUE constraint failed"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsTxAborted reports "current transaction is aborted, commands ignored until end of transaction block".
func IsTxAborted(err error) bool {
	if err == nil {
		return false
	}
	return pgCode(err) == codeInFailedTransaction ||
		strings.Contains(err.Error(), "current transaction is aborted")
}

// IsMissingConstraint reports an ON CONFLICT target with no matching unique index.
func IsMissingConstraint(err error) bool {
	if err == nil {
		return false
	}
	if pgCode(err) == codeInvalidColumnReference {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "no unique or exclusion constraint matching") ||
		strings.Contains(msg, sqliteNoConflictTarget)
}

// IsUniqueViolation reports a duplicate key on a unique index.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return pgCode(err) == codeUniqueViolation || strings.Contains(err.Error(), sqliteUniqueConstraintFails)
}
