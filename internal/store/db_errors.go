package store

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// classifyUniqueViolation maps a unique index violation on the open-session
// indexes to the matching sentinel. It returns nil for any other error.
func classifyUniqueViolation(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// unique_violation
		if pgErr.Code != "23505" {
			return nil
		}
		if strings.Contains(pgErr.ConstraintName, "scope") {
			return ErrScopeBusy
		}
		return ErrAccountClaimed
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrAccountClaimed
	}
	msg := strings.ToLower(err.Error())
	if !strings.Contains(msg, "unique constraint failed") && !strings.Contains(msg, "duplicate key") {
		return nil
	}
	if strings.Contains(msg, "scope_key") || strings.Contains(msg, "open_scope") {
		return ErrScopeBusy
	}
	return ErrAccountClaimed
}
