package database

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes the stores react to.
const (
	CodeUniqueViolation      = "23505"
	CodeSerializationFailure = "40001"
	CodeDeadlockDetected     = "40P01"
	CodeUndefinedTable       = "42P01"
)

// ErrorCode returns the SQLSTATE of err, or "" if err is not a Postgres error.
func ErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	return ErrorCode(err) == CodeUniqueViolation
}

// IsContention reports whether err is a serialization failure or deadlock,
// both of which succeed on retry.
func IsContention(err error) bool {
	switch ErrorCode(err) {
	case CodeSerializationFailure, CodeDeadlockDetected:
		return true
	}
	return false
}

// IsUndefinedTable reports whether err means the schema is missing, which
// usually means migrations have not been applied.
func IsUndefinedTable(err error) bool {
	return ErrorCode(err) == CodeUndefinedTable
}
