package storage

import (
	"errors"
	"math"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned when a write would violate a uniqueness constraint
// or a lifecycle rule: rebinding a ledger identifier, replacing a published
// scenario set, or moving a universe backwards.
var ErrConflict = errors.New("storage: conflict")

// isUniqueViolation reports whether err is a unique constraint failure on
// either backend.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

// ledgerArg converts a ledger identifier to the signed column type.
func ledgerArg(id uint64) (int64, error) {
	if id > math.MaxInt64 {
		return 0, errors.New("storage: ledger id exceeds storable range")
	}
	return int64(id), nil
}
