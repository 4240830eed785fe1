package store

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrForbidden is returned when the store denies a write for the actor.
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound is returned when the entity a write targets does not exist.
	ErrNotFound = errors.New("not found")
)

// IsForbidden reports whether err is an authorization denial from the store.
func IsForbidden(err error) bool {
	if errors.Is(err, ErrForbidden) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42501"
	}
	return false
}

// IsNotFound reports whether err means the target row is gone.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// no_data_found raised by procedures, foreign_key_violation on a
		// parent that was deleted concurrently.
		return pgErr.Code == "P0002" || pgErr.Code == "23503"
	}
	return false
}

// IsTransient reports whether retrying the same call may succeed: timeouts,
// cancellations, connection loss, serialization failures and deadlocks.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "57014", pgErr.Code == "55P03":
			return true
		case strings.HasPrefix(pgErr.Code, "08"):
			return true
		}
		return false
	}
	if pgconn.Timeout(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
