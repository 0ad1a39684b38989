package database

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrConflict    = errors.New("transaction conflict")
	ErrPermission  = errors.New("permission denied")
	ErrUnavailable = errors.New("store unavailable")
)

const (
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
	pqInsufficientPrivs    = "42501"
	pqForeignKeyViolation  = "23503"
	pqConnectionException  = "08"
)

// classify maps driver errors onto the package sentinels so callers can
// use errors.Is without knowing about the driver.
func classify(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqSerializationFailure, pqDeadlockDetected:
			return fmt.Errorf("%w: %w", ErrConflict, err)
		case pqInsufficientPrivs:
			return fmt.Errorf("%w: %w", ErrPermission, err)
		case pqForeignKeyViolation:
			return fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		if pqErr.Code.Class() == pqConnectionException {
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return err
	}

	if errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	return err
}
