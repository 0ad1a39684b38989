package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/npezzotti/go-fitsocial/internal/database"
)

var (
	ErrInvalidParticipants = errors.New("invalid room participants")
	ErrEmptyMessage        = errors.New("message has no text and no attachment")
	ErrTransactionConflict = errors.New("transaction conflict")
	ErrNetwork             = errors.New("network error")
	ErrPermission          = errors.New("permission denied")
	ErrNotFound            = errors.New("not found")
)

// StoreError translates a repository error into the chat error taxonomy,
// keeping the original in the chain.
func StoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, database.ErrConflict):
		return fmt.Errorf("%w: %w", ErrTransactionConflict, err)
	case errors.Is(err, database.ErrPermission):
		return fmt.Errorf("%w: %w", ErrPermission, err)
	case errors.Is(err, database.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, database.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	return err
}
