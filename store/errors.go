package store

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// Core error taxonomy. The API facade maps these onto HTTP status codes;
// workers use them to decide between retry and give-up.
var (
	ErrNotFound         = errors.New("task not found")
	ErrConflict         = errors.New("conflicting task state")
	ErrInvalidInput     = errors.New("invalid input")
	ErrPermissionDenied = errors.New("permission denied")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// wrapDB translates a gorm error into the core taxonomy, keeping the
// underlying cause in the chain.
func wrapDB(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrConflict
	default:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}
