package persistence

import (
	"errors"

	"github.com/janreges/axon-mcp-sub003/types"
)

// ToDomainError translates a store error into the coordination error
// taxonomy. kind and id describe the record the caller was working on.
func ToDomainError(err error, kind, id string) error {
	if err == nil {
		return nil
	}
	if _, ok := types.AsError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return types.NewNotFoundError(kind, id).WithCause(err)
	case errors.Is(err, ErrConflict):
		return types.NewConflictError(kind, id).WithCause(err)
	case errors.Is(err, ErrAlreadyExists):
		return types.NewAlreadyExistsError(kind, id).WithCause(err)
	case errors.Is(err, ErrOutOfBounds), errors.Is(err, ErrInvalidInput):
		return types.NewValidationError("%s %q: %v", kind, id, err).WithCause(err)
	default:
		return types.Errorf(types.ErrInternalError, "%s %q: storage failure", kind, id).WithCause(err)
	}
}
