package persistence

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/janreges/axon-mcp-sub003/types"
)

func TestToDomainError(t *testing.T) {
	cases := []struct {
		in   error
		want types.ErrorCode
	}{
		{ErrNotFound, types.ErrNotFound},
		{fmt.Errorf("wrapped: %w", ErrConflict), types.ErrConflict},
		{ErrAlreadyExists, types.ErrAlreadyExists},
		{ErrOutOfBounds, types.ErrValidation},
		{ErrInvalidInput, types.ErrValidation},
		{errors.New("disk on fire"), types.ErrInternalError},
		{types.NewValidationError("already mapped"), types.ErrValidation},
	}
	for _, tc := range cases {
		got := ToDomainError(tc.in, "task", "T1")
		assert.Equal(t, tc.want, types.GetErrorCode(got), tc.in.Error())
	}
	assert.NoError(t, ToDomainError(nil, "task", "T1"))
	assert.ErrorIs(t, ToDomainError(ErrConflict, "task", "T1"), ErrConflict)
}
