package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates malformed or incomplete input.
	ErrValidation = errors.New("validation failed")
	// ErrConflict indicates a uniqueness or state conflict.
	ErrConflict = errors.New("conflict")
	// ErrProtected indicates a system entity blocking the mutation.
	ErrProtected = errors.New("protected entity")
	// ErrInUse indicates deletion blocked by active references.
	ErrInUse = errors.New("entity in use")
	// ErrCapacityExceeded indicates a role already at its max_users limit.
	ErrCapacityExceeded = errors.New("role capacity exceeded")
	// ErrCycle indicates a role re-parenting that would close a loop.
	ErrCycle = errors.New("role hierarchy cycle")
)
