package storage

import "errors"

// Storage errors shared by every store implementation.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when attempting to insert a record
	// with a key that already exists.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict is returned by conditional updates when the stored version
	// no longer matches the expected one. The caller should re-read.
	ErrConflict = errors.New("version conflict")

	// ErrInvalidTransition is returned when a state change is not allowed
	// from the session's current state.
	ErrInvalidTransition = errors.New("invalid state transition")
)
