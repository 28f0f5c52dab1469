package storage

import "errors"

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write violates a uniqueness constraint of the store
	ErrConflict = errors.New("conflict")
)
