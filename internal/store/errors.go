package store

import "errors"

// Common local store errors
var (
	// ErrNotFound indicates that the requested record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrStoreClosed indicates that the store is closed
	ErrStoreClosed = errors.New("store is closed")

	// ErrStoreUnavailable indicates that the store cannot accept writes
	// (storage disabled, quota exceeded, file system full)
	ErrStoreUnavailable = errors.New("store is unavailable")
)
