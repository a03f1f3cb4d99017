package store

import "errors"

// Store error types.
var (
	ErrVolumeNotFound  = errors.New("physical volume not found")
	ErrNeedleNotFound  = errors.New("needle not found")
	ErrNeedleDeleted   = errors.New("needle is deleted")
	ErrCorruptRecord   = errors.New("corrupt needle record")
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")
)
