package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrDuplicateEvent     = errors.New("duplicate event")
	ErrStaleEvent         = errors.New("stale event")
	ErrAmbiguousMatch     = errors.New("ambiguous position match")
	ErrInvariantViolation = errors.New("quantity invariant violation")
	ErrDispatchFailure    = errors.New("dispatch failure")
	ErrInvalidEvent       = errors.New("invalid event")
	ErrVersionConflict    = errors.New("version conflict")
	ErrLockHeld           = errors.New("lock already held")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrRateLimited        = errors.New("rate limited")
)
