package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrUnknownPlace        = errors.New("unknown place")
	ErrUnknownKind         = errors.New("unknown interaction kind")
	ErrInvalidCoordinate   = errors.New("coordinate outside operating region")
	ErrProviderUnavailable = errors.New("routing provider unavailable")

	// Check-in rejections. Callers treat both the same way.
	ErrCooldownActive   = errors.New("check-in cooldown active")
	ErrDuplicateCheckIn = errors.New("concurrent check-in lost the race")
)
