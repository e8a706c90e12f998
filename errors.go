package parley

import "errors"

var (
	// ErrNotFound is returned when an entity with the requested key does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthenticated is returned when a request carries no valid credential.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrForbidden is returned when the principal's organization does not own
	// the target resource.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidInput is returned for malformed resolver input or subscription filters.
	ErrInvalidInput = errors.New("invalid input")

	// ErrPublish is wrapped by publish failures. It never fails a mutation.
	ErrPublish = errors.New("publish failed")

	// ErrDeliveryGap marks a detected sequence jump on a broker topic.
	ErrDeliveryGap = errors.New("delivery gap")

	// ErrConcurrencyConflict is returned when an optimistic version check fails.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrClosed is returned by operations on a closed registry, broker or session.
	ErrClosed = errors.New("closed")
)
