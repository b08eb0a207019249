package types

import "errors"

// Sentinel errors returned by the store, scheduler, and orchestrator.
// Call sites match them with errors.Is; messages wrap them with %w.
var (
	// ErrNotFound: unknown id, or an id outside the operable domain
	// (e.g. reordering an item that holds no position).
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput: unparseable timestamp, non-positive position,
	// timestamp in the past, unknown difficulty.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict: an explicit delivery timestamp collides with an
	// existing reservation.
	ErrConflict = errors.New("slot conflict")

	// ErrCapacityExhausted: the free-slot search exceeded its probe bound.
	ErrCapacityExhausted = errors.New("no free slot within probe bound")

	// ErrUpstreamUnavailable: an external collaborator kept failing after
	// retries. The problem source recovers via fallback content; messaging
	// failures surface to the caller.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)
