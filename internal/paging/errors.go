package paging

import "errors"

// Errors surfaced by the loader and engine. Store-level failures are wrapped
// so both the category and the cause are visible to errors.Is.
var (
	// ErrStoreUnavailable reports an I/O or backend failure, a load timeout,
	// or a saturated worker pool. It is never retried automatically.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInvalidParameters rejects a request before any store call.
	ErrInvalidParameters = errors.New("invalid parameters")

	// ErrInvariantViolation reports a page the store did not return in the
	// requested deterministic order.
	ErrInvariantViolation = errors.New("store ordering invariant violated")
)
