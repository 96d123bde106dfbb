package granule

import "errors"

// Expected outcomes, distinguished at the type level so callers can resolve
// them locally instead of retrying. Everything else propagates and rides the
// queue's redelivery mechanism.
var (
	// ErrDuplicateGranule signals the uniqueness constraint fired on insert.
	// A duplicate is an expected outcome of at-least-once delivery, not a fault.
	ErrDuplicateGranule = errors.New("granule already exists")

	// ErrNotFound signals the granule row is absent at lookup.
	ErrNotFound = errors.New("granule not found")

	// ErrAlreadyDownloaded signals a duplicate delivery of a completed download.
	ErrAlreadyDownloaded = errors.New("granule already downloaded")

	// ErrRetryLimitReached signals download_retries exceeded the budget. The
	// message must land in the dead-letter path for operator action.
	ErrRetryLimitReached = errors.New("granule retry limit reached")
)
