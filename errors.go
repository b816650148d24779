package fiber

import "errors"

// Standard errors.
var (
	// ErrStopped is returned by operations submitted to a scheduler that has
	// been shut down, or whose shutdown is in progress.
	ErrStopped = errors.New("fiber: scheduler stopped")
	// ErrAlreadyStarted is returned by Start when the scheduling loop has
	// already been entered.
	ErrAlreadyStarted = errors.New("fiber: scheduler already started")
	// ErrNilFunc is returned by Spawn when the entry function is nil.
	ErrNilFunc = errors.New("fiber: nil entry function")
	// ErrInvalidProcessorCount is returned by New when the configured
	// processor count is less than one.
	ErrInvalidProcessorCount = errors.New("fiber: processor count must be at least 1")
	// ErrFDOutOfRange indicates a negative or absurdly large descriptor.
	ErrFDOutOfRange = errors.New("fiber: fd out of range")
	// ErrFDNotRegistered indicates the descriptor has no poller registration.
	ErrFDNotRegistered = errors.New("fiber: fd not registered")
	// ErrFDBusy indicates another fiber is already parked on the descriptor.
	ErrFDBusy = errors.New("fiber: fd already has a waiting fiber")
	// ErrPollerClosed indicates the shared poller has been torn down.
	ErrPollerClosed = errors.New("fiber: poller closed")
	// ErrInvalidFreeListLimit is returned by New when the configured fiber
	// cache limit is less than one.
	ErrInvalidFreeListLimit = errors.New("fiber: free list limit must be at least 1")
	// ErrInvalidPollWarnRates is returned by New when the configured warning
	// rate limits are empty or rejected by the rate limiter.
	ErrInvalidPollWarnRates = errors.New("fiber: invalid poll warn rates")
)

// throw reports an unrecoverable scheduler invariant violation. Continuing
// past one of these risks running a fiber twice or losing one entirely, so
// the process aborts instead.
func throw(s string) {
	panic("fiber: " + s)
}
