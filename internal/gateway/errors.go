package gateway

import "errors"

// Error taxonomy for the fetch boundary. Rate-limit and unavailability are
// absorbed whenever any cached payload exists (downgraded to a staleness
// flag); they only surface, wrapped in ErrNoData, when there is nothing to
// serve at all.
var (
	// ErrRateLimited reports an upstream rate-limit response.
	ErrRateLimited = errors.New("upstream rate limited")

	// ErrUpstreamUnavailable reports a network, protocol, or decode failure
	// talking to the upstream provider.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrNoData reports that no cache exists and the upstream failed; the
	// only failure state a user ever sees.
	ErrNoData = errors.New("no data available")
)
