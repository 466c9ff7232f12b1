package domain

// RealTimeState describes the lifecycle of a provider's real-time feed.
type RealTimeState int

const (
	// RealTimeUninitialized means the provider has not been constructed yet.
	RealTimeUninitialized RealTimeState = iota
	// RealTimeInitializing is entered exactly once, at construction.
	RealTimeInitializing
	// RealTimeOnline means the subscription to the feed is established.
	RealTimeOnline
	// RealTimeDegraded means the subscription was lost and is being recovered.
	RealTimeDegraded
)

func (s RealTimeState) String() string {
	switch s {
	case RealTimeUninitialized:
		return "uninitialized"
	case RealTimeInitializing:
		return "initializing"
	case RealTimeOnline:
		return "online"
	case RealTimeDegraded:
		return "degraded"
	}
	return "unknown"
}

// PagedState describes the lifecycle of a provider's historical paging.
type PagedState int

const (
	// PagedInitializing means no page has been requested yet.
	PagedInitializing PagedState = iota
	// PagedFetching means a page request is in flight.
	PagedFetching
	// PagedPartiallyPopulated means at least one page has landed and the
	// service may hold older messages.
	PagedPartiallyPopulated
	// PagedFullyPopulated means the service signalled exhaustion; there is
	// nothing older to fetch.
	PagedFullyPopulated
)

func (s PagedState) String() string {
	switch s {
	case PagedInitializing:
		return "initializing"
	case PagedFetching:
		return "fetching"
	case PagedPartiallyPopulated:
		return "partiallyPopulated"
	case PagedFullyPopulated:
		return "fullyPopulated"
	}
	return "unknown"
}
