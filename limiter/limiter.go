/*
Package limiter holds the two admission stages used to protect the service
from abusive clients:

  - PreFilter: a cheap, approximate, lock-free stage backed by a fixed array of
    sharded counters. Its memory does not depend on the number of clients.
  - Exact: an exact per-client count kept in two alternating generations
    behind a read/write lock.

Both are keyed by client network address and keep their own background timer
that moves the window forward. The timers stop on their own once the limiter is
no longer referenced, so there is nothing to close.
*/
package limiter

import "net/netip"

// Limiter is the interface shared by the admission stages. Accepted requests
// are counted as a side effect of the call.
type Limiter interface {
	ShouldReject(addr netip.Addr) bool
}
