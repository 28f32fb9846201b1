package sortgate

import (
	"fmt"
	"net/http"
	"net/netip"
)

// HTTPMiddleware creates a new middleware function that runs every request
// through the gate. Rejected requests get a 429 advertising the policy of
// the stage that rejected them.
// This function is compatible with both standard net/http and mux handlers.
func HTTPMiddleware(g *Gate, keyGetter func(r *http.Request) netip.Addr) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if stage := g.Check(r.Context(), keyGetter(r)); stage != "" {
				limit, window := g.StagePolicy(stage)
				w.Header().Add("RateLimit-Policy", fmt.Sprintf("%v;w=%v", limit, window.Seconds()))
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// PeerAddr keys requests by the address of the connected peer. Requests with
// an unparsable RemoteAddr all share the unspecified address.
func PeerAddr(r *http.Request) netip.Addr {
	if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		return ap.Addr().Unmap()
	}
	if addr, err := netip.ParseAddr(r.RemoteAddr); err == nil {
		return addr.Unmap()
	}
	return netip.IPv4Unspecified()
}
