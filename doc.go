/*
Package sortgate is the admission front of the item list service. A Gate runs
every request through two stages from package limiter: a cheap approximate
pre-filter, then an exact per-client count. A request is rejected as soon as
one stage rejects it.

Rejections can be reported to other instances and to operators through a
MessageBroker. The Redis implementation batches events onto a stream.

Example:

	import (
		"net/http"
		"time"

		"github.com/gorilla/mux"
		"github.com/parkerroan/sortgate"
	)

	gate := sortgate.New(
		sortgate.WithPreFilter(20, time.Minute),
		sortgate.WithExact(60, time.Minute),
	)

	r := mux.NewRouter()
	r.Use(sortgate.HTTPMiddleware(gate, sortgate.PeerAddr))

The list itself lives in package items, and its ordering keys come from
package sortkey.
*/
package sortgate
