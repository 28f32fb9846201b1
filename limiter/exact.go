package limiter

import (
	"math"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
	"weak"
)

// Exact is the precise admission stage. Request counts are kept per client in
// two generations, current and previous, and a client's count is the sum of
// both. The generations swap every half window and the new current one starts
// empty, so a request is remembered for between half a window and a whole
// window. Across a swap up to twice the threshold can get through.
type Exact struct {
	state     *exactState
	window    time.Duration
	timerDone <-chan struct{}
}

type exactState struct {
	mu        sync.RWMutex
	threshold int
	gens      [2]map[netip.Addr]*atomic.Uint32
	curr      int
}

// NewExact creates an Exact stage admitting threshold requests per client per
// window and starts its timer.
func NewExact(threshold int, window time.Duration) *Exact {
	if threshold < 0 {
		panic("limiter: negative exact threshold")
	}
	if int64(threshold) > math.MaxUint32 {
		panic("limiter: exact threshold overflows its 32-bit counters")
	}

	s := &exactState{
		threshold: threshold,
		gens: [2]map[netip.Addr]*atomic.Uint32{
			make(map[netip.Addr]*atomic.Uint32),
			make(map[netip.Addr]*atomic.Uint32),
		},
	}

	return &Exact{
		state:     s,
		window:    window,
		timerDone: startTimer(weak.Make(s), window/2, (*exactState).tick),
	}
}

// ShouldReject implements Limiter.
func (e *Exact) ShouldReject(addr netip.Addr) bool {
	return e.state.shouldReject(addr.Unmap())
}

// LimitDetails returns the threshold and window of the stage.
func (e *Exact) LimitDetails() (int, time.Duration) {
	return e.state.threshold, e.window
}

// Clients returns the number of clients seen in the current generation.
func (e *Exact) Clients() int {
	e.state.mu.RLock()
	defer e.state.mu.RUnlock()
	return len(e.state.gens[e.state.curr])
}

func (s *exactState) shouldReject(addr netip.Addr) bool {
	for {
		s.mu.RLock()
		if cur, ok := s.gens[s.curr][addr]; ok {
			reject := s.tryIncrement(cur, s.gens[1-s.curr][addr])
			s.mu.RUnlock()
			return reject
		}
		s.mu.RUnlock()

		// first sight: insert an empty counter and go around again
		s.mu.Lock()
		if _, ok := s.gens[s.curr][addr]; !ok {
			s.gens[s.curr][addr] = new(atomic.Uint32)
		}
		s.mu.Unlock()
	}
}

// tryIncrement counts a request on cur unless cur and prev together are at
// the threshold. It reports whether the request was rejected.
func (s *exactState) tryIncrement(cur, prev *atomic.Uint32) bool {
	var before int
	if prev != nil {
		before = int(prev.Load())
	}

	for {
		n := cur.Load()
		if int(n)+before >= s.threshold {
			return true
		}
		if cur.CompareAndSwap(n, n+1) {
			return false
		}
	}
}

func (s *exactState) tick() {
	s.mu.Lock()
	s.curr = 1 - s.curr
	s.gens[s.curr] = make(map[netip.Addr]*atomic.Uint32)
	s.mu.Unlock()
}
