package limiter

import (
	"math"
	"net/netip"
	"sync/atomic"
	"time"
	"weak"
)

const (
	shardBits  = 2
	shardCount = 1 << shardBits
	cellBits   = 8
	shardSize  = 1 << cellBits
)

// PreFilter is the cheap, approximate admission stage. Every client address
// maps to one counter cell in each of a fixed number of shards, so memory is
// the same for ten clients or ten million. Unrelated clients may share cells
// and throttle each other; a client over its threshold is never let through
// while its cells stand.
//
// One shard is cleared per tick, cycling through all shards once per window.
type PreFilter struct {
	state     *preFilterState
	window    time.Duration
	timerDone <-chan struct{}
}

type preFilterState struct {
	threshold int
	hash      AddrHash
	cells     [shardCount * shardSize]atomic.Uint32
	ticks     atomic.Uint64
}

// PreFilterOption configures a PreFilter.
type PreFilterOption func(*preFilterState)

// WithHash replaces the address hash. The default is XorAddr.
func WithHash(h AddrHash) PreFilterOption {
	return func(s *preFilterState) {
		s.hash = h
	}
}

// NewPreFilter creates a PreFilter admitting threshold requests per client per
// window and starts its timer.
func NewPreFilter(threshold int, window time.Duration, opts ...PreFilterOption) *PreFilter {
	if threshold < 0 {
		panic("limiter: negative pre-filter threshold")
	}
	if int64(threshold) > math.MaxUint32 {
		panic("limiter: pre-filter threshold overflows its 32-bit counters")
	}

	s := &preFilterState{
		threshold: threshold,
		hash:      XorAddr,
	}
	for _, opt := range opts {
		opt(s)
	}

	return &PreFilter{
		state:     s,
		window:    window,
		timerDone: startTimer(weak.Make(s), window/shardCount, (*preFilterState).tick),
	}
}

// ShouldReject implements Limiter.
func (f *PreFilter) ShouldReject(addr netip.Addr) bool {
	return f.state.shouldReject(addr)
}

// LimitDetails returns the threshold and window of the pre-filter.
func (f *PreFilter) LimitDetails() (int, time.Duration) {
	return f.state.threshold, f.window
}

// shouldReject walks the client's cells, one per shard, in an order that
// depends on the address. The running sum of the cells is held against a
// rising share of the threshold; the first cell that keeps the sum under its
// share takes the request. Only that one cell is written.
func (s *preFilterState) shouldReject(addr netip.Addr) bool {
	h := s.hash(addr)
	offset := int(h >> (64 - shardBits))

	var count int
	for i := 0; i < shardCount; i++ {
		shard := (i ^ offset) % shardCount
		cell := &s.cells[shard*shardSize+int(uint8(h>>(shard*cellBits)))]

		count += int(cell.Load())
		if count < s.threshold*(i+1)/shardCount {
			cell.Add(1)
			return false
		}
	}
	return true
}

// tick clears the next shard. An increment racing with the clear may be lost.
func (s *preFilterState) tick() {
	shard := (s.ticks.Add(1) - 1) % shardCount
	for i := shard * shardSize; i < (shard+1)*shardSize; i++ {
		s.cells[i].Store(0)
	}
}
