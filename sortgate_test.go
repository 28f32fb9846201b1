package sortgate

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/parkerroan/sortgate/limiter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubLimiter struct {
	reject bool
	calls  int
}

func (s *stubLimiter) ShouldReject(netip.Addr) bool {
	s.calls++
	return s.reject
}

type recordingBroker struct {
	mu     sync.Mutex
	events []RejectionEvent
}

func (b *recordingBroker) Start(context.Context, func(RejectionEvent)) {}

func (b *recordingBroker) Publish(_ context.Context, event RejectionEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *recordingBroker) Events() []RejectionEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]RejectionEvent(nil), b.events...)
}

var client = netip.MustParseAddr("192.0.2.10")

func TestGate_ShortCircuit(t *testing.T) {
	testCases := []struct {
		description string
		preReject   bool
		exactReject bool
		want        bool
		exactCalls  int
	}{
		{"both accept", false, false, false, 1},
		{"exact rejects", false, true, true, 1},
		{"pre-filter rejects", true, false, true, 0},
		{"both reject", true, true, true, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			pre := &stubLimiter{reject: tc.preReject}
			exact := &stubLimiter{reject: tc.exactReject}
			g := New(WithLimiters(pre, exact))

			assert.Equal(t, tc.want, g.ShouldReject(context.Background(), client))
			assert.Equal(t, 1, pre.calls)
			assert.Equal(t, tc.exactCalls, exact.calls)
		})
	}
}

func TestGate_Composition(t *testing.T) {
	const window = time.Hour
	thresholds := [][2]int{{3, 5}, {5, 3}, {4, 4}, {0, 2}, {2, 0}}

	for _, th := range thresholds {
		preAlone := limiter.NewPreFilter(th[0], window)
		exactAlone := limiter.NewExact(th[1], window)
		g := New(WithPreFilter(th[0], window), WithExact(th[1], window))

		for i := 0; i < 10; i++ {
			want := preAlone.ShouldReject(client) || exactAlone.ShouldReject(client)
			assert.Equal(t, want, g.ShouldReject(context.Background(), client), "thresholds %v request %d", th, i+1)
		}
	}
}

func TestGate_Reports(t *testing.T) {
	broker := &recordingBroker{}
	g := New(
		WithLimiters(&stubLimiter{}, &stubLimiter{reject: true}),
		WithBroker(broker),
		WithReportLimit(0.001, 2),
	)

	for i := 0; i < 5; i++ {
		assert.True(t, g.ShouldReject(context.Background(), client))
	}

	events := broker.Events()
	require.Len(t, events, 2, "reports over the burst are dropped")
	assert.Equal(t, g.ID(), events[0].GateID)
	assert.Equal(t, StageExact, events[0].Stage)
	assert.Equal(t, "192.0.2.10", events[0].Key)
}

func TestGate_AcceptedRequestsAreNotReported(t *testing.T) {
	broker := &recordingBroker{}
	g := New(WithLimiters(&stubLimiter{}, &stubLimiter{}), WithBroker(broker))

	assert.False(t, g.ShouldReject(context.Background(), client))
	assert.Empty(t, broker.Events())
}

func TestGate_Policy(t *testing.T) {
	g := New(WithExact(7, 30*time.Second))
	threshold, window := g.Policy()
	assert.Equal(t, 7, threshold)
	assert.Equal(t, 30*time.Second, window)

	// by default the pre-filter admits 20 a minute, the exact stage 60
	g = New()
	threshold, window = g.Policy()
	assert.Equal(t, 20, threshold)
	assert.Equal(t, time.Minute, window)
}

func TestGate_StagePolicy(t *testing.T) {
	g := New(WithPreFilter(5, time.Hour), WithExact(30, time.Minute))

	threshold, window := g.StagePolicy(StagePreFilter)
	assert.Equal(t, 5, threshold)
	assert.Equal(t, time.Hour, window)

	threshold, window = g.StagePolicy(StageExact)
	assert.Equal(t, 30, threshold)
	assert.Equal(t, time.Minute, window)

	g = New(
		WithPreFilter(3, time.Second),
		WithExact(4, time.Second),
		WithLimiters(&stubLimiter{}, &stubLimiter{}),
	)
	threshold, window = g.StagePolicy(StagePreFilter)
	assert.Equal(t, 3, threshold, "configured values for limiters without details")
	assert.Equal(t, time.Second, window)
}

func TestGate_Check(t *testing.T) {
	g := New(WithLimiters(&stubLimiter{reject: true}, &stubLimiter{}))
	assert.Equal(t, StagePreFilter, g.Check(context.Background(), client))

	g = New(WithLimiters(&stubLimiter{}, &stubLimiter{reject: true}))
	assert.Equal(t, StageExact, g.Check(context.Background(), client))

	g = New(WithLimiters(&stubLimiter{}, &stubLimiter{}))
	assert.Equal(t, "", g.Check(context.Background(), client))
}
