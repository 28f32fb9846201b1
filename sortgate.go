package sortgate

import (
	"context"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/parkerroan/sortgate/limiter"
	"golang.org/x/exp/slog"
	"golang.org/x/time/rate"
)

// Stage names the admission stage that rejected a request.
const (
	StagePreFilter = "pre_filter"
	StageExact     = "exact"
)

const (
	defaultPreThreshold   = 20
	defaultPreWindow      = 60 * time.Second
	defaultExactThreshold = 60
	defaultExactWindow    = 60 * time.Second
)

// Gate decides whether a request is admitted. A request is rejected when the
// pre-filter rejects it or, failing that, when the exact stage rejects it.
// The exact stage is not consulted, and so does not count the request, once
// the pre-filter has rejected.
type Gate struct {
	id string

	pre   limiter.Limiter
	exact limiter.Limiter

	preThreshold   int
	preWindow      time.Duration
	preOpts        []limiter.PreFilterOption
	exactThreshold int
	exactWindow    time.Duration

	broker  MessageBroker
	reports *rate.Limiter
	logger  *slog.Logger
}

// New creates a Gate. Without options it runs a pre-filter admitting 20
// requests per minute and an exact stage admitting 60 requests per minute.
func New(opts ...func(*Gate)) *Gate {
	g := &Gate{
		id:             uuid.New().String(),
		preThreshold:   defaultPreThreshold,
		preWindow:      defaultPreWindow,
		exactThreshold: defaultExactThreshold,
		exactWindow:    defaultExactWindow,
		reports:        rate.NewLimiter(rate.Limit(10), 10),
		logger:         slog.Default(),
	}

	for _, opt := range opts {
		opt(g)
	}

	if g.pre == nil {
		g.pre = limiter.NewPreFilter(g.preThreshold, g.preWindow, g.preOpts...)
	}
	if g.exact == nil {
		g.exact = limiter.NewExact(g.exactThreshold, g.exactWindow)
	}

	return g
}

// WithPreFilter sets the pre-filter threshold and window.
func WithPreFilter(threshold int, window time.Duration, opts ...limiter.PreFilterOption) func(*Gate) {
	return func(g *Gate) {
		g.preThreshold = threshold
		g.preWindow = window
		g.preOpts = opts
	}
}

// WithExact sets the exact stage threshold and window.
func WithExact(threshold int, window time.Duration) func(*Gate) {
	return func(g *Gate) {
		g.exactThreshold = threshold
		g.exactWindow = window
	}
}

// WithLimiters replaces both stages.
func WithLimiters(pre, exact limiter.Limiter) func(*Gate) {
	return func(g *Gate) {
		g.pre = pre
		g.exact = exact
	}
}

// WithBroker reports rejections to the given message broker.
func WithBroker(b MessageBroker) func(*Gate) {
	return func(g *Gate) {
		g.broker = b
	}
}

// WithReportLimit caps how many rejections per second are reported to the
// broker. Rejections over the cap are still enforced, just not reported.
func WithReportLimit(perSecond float64, burst int) func(*Gate) {
	return func(g *Gate) {
		g.reports = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithLogger sets the logger, slog.Default() otherwise.
func WithLogger(logger *slog.Logger) func(*Gate) {
	return func(g *Gate) {
		g.logger = logger
	}
}

// ID identifies this gate in rejection reports.
func (g *Gate) ID() string {
	return g.id
}

// Start starts the broker, if any, logging rejections reported by other gates.
func (g *Gate) Start(ctx context.Context) {
	if g.broker == nil {
		return
	}
	g.broker.Start(ctx, func(event RejectionEvent) {
		if event.GateID == g.id {
			return
		}
		g.logger.Debug("rejection reported by peer",
			slog.String("gate_id", event.GateID),
			slog.String("stage", event.Stage),
			slog.String("key", event.Key),
		)
	})
}

// ShouldReject counts the request from addr and reports whether it must be
// rejected.
func (g *Gate) ShouldReject(ctx context.Context, addr netip.Addr) bool {
	return g.Check(ctx, addr) != ""
}

// Check counts the request from addr and returns the stage that rejected it,
// or "" when it is admitted.
func (g *Gate) Check(ctx context.Context, addr netip.Addr) string {
	var stage string
	switch {
	case g.pre.ShouldReject(addr):
		stage = StagePreFilter
	case g.exact.ShouldReject(addr):
		stage = StageExact
	default:
		return ""
	}

	g.report(ctx, stage, addr)
	return stage
}

// Policy returns the threshold and window of the stricter stage, the one
// admitting fewer requests per unit of time.
func (g *Gate) Policy() (int, time.Duration) {
	preLimit, preWindow := g.StagePolicy(StagePreFilter)
	exactLimit, exactWindow := g.StagePolicy(StageExact)

	// preLimit/preWindow < exactLimit/exactWindow, without dividing
	if float64(preLimit)*exactWindow.Seconds() < float64(exactLimit)*preWindow.Seconds() {
		return preLimit, preWindow
	}
	return exactLimit, exactWindow
}

// StagePolicy returns the threshold and window of one stage. Injected
// limiters that do not expose their details report the configured values.
func (g *Gate) StagePolicy(stage string) (int, time.Duration) {
	l, threshold, window := g.exact, g.exactThreshold, g.exactWindow
	if stage == StagePreFilter {
		l, threshold, window = g.pre, g.preThreshold, g.preWindow
	}

	if d, ok := l.(interface {
		LimitDetails() (int, time.Duration)
	}); ok {
		return d.LimitDetails()
	}
	return threshold, window
}

func (g *Gate) report(ctx context.Context, stage string, addr netip.Addr) {
	if g.broker == nil || !g.reports.Allow() {
		return
	}

	event := RejectionEvent{
		GateID:    g.id,
		Stage:     stage,
		Timestamp: time.Now(),
		Key:       addr.String(),
	}
	if err := g.broker.Publish(ctx, event); err != nil {
		g.logger.Warn("dropping rejection report", slog.Any("error", err))
	}
}
