package limiter

import (
	"time"
	"weak"
)

// minTick keeps tiny windows from spinning a timer goroutine.
const minTick = time.Millisecond

// startTimer calls tick on the value behind p every period. Between ticks the
// goroutine only holds the weak pointer, so it returns once the value has been
// garbage collected. The returned channel is closed when it does.
func startTimer[T any](p weak.Pointer[T], period time.Duration, tick func(*T)) <-chan struct{} {
	period = max(period, minTick)
	done := make(chan struct{})

	go func() {
		defer close(done)

		t := time.NewTicker(period)
		defer t.Stop()

		for range t.C {
			v := p.Value()
			if v == nil {
				return
			}
			tick(v)
		}
	}()

	return done
}
