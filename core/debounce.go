package core

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultDebounce is the quiet period before a debounced save is persisted.
const DefaultDebounce = 500 * time.Millisecond

// FlushScheduler coalesces repeated Arm calls into a single call of the most
// recently armed function, run once delay has passed without a new Arm.
type FlushScheduler struct {
	clock clockwork.Clock
	delay time.Duration

	mu    sync.Mutex
	timer clockwork.Timer
	fn    func()
	gen   uint64
}

func NewFlushScheduler(clock clockwork.Clock, delay time.Duration) *FlushScheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if delay <= 0 {
		delay = DefaultDebounce
	}
	return &FlushScheduler{clock: clock, delay: delay}
}

// Arm schedules fn, replacing any pending function and restarting the quiet period.
func (f *FlushScheduler) Arm(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.timer != nil {
		f.timer.Stop()
	}
	f.gen++
	gen := f.gen
	f.fn = fn
	f.timer = f.clock.AfterFunc(f.delay, func() { f.fire(gen) })
}

func (f *FlushScheduler) fire(gen uint64) {
	f.mu.Lock()
	if gen != f.gen || f.fn == nil {
		f.mu.Unlock()
		return
	}
	fn := f.fn
	f.fn = nil
	f.timer = nil
	f.mu.Unlock()
	fn()
}

// take clears the pending function and returns it.
func (f *FlushScheduler) take() func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fn == nil {
		return nil
	}
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	f.gen++
	fn := f.fn
	f.fn = nil
	return fn
}

// Cancel drops the pending function. It reports whether one was pending.
func (f *FlushScheduler) Cancel() bool {
	return f.take() != nil
}

// FlushNow runs the pending function immediately on the calling goroutine.
func (f *FlushScheduler) FlushNow() bool {
	fn := f.take()
	if fn == nil {
		return false
	}
	fn()
	return true
}

// Pending reports whether a function is waiting for its quiet period to end.
func (f *FlushScheduler) Pending() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fn != nil
}
