// Package timer implements a single-shot, reprogrammable, absolute-time
// timer, immune to any platform maximum sleep duration.
package timer

import (
	"sync"
	"time"
)

// maxChunk bounds any individual underlying sleep. time.Timer on common
// platforms tolerates durations far longer than this, but the contract
// (spec.md §4.1) requires behaving correctly even if the underlying sleep
// primitive has a much shorter maximum delay, so waits are always chunked.
// Declared as a var (not const) so tests can shrink it to exercise the
// chunking loop without real multi-day sleeps.
var maxChunk = 15 * 24 * time.Hour

// Timer fires a callback once, at an absolute wall-clock instant. It is
// reprogrammable (Trigger again before it fires) and cancelable, and is safe
// to reprogram or cancel from within the callback itself.
//
// A zero Timer is not usable; construct one with New.
type Timer struct {
	fn  func()
	now func() time.Time

	mu      sync.Mutex
	armedAt time.Time
	armed   bool
	gen     uint64 // bumped on every Trigger/Cancel, invalidates in-flight waits
}

// New constructs a Timer that invokes fn on its own goroutine when armed and
// due. fn must be safe to call concurrently with Trigger/Cancel (including
// from within fn itself).
func New(fn func()) *Timer {
	if fn == nil {
		panic(`timer: nil fn`)
	}
	return &Timer{fn: fn, now: time.Now}
}

// Trigger (re)arms the timer to fire at the absolute instant at. If at
// equals the currently-armed instant, this is a no-op. Otherwise any
// pending firing is canceled and a new one is armed. If at is not after
// now, the callback fires on the next scheduler tick.
func (t *Timer) Trigger(at time.Time) {
	t.mu.Lock()
	if t.armed && t.armedAt.Equal(at) {
		t.mu.Unlock()
		return
	}
	t.armed = true
	t.armedAt = at
	t.gen++
	gen := t.gen
	t.mu.Unlock()

	go t.wait(gen, at)
}

// Cancel disarms the timer. If a firing is pending it is dropped; the
// callback will not be invoked for it. Idempotent.
func (t *Timer) Cancel() {
	t.mu.Lock()
	t.armed = false
	t.gen++
	t.mu.Unlock()
}

func (t *Timer) wait(gen uint64, at time.Time) {
	for {
		remaining := at.Sub(t.now())
		if remaining <= 0 {
			break
		}
		if remaining > maxChunk {
			remaining = maxChunk
		}
		time.Sleep(remaining)

		if !t.stillArmed(gen) {
			return
		}
	}

	if !t.stillArmed(gen) {
		return
	}

	t.fn()
}

func (t *Timer) stillArmed(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed && t.gen == gen
}
