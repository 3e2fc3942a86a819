// Package dispatch implements the distributed delayed-dispatch engine:
// per-replica scheduling, the pub/sub-driven freshness protocol, and the
// claim/dispatch/cleanup sequence that guarantees at-most-once emission
// across racing replicas (spec.md §4.3).
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/joeycumines/echodispatch/internal/ids"
	"github.com/joeycumines/echodispatch/internal/logging"
	"github.com/joeycumines/echodispatch/internal/store"
	"github.com/joeycumines/echodispatch/internal/timer"
)

const (
	// batchSize is BATCH from spec.md §4.3.4.
	batchSize = 30
	// processingWindow is the claim lock's TTL, spec.md §3.
	processingWindow = 1000 * time.Millisecond
	// processingRetryDelay is PROCESSING_RETRY_DELAY, ceil(1.1*1000)ms.
	processingRetryDelay = 1100 * time.Millisecond
	// latencyMultiple arms the timer this many multiples of the last
	// observed store round trip before nextDueTime, since a dispatch
	// typically costs three sequential store queries (spec.md §4.3.1).
	latencyMultiple = 3
	// MaxTextBytes bounds a message's text, spec.md §4.3.2 ("bounded
	// string"). The ingress does not check the length itself; Enqueue is
	// where the bound is enforced.
	MaxTextBytes = 16 * 1024
)

// Store is the subset of the Store Gateway's operations the engine needs.
// *store.Gateway satisfies this.
type Store interface {
	RangeMin(ctx context.Context) (store.Entry, bool, error)
	RangeLowHigh(ctx context.Context, cutoff float64, descending bool, limit int64) ([]store.Entry, error)
	WriteMessage(ctx context.Context, id, text string, dueTimeMs float64, publish bool) (bool, error)
	Claim(ctx context.Context, id string) (bool, error)
	FetchContent(ctx context.Context, id string) (string, bool, error)
	Cleanup(ctx context.Context, id string) error
	WatchedRepublish(ctx context.Context) error
}

// Metrics is the instrumentation surface the engine reports to.
// *metrics.Recorder satisfies this; it is optional (nil is valid).
type Metrics interface {
	ObserveEmitDelta(deltaMs float64)
	IncEnqueued()
	IncDispatched(outcome string)
	IncPassStarted()
	SetSubscriptionUp(up bool)
}

// Config constructs an Engine.
type Config struct {
	// Store is the Store Gateway. Required.
	Store Store

	// Events is the Freshness Channel's event stream, from
	// (*store.Gateway).Subscribe(...).Events(). If nil, the engine never
	// receives freshness updates and relies solely on Start's bootstrap
	// query — useful only for tests of the bootstrap/enqueue paths in
	// isolation.
	Events <-chan store.SubscriptionEvent

	// Out receives emitted lines. Defaults to os.Stdout.
	Out io.Writer

	// Clock returns the current time. Defaults to time.Now. Overridable
	// for deterministic tests.
	Clock func() time.Time

	// Logger receives structured diagnostic events. Optional.
	Logger *logging.Logger

	// Metrics receives instrumentation. Optional.
	Metrics Metrics
}

// Engine holds nextDueTime, drives the Timer, runs the inspection loop, and
// claims and emits due messages, per spec.md §4.3. Its state (nextDueTime,
// upToDate, latency, inspecting, resumeRequested) is guarded by a single
// mutex rather than a dedicated executor goroutine, per the alternative the
// spec explicitly sanctions for naturally-parallel runtimes (spec.md §5).
type Engine struct {
	store   Store
	events  <-chan store.SubscriptionEvent
	out     io.Writer
	now     func() time.Time
	logger  *logging.Logger
	metrics Metrics

	timer *timer.Timer

	mu              sync.Mutex
	nextDueTime     float64
	haveNextDueTime bool
	upToDate        bool
	latency         time.Duration
	inspecting      bool
	resumeRequested bool

	startupOnce sync.Once
	startupDone chan struct{}

	wg             sync.WaitGroup
	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
}

// New constructs an Engine. It does not perform the startup bootstrap
// query; call Start for that once the caller's connections are ready.
func New(cfg Config) *Engine {
	if cfg.Store == nil {
		panic("dispatch: nil Store")
	}

	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		store:          cfg.Store,
		events:         cfg.Events,
		out:            out,
		now:            now,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		startupDone:    make(chan struct{}),
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
	}
	e.timer = timer.New(e.onTimerFire)

	if e.events != nil {
		e.wg.Add(1)
		go e.consumeEvents()
	}

	return e
}

// Started is closed once Start has completed the startup bootstrap exactly
// once.
func (e *Engine) Started() <-chan struct{} { return e.startupDone }

// Start performs the startup bootstrap (spec.md §4.3.1): issues RangeMin,
// records its round trip as latency, seeds nextDueTime if no freshness
// update has arrived yet, and arms the timer. Call it once both of the
// caller's connections are ready and the ndt subscription is acknowledged.
func (e *Engine) Start(ctx context.Context) error {
	entry, ok, err := e.timedRangeMin(ctx)
	if err != nil {
		return fmt.Errorf("dispatch: startup range query: %w", err)
	}

	e.mu.Lock()
	if !e.upToDate {
		e.setNextDueTimeLocked(entry, ok)
	}
	e.armTimerLocked()
	e.mu.Unlock()

	e.startupOnce.Do(func() { close(e.startupDone) })
	return nil
}

func (e *Engine) setNextDueTimeLocked(entry store.Entry, ok bool) {
	if ok {
		e.nextDueTime = entry.DueTime
		e.haveNextDueTime = true
	} else {
		e.haveNextDueTime = false
	}
}

func (e *Engine) timedRangeMin(ctx context.Context) (store.Entry, bool, error) {
	start := e.now()
	entry, ok, err := e.store.RangeMin(ctx)
	elapsed := e.now().Sub(start)
	if err == nil {
		e.mu.Lock()
		e.latency = elapsed
		e.mu.Unlock()
	}
	return entry, ok, err
}

func (e *Engine) armTimerLocked() {
	if !e.haveNextDueTime {
		e.timer.Cancel()
		return
	}
	fireAt := time.UnixMilli(int64(e.nextDueTime)).Add(-latencyMultiple * e.latency)
	e.timer.Trigger(fireAt)
}

// Enqueue accepts a new message due at dueTimeMs (ms since the epoch, any
// sign, may carry sub-millisecond precision for id purposes), per spec.md
// §4.3.2.
func (e *Engine) Enqueue(ctx context.Context, dueTimeMs float64, text string) error {
	if text == "" {
		return errors.New("dispatch: text must not be empty")
	}
	if len(text) > MaxTextBytes {
		return fmt.Errorf("dispatch: text exceeds %d bytes", MaxTextBytes)
	}

	id := ids.For(dueTimeMs, text)
	roundedMs := math.Round(dueTimeMs)

	e.mu.Lock()
	publishMin := !e.upToDate || !e.haveNextDueTime || roundedMs < e.nextDueTime
	e.mu.Unlock()

	added, err := e.store.WriteMessage(ctx, id, text, roundedMs, publishMin)
	if err != nil {
		return fmt.Errorf("dispatch: enqueue: %w", err)
	}

	if e.metrics != nil {
		e.metrics.IncEnqueued()
	}
	if !added {
		e.logf(func(l *logging.Logger) { l.Info().Str("id", id).Log("enqueue: idempotent re-submission") })
	}

	return nil
}

func (e *Engine) consumeEvents() {
	defer e.wg.Done()
	for {
		select {
		case ev, ok := <-e.events:
			if !ok {
				return
			}
			e.onFreshness(ev)
		case <-e.shutdownCtx.Done():
			return
		}
	}
}

// onFreshness applies one Freshness Channel event, per spec.md §4.3.3.
func (e *Engine) onFreshness(ev store.SubscriptionEvent) {
	switch ev.Kind {
	case store.EventMessage:
		e.mu.Lock()
		e.upToDate = true
		if ev.Empty {
			e.haveNextDueTime = false
		} else {
			e.nextDueTime = ev.DueTime
			e.haveNextDueTime = true
		}
		e.armTimerLocked()
		e.mu.Unlock()

	case store.EventDropped:
		e.mu.Lock()
		e.upToDate = false
		e.mu.Unlock()
		if e.metrics != nil {
			e.metrics.SetSubscriptionUp(false)
		}

	case store.EventRestored:
		if e.metrics != nil {
			e.metrics.SetSubscriptionUp(true)
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.rebootstrap(e.shutdownCtx)
		}()
	}
}

// rebootstrap re-runs the startup query after a subscription is
// reestablished, per spec.md §4.3.3.
func (e *Engine) rebootstrap(ctx context.Context) {
	entry, ok, err := e.timedRangeMin(ctx)
	if err != nil {
		e.logf(func(l *logging.Logger) { l.Err().Err(err).Log("rebootstrap: range query failed") })
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.upToDate {
		e.setNextDueTimeLocked(entry, ok)
	}
	e.armTimerLocked()
}

// onTimerFire is the Timer's callback: it starts a new inspection pass, or,
// if one is already running, requests that it restart once it finishes.
func (e *Engine) onTimerFire() {
	e.mu.Lock()
	if e.inspecting {
		e.resumeRequested = true
		e.mu.Unlock()
		return
	}
	e.inspecting = true
	cutoff := e.cutoffLocked()
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.IncPassStarted()
	}

	e.wg.Add(1)
	go e.runPass(cutoff)
}

func (e *Engine) cutoffLocked() float64 {
	nowMs := float64(e.now().UnixMilli())
	if e.haveNextDueTime && e.nextDueTime > nowMs {
		return e.nextDueTime
	}
	return nowMs
}

// runPass executes one inspection-loop pass, per spec.md §4.3.4.
func (e *Engine) runPass(cutoff float64) {
	reverse := false

	for {
		if e.abandonRequested() {
			e.finishPass(0)
			return
		}

		entries, err := e.store.RangeLowHigh(e.shutdownCtx, cutoff, reverse, batchSize)
		if err != nil {
			e.logf(func(l *logging.Logger) { l.Err().Err(err).Log("inspection pass: range query failed") })
			e.finishPass(processingRetryDelay)
			return
		}

		if len(entries) == 0 {
			e.republish()
			e.finishPass(0)
			return
		}

		leftover := false
		for _, entry := range entries {
			if e.abandonRequested() {
				e.finishPass(0)
				return
			}
			if e.tryDispatch(entry) {
				leftover = true
			}
		}

		if len(entries) < batchSize {
			if leftover {
				e.finishPass(processingRetryDelay)
			} else {
				e.republish()
				e.finishPass(0)
			}
			return
		}

		reverse = !reverse
	}
}

func (e *Engine) republish() {
	if err := e.store.WatchedRepublish(e.shutdownCtx); err != nil {
		e.logf(func(l *logging.Logger) { l.Err().Err(err).Log("inspection pass: watched republish failed") })
	}
}

func (e *Engine) abandonRequested() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resumeRequested
}

// finishPass releases the inspecting flag and, if a resume was requested
// while this pass ran, immediately starts another one with a fresh cutoff;
// otherwise, if retryDelay is nonzero, schedules one after that delay.
func (e *Engine) finishPass(retryDelay time.Duration) {
	e.mu.Lock()
	e.inspecting = false
	resume := e.resumeRequested
	e.resumeRequested = false
	e.mu.Unlock()
	e.wg.Done()

	if resume {
		e.onTimerFire()
		return
	}
	if retryDelay > 0 {
		time.AfterFunc(retryDelay, e.onTimerFire)
	}
}

// tryDispatch attempts to claim, emit, and clean up one candidate entry,
// per spec.md §4.3.5. It returns true ("leftover") if the entry could not
// be dispatched and may still be waiting.
func (e *Engine) tryDispatch(entry store.Entry) bool {
	ok, err := e.store.Claim(e.shutdownCtx, entry.ID)
	if err != nil {
		e.logf(func(l *logging.Logger) { l.Err().Err(err).Str("id", entry.ID).Log("try dispatch: claim failed") })
		e.reportOutcome("error")
		return true
	}
	if !ok {
		e.reportOutcome("claim_failed")
		return true
	}

	text, found, err := e.store.FetchContent(e.shutdownCtx, entry.ID)
	if err != nil {
		e.logf(func(l *logging.Logger) { l.Err().Err(err).Str("id", entry.ID).Log("try dispatch: fetch content failed") })
		e.reportOutcome("error")
		return true
	}
	if !found {
		// A racing replica already dispatched this id; non-fatal.
		e.logf(func(l *logging.Logger) { l.Debug().Str("id", entry.ID).Log("try dispatch: content missing, already dispatched") })
		e.reportOutcome("content_missing")
		return true
	}

	now := e.now()
	if err := emit(e.out, now, entry.DueTime, text); err != nil {
		e.logf(func(l *logging.Logger) { l.Err().Err(err).Str("id", entry.ID).Log("try dispatch: emit failed") })
	}
	if e.metrics != nil {
		scoreTime := time.UnixMilli(int64(entry.DueTime)).UTC()
		e.metrics.ObserveEmitDelta(float64(now.Sub(scoreTime).Milliseconds()))
	}
	e.reportOutcome("emitted")

	// Cleanup is issued but not awaited: subsequent store commands are
	// serialized by the connection regardless (spec.md §4.3.5 step 5).
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.store.Cleanup(context.Background(), entry.ID); err != nil {
			e.logf(func(l *logging.Logger) { l.Err().Err(err).Str("id", entry.ID).Log("cleanup failed") })
		}
	}()

	return false
}

func (e *Engine) reportOutcome(outcome string) {
	if e.metrics != nil {
		e.metrics.IncDispatched(outcome)
	}
}

func (e *Engine) logf(fn func(l *logging.Logger)) {
	if e.logger == nil {
		return
	}
	fn(e.logger)
}

// Shutdown cancels the Timer, stops accepting new freshness events, and
// awaits all outstanding callbacks (in-flight passes and cleanups) before
// returning, per spec.md §4.3.6. Closing the underlying store connections
// is the caller's responsibility, once Shutdown returns.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.timer.Cancel()
	e.shutdownCancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
