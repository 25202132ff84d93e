// Package watchdog implements a single session's idle-liveness timer,
// narrowed from the teacher's per-tenant Checker: instead of polling N
// tenant databases on a shared ticker, a Watchdog tracks one session's
// last activity timestamp and fires a callback if the gap ever exceeds
// the configured threshold.
package watchdog

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Watchdog fires onIdle if more than threshold elapses between calls to
// Touch. Start it once the session reaches Ready; Stop it on teardown.
type Watchdog struct {
	threshold time.Duration
	onIdle    func()

	lastActivity atomic.Int64 // unix nanos

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a Watchdog. onIdle is called from the watchdog's own
// goroutine, so it must not block the caller for long.
func New(threshold time.Duration, onIdle func()) *Watchdog {
	w := &Watchdog{
		threshold: threshold,
		onIdle:    onIdle,
		stopCh:    make(chan struct{}),
	}
	w.lastActivity.Store(time.Now().UnixNano())
	return w
}

// Touch records activity, resetting the idle clock.
func (w *Watchdog) Touch() {
	w.lastActivity.Store(time.Now().UnixNano())
}

// Start begins polling for idleness at threshold/4 resolution (bounded to
// a sensible minimum so a tiny threshold doesn't spin).
func (w *Watchdog) Start() {
	resolution := w.threshold / 4
	if resolution < 50*time.Millisecond {
		resolution = 50 * time.Millisecond
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(resolution)
	}()
	slog.Debug("watchdog started", "threshold", w.threshold)
}

func (w *Watchdog) run(resolution time.Duration) {
	ticker := time.NewTicker(resolution)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			last := time.Unix(0, w.lastActivity.Load())
			if time.Since(last) > w.threshold {
				w.onIdle()
				// Reset so a slow/blocking onIdle doesn't get called again
				// every tick while it's still catching up.
				w.Touch()
			}
		case <-w.stopCh:
			return
		}
	}
}

// Stop halts the polling goroutine. Safe to call multiple times or on a
// Watchdog that was never started.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
	slog.Debug("watchdog stopped")
}
