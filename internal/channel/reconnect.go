package channel

import (
	"sync"
	"time"
)

// ReconnectDelay is the fixed pause before a dropped connection is retried.
const ReconnectDelay = 5 * time.Second

// Reconnector schedules at most one pending reconnect attempt. A second
// Schedule while a timer is outstanding is a no-op, and Cancel stops the
// pending attempt for good. The zero value with Delay left at zero uses
// ReconnectDelay.
type Reconnector struct {
	Delay time.Duration

	mu       sync.Mutex
	cond     *sync.Cond
	timer    *time.Timer
	running  bool
	canceled bool
}

// idle returns the condition signaled when a running attempt finishes.
// Callers must hold mu.
func (r *Reconnector) idle() *sync.Cond {
	if r.cond == nil {
		r.cond = sync.NewCond(&r.mu)
	}
	return r.cond
}

// Schedule arranges for fn to run once after the reconnect delay. Returns
// false when a reconnect is already pending or the reconnector has been
// canceled.
func (r *Reconnector) Schedule(fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.canceled || r.timer != nil {
		return false
	}
	delay := r.Delay
	if delay <= 0 {
		delay = ReconnectDelay
	}
	r.timer = time.AfterFunc(delay, func() {
		r.mu.Lock()
		r.timer = nil
		if r.canceled {
			r.mu.Unlock()
			return
		}
		r.running = true
		r.mu.Unlock()

		fn()

		r.mu.Lock()
		r.running = false
		r.idle().Broadcast()
		r.mu.Unlock()
	})
	return true
}

// Pending reports whether a reconnect attempt is currently scheduled.
func (r *Reconnector) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timer != nil
}

// Cancel stops any pending attempt, rejects future Schedule calls, and
// blocks until an attempt that already fired has finished. When Cancel
// returns no attempt is running and none will run, so the caller can tear
// down whatever a late attempt established. Must not be called from inside
// a scheduled attempt.
func (r *Reconnector) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.canceled = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	for r.running {
		r.idle().Wait()
	}
}

// Reset clears the canceled flag so the reconnector can be reused after a
// fresh Initialize.
func (r *Reconnector) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.canceled = false
}
