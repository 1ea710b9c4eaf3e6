package cc33xx

import (
	"sync"
	"time"
)

// work is a coalescing, non-reentrant deferred job. Queueing a work that is
// already pending is a no-op. Queueing it while it runs schedules exactly one
// more run after the current one returns.
type work struct {
	fn      func()
	mu      sync.Mutex
	cond    sync.Cond
	pending bool
	running bool
}

// queue schedules the work and reports whether it was not already pending.
func (w *work) queue() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending {
		return false
	}
	w.pending = true
	if !w.running {
		w.running = true
		go w.run()
	}
	return true
}

func (w *work) run() {
	for {
		w.mu.Lock()
		if !w.pending {
			w.running = false
			w.signal()
			w.mu.Unlock()
			return
		}
		w.pending = false
		w.mu.Unlock()
		w.fn()
	}
}

func (w *work) signal() {
	if w.cond.L == nil {
		w.cond.L = &w.mu
	}
	w.cond.Broadcast()
}

// cancelSync drops a pending run and waits for a running instance to
// return. It must not be called from the work itself or while holding a lock
// the work takes.
func (w *work) cancelSync() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cond.L == nil {
		w.cond.L = &w.mu
	}
	w.pending = false
	for w.running {
		w.cond.Wait()
	}
}

// busy reports whether the work is pending or running.
func (w *work) busy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending || w.running
}

// delayedWork is a work queued after a delay.
type delayedWork struct {
	work
	tmu   sync.Mutex
	timer *time.Timer
}

func (dw *delayedWork) init(fn func()) { dw.fn = fn }

// schedule (re)arms the timer. A previously armed timer is stopped.
func (dw *delayedWork) schedule(delay time.Duration) {
	dw.tmu.Lock()
	defer dw.tmu.Unlock()
	if dw.timer != nil {
		dw.timer.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		dw.tmu.Lock()
		fire := dw.timer == t
		if fire {
			dw.timer = nil
		}
		dw.tmu.Unlock()
		if fire {
			dw.queue()
		}
	})
	dw.timer = t
}

// armed reports whether the timer is armed or the work is pending.
func (dw *delayedWork) armed() bool {
	dw.tmu.Lock()
	t := dw.timer
	dw.tmu.Unlock()
	return t != nil || dw.busy()
}

// cancel stops the timer and drops a pending run without waiting.
func (dw *delayedWork) cancel() {
	dw.tmu.Lock()
	if dw.timer != nil {
		dw.timer.Stop()
		dw.timer = nil
	}
	dw.tmu.Unlock()
	dw.mu.Lock()
	dw.pending = false
	dw.mu.Unlock()
}

func (dw *delayedWork) cancelSync() {
	dw.cancel()
	dw.work.cancelSync()
}
