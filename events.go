package cc33xx

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/soypat/cc33xx/wire"
)

const maxDeferredEvents = 64

// eventQueue holds events parsed by the status reader until the deferred
// work delivers them.
type eventQueue struct {
	mu  sync.Mutex
	evs []wire.Event
}

func (q *eventQueue) push(ev wire.Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.evs) >= maxDeferredEvents {
		return false
	}
	q.evs = append(q.evs, ev)
	return true
}

// drain returns the queued events in arrival order and empties the queue.
func (q *eventQueue) drain() []wire.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	evs := q.evs
	q.evs = nil
	return evs
}

type eventWaiter struct {
	id wire.EventID
	ch chan wire.Event
}

// eventWaiters lets a configuration path block until firmware acknowledges a
// command with an event.
type eventWaiters struct {
	mu sync.Mutex
	ws []*eventWaiter
}

// add registers interest in id. Register before sending the command the
// event answers so an early event is not missed.
func (e *eventWaiters) add(id wire.EventID) *eventWaiter {
	w := &eventWaiter{id: id, ch: make(chan wire.Event, 1)}
	e.mu.Lock()
	e.ws = append(e.ws, w)
	e.mu.Unlock()
	return w
}

func (e *eventWaiters) remove(w *eventWaiter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, ww := range e.ws {
		if ww == w {
			e.ws = append(e.ws[:i], e.ws[i+1:]...)
			return
		}
	}
}

func (e *eventWaiters) signal(ev wire.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, w := range e.ws {
		if w.id == ev.ID {
			select {
			case w.ch <- ev:
			default:
			}
		}
	}
}

// wait blocks until the event arrives or timeout elapses, then unregisters w.
func (d *Device) waitEvent(w *eventWaiter, timeout time.Duration) (wire.Event, error) {
	defer d.waiters.remove(w)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev := <-w.ch:
		return ev, nil
	case <-timer.C:
		return wire.Event{}, fmt.Errorf("%w: %s", ErrEventTimeout, w.id)
	}
}

// deferEvent is called by the status reader for each event record. The
// record payload aliases the control buffer so it is copied.
func (d *Device) deferEvent(ev wire.Event) {
	ev.Data = append([]byte(nil), ev.Data...)
	d.waiters.signal(ev)
	if !d.events.push(ev) {
		d.warn("event queue full, dropping", slog.String("event", ev.ID.String()))
		return
	}
	d.irqWork.queue()
}

// processDeferredEvents delivers queued events. Called with mu held.
func (d *Device) processDeferredEvents() {
	for _, ev := range d.events.drain() {
		if d.logenabled(slog.LevelDebug) {
			d.debug("event", slog.String("id", ev.ID.String()), slog.Int("len", len(ev.Data)))
		}
		switch ev.ID {
		case wire.EventRemainOnChannelComplete:
			if len(ev.Data) > 0 {
				d.trace("roc started", slog.Int("role", int(ev.Data[0])))
			}
		case wire.EventInactiveStation, wire.EventMaxTxFailure:
			if len(ev.Data) > 0 {
				d.info("station event", slog.String("id", ev.ID.String()), slog.Int("hlid", int(ev.Data[0])))
			}
		}
		if d.cfg.OnEvent != nil {
			d.cfg.OnEvent(ev)
		}
	}
}
