package cc33xx

import (
	"strconv"
	"sync/atomic"

	"github.com/soypat/cc33xx/wire"
)

// State is the device-wide lifecycle state.
type State uint32

const (
	StateOff State = iota
	StateOn
	StateRestarting
)

func (s State) String() string {
	switch s {
	case StateOff:
		return "off"
	case StateOn:
		return "on"
	case StateRestarting:
		return "restarting"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// canTransition reports whether from->to is a legal state change.
// On->Off is allowed for administrative shutdown.
func canTransition(from, to State) bool {
	switch from {
	case StateOff:
		return to == StateOn
	case StateOn:
		return to == StateRestarting || to == StateOff
	case StateRestarting:
		return to == StateOff
	}
	return false
}

type state struct {
	v atomic.Uint32
}

func (s *state) get() State { return State(s.v.Load()) }

// transition moves from->to atomically. It fails if the current state is
// not from or the transition is illegal.
func (s *state) transition(from, to State) bool {
	if !canTransition(from, to) {
		panic("cc33xx: illegal state transition " + from.String() + "->" + to.String())
	}
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

// force sets the state to to if the transition from the current state is
// legal, returning the previous state.
func (s *state) force(to State) (prev State, ok bool) {
	for {
		prev = s.get()
		if prev == to {
			return prev, true
		}
		if !canTransition(prev, to) {
			return prev, false
		}
		if s.v.CompareAndSwap(uint32(prev), uint32(to)) {
			return prev, true
		}
	}
}

type flag uint32

const (
	flagRecoveryInProgress flag = 1 << iota
	flagFwTxBusy
	flagTxPending
)

// flagset holds device flags visible from the interrupt path.
type flagset struct {
	v atomic.Uint32
}

func (f *flagset) has(fl flag) bool { return flag(f.v.Load())&fl != 0 }
func (f *flagset) set(fl flag)      { f.v.Or(uint32(fl)) }
func (f *flagset) clear(fl flag)    { f.v.And(^uint32(fl)) }
func (f *flagset) reset()           { f.v.Store(0) }

// testAndSet sets fl and reports whether it was already set.
func (f *flagset) testAndSet(fl flag) bool { return flag(f.v.Or(uint32(fl)))&fl != 0 }

// hintAccumulator aggregates clear-on-read interrupt causes. Bits read from
// each refreshed status block are merged in and only leave the accumulator
// when the status reader takes them for dispatch, so bits arriving while a
// previous batch is processed are never lost.
type hintAccumulator struct {
	v atomic.Uint32
}

func (h *hintAccumulator) merge(bits wire.Hint) { h.v.Or(uint32(bits)) }

// take returns the accumulated bits and clears them.
func (h *hintAccumulator) take() wire.Hint { return wire.Hint(h.v.Swap(0)) }

