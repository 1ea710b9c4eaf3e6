// Package cc33xx implements the host-side control plane of a CC33xx WLAN
// device: command transport to firmware, the interrupt status reader and
// control-message demultiplexer, the link and role registry, TX admission,
// the remain-on-channel scheduler and whole-device recovery.
//
// The physical bus is supplied by the caller through the [Bus] interface.
package cc33xx

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soypat/cc33xx/wire"
)

// Bus is the raw transport to the device. Implementations must serialize
// their own transactions or rely on the Device doing so; the Device never
// issues overlapping calls.
type Bus interface {
	// Read reads len(buf) bytes at addr. fixed keeps the device address
	// constant for the whole transfer.
	Read(addr uint32, buf []byte, fixed bool) error
	// Write writes buf at addr.
	Write(addr uint32, buf []byte, fixed bool) error
	// Power switches the device supply.
	Power(on bool) error
	// EnableIRQ registers handler to be called on each device interrupt.
	// The handler may block on bus transactions.
	EnableIRQ(handler func())
	DisableIRQ()
}

// BusKind selects the alignment rules of bulk receive reads.
type BusKind uint8

const (
	BusSDIO BusKind = iota
	BusSPI
)

// Config holds the Device tunables and upper-layer callbacks. Callbacks are
// invoked from the Device's worker goroutine and must not call back into
// Device methods that take the configuration lock.
type Config struct {
	Logger *slog.Logger
	Bus    BusKind
	// MaxTransactionLen caps SPI receive reads. Ignored for SDIO.
	MaxTransactionLen int

	CommandTimeout time.Duration
	// EventTimeout bounds waits for firmware events that acknowledge a
	// command (peer removal, DFS configuration).
	EventTimeout      time.Duration
	TxWatchdogTimeout time.Duration
	RecoveryDelay     time.Duration
	BootTimeout       time.Duration
	ROCTimeout        time.Duration
	// PendingAuthTimeout bounds how long a station role is held on channel
	// waiting for an authentication reply.
	PendingAuthTimeout time.Duration

	HighWatermark int
	LowWatermark  int
	MaxAPStations int
	// NoRecovery leaves the device down after a fault instead of restarting it.
	NoRecovery bool

	OnEvent      func(ev wire.Event)
	OnRx         func(hlid LinkID, frame []byte)
	OnTxStatus   func(hlid LinkID, frame []byte, transmitted bool)
	OnROCExpired func(iface *Interface)
	// OnConnectionLoss is called for associated stations torn down by recovery.
	OnConnectionLoss func(iface *Interface)
	OnRestart        func()
}

func DefaultConfig() Config {
	return Config{
		Bus:                BusSDIO,
		CommandTimeout:     2000 * time.Millisecond,
		EventTimeout:       750 * time.Millisecond,
		TxWatchdogTimeout:  5000 * time.Millisecond,
		RecoveryDelay:      500 * time.Millisecond,
		BootTimeout:        1000 * time.Millisecond,
		ROCTimeout:         2000 * time.Millisecond,
		PendingAuthTimeout: 1000 * time.Millisecond,
		HighWatermark:      32,
		LowWatermark:       16,
		MaxAPStations:      8,
	}
}

// Device is a CC33xx control plane instance. All exported methods are safe
// for concurrent use.
type Device struct {
	// mu is the configuration lock. It is held for every role, link, command
	// and recovery operation and by the deferred work that issues bus I/O.
	mu  sync.Mutex
	bus Bus
	// busmu orders bus transactions issued from the IRQ path and from
	// configuration paths.
	busmu sync.Mutex
	cfg   Config

	logger        *slog.Logger
	_traceenabled bool

	state state
	flags flagset
	hints hintAccumulator

	cmd     cmdState
	status  statusState
	events  eventQueue
	waiters eventWaiters

	reg registry
	tx  txState

	regdom regdomain
	// roc bookkeeping lives in reg; rocVif holds the interface with an
	// active remain-on-channel request from the upper layer.
	rocVif *Interface

	irqWork         work
	txWork          work
	recoveryWork    work
	txWatchdog      delayedWork
	rocCompleteWork delayedWork

	bootDone   chan wire.Hint
	devInfo    wire.DeviceInfo
	closed     atomic.Bool
	recoveries atomic.Uint32
}

// New returns a Device bound to bus. The device stays off until Start.
func New(bus Bus, cfg Config) *Device {
	d := &Device{
		bus:      bus,
		cfg:      cfg,
		logger:   cfg.Logger,
		bootDone: make(chan wire.Hint, 1),
	}
	d._traceenabled = d.logger != nil && d.logger.Handler().Enabled(context.Background(), levelTrace)
	d.cmd.init()
	d.reg.init()
	d.tx.init()
	d.irqWork.fn = d.irqDeferredWork
	d.txWork.fn = d.txWorkFn
	d.recoveryWork.fn = d.recover
	d.txWatchdog.init(d.txWatchdogExpired)
	d.rocCompleteWork.init(d.rocComplete)
	return d
}

// State returns the current device state.
func (d *Device) State() State { return d.state.get() }

// Info returns the device information read during the last boot.
func (d *Device) Info() wire.DeviceInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.devInfo
}

// Start powers the device and performs the boot handshake.
func (d *Device) Start() error {
	if d.closed.Load() {
		return errClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.get() != StateOff {
		return errAlreadyStarted
	}
	return d.initFW()
}

// Close turns the device off and disables recovery. A Device cannot be
// restarted after Close.
func (d *Device) Close() error {
	if d.closed.Swap(true) {
		return errClosed
	}
	d.recoveryWork.cancelSync()
	d.mu.Lock()
	for len(d.reg.ifaces) > 0 {
		d.removeInterface(d.reg.ifaces[0], true)
	}
	d.mu.Unlock()
	d.turnOff()
	return nil
}

// acquire takes the configuration lock and checks the device is on.
func (d *Device) acquire() error {
	d.mu.Lock()
	if d.state.get() != StateOn {
		d.mu.Unlock()
		return ErrNotOn
	}
	return nil
}

func (d *Device) release() {
	d.mu.Unlock()
}

func (d *Device) busRead(addr uint32, buf []byte, fixed bool) error {
	d.busmu.Lock()
	err := d.bus.Read(addr, buf, fixed)
	d.busmu.Unlock()
	if err != nil {
		return errjoin(ErrIO, err)
	}
	return nil
}

func (d *Device) busWrite(addr uint32, buf []byte, fixed bool) error {
	d.busmu.Lock()
	err := d.bus.Write(addr, buf, fixed)
	d.busmu.Unlock()
	if err != nil {
		return errjoin(ErrIO, err)
	}
	return nil
}
