// Package simfw is an in-memory CC33xx firmware model. It implements the bus
// collaborator of the cc33xx package: it accepts commands in the data region,
// answers them through the control region, keeps the core status block and
// the TX result ring, queues receive frames and raises interrupts from its
// own goroutine. Faults can be injected to exercise the host error paths.
package simfw

import (
	"errors"
	"sync"
	"time"

	"github.com/soypat/cc33xx/wire"
)

var (
	ErrPoweredOff  = errors.New("simfw: device powered off")
	ErrInjected    = errors.New("simfw: injected bus failure")
	errUnknownAddr = errors.New("simfw: unknown bus address")
	errShortWrite  = errors.New("simfw: short write")
)

const (
	maxRoles = 4
	maxLinks = 16
	// ctrlRecordsMax is the most record bytes a control read carries.
	ctrlRecordsMax = wire.CmdMaxSize - wire.CoreStatusLen - wire.NABHeaderLen - 2*wire.NABExtraBytes
	// ringPublishMax keeps one ring slot free so the host can tell a full
	// ring from an empty one.
	ringPublishMax = wire.TxResultQueueSize - 1
)

// Response is the firmware answer to a command.
type Response struct {
	Status wire.CommandStatus
	Data   []byte
	// Events are posted in the same control read, after the completion.
	Events []Event
	// Silent drops the completion so the host times out.
	Silent bool
}

// Event is an asynchronous firmware event.
type Event struct {
	ID   wire.EventID
	Data []byte
}

// TxFrame is a frame the host handed to firmware.
type TxFrame struct {
	HLID    uint8
	DescID  uint8
	AC      uint8
	Session uint8
	Data    []byte
}

// Handler overrides the built-in command handling. Returning ok=false falls
// back to the built-in handler.
type Handler func(cmd wire.Command, payload []byte) (resp Response, ok bool)

type role struct {
	typ     wire.RoleType
	enabled bool
	links   []uint8
}

// Firmware is a simulated device. The zero value is not usable; use New.
type Firmware struct {
	// Info is returned by the device-info read.
	Info wire.DeviceInfo
	// BootDelay is the time between power-on and the firmware ready interrupt.
	BootDelay time.Duration
	// Handle, when set, is consulted before the built-in command handling.
	Handle Handler
	// OnCommand is called for every command received, after it was handled.
	OnCommand func(cmd wire.Command, status wire.CommandStatus)

	mu      sync.Mutex
	powered bool
	boots   int
	noBoot  int

	irqc    chan struct{}
	irqStop chan struct{}
	irqOn   bool

	hints wire.Hint
	tsf   uint32
	// ctrl holds control records not yet read by the host.
	ctrl []byte
	rx   []byte

	ring       [wire.TxResultQueueSize]uint8
	ringIdx    uint8
	txPending  []uint8
	holdTx     bool
	txFrames   []TxFrame
	txDescBusy [wire.MaxTxDescriptors]bool

	roles    [maxRoles]role
	links    [maxLinks]bool
	sessions [maxLinks]uint8
	dfs      wire.DFSConfig
	peer     wire.AddPeer
	rocRoles uint8

	commands      []wire.Command
	silent        map[wire.Command]int
	statusFor     map[wire.Command]wire.CommandStatus
	skipEvent     map[wire.EventID]int
	corruptNext   bool
	badCtrlSync   bool
	badCtrlLen    int // -1 when unset
	failNextRead  bool
	failRxRead    bool
	failNextWrite bool
	zeroRxNext    bool
}

// New returns a powered-off simulated device.
func New() *Firmware {
	return &Firmware{
		Info: wire.DeviceInfo{
			HWVersion: 0x33,
			PGVersion: 0x2,
			MAC:       [6]byte{0x08, 0x00, 0x28, 0x33, 0x00, 0x01},
		},
		irqc:       make(chan struct{}, 1),
		badCtrlLen: -1,
		silent:     make(map[wire.Command]int),
		statusFor:  make(map[wire.Command]wire.CommandStatus),
		skipEvent:  make(map[wire.EventID]int),
	}
}

// Power implements the bus power switch. Powering on resets the device and
// starts the boot sequence.
func (f *Firmware) Power(on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetLocked()
	f.powered = on
	if !on {
		return nil
	}
	f.boots++
	if f.noBoot > 0 {
		f.noBoot--
		return nil
	}
	boot := func() {
		f.mu.Lock()
		if f.powered {
			f.hints |= wire.HintBootTime
		}
		f.mu.Unlock()
		f.raise()
	}
	if f.BootDelay > 0 {
		time.AfterFunc(f.BootDelay, boot)
	} else {
		go boot()
	}
	return nil
}

func (f *Firmware) resetLocked() {
	f.hints = 0
	f.ctrl = f.ctrl[:0]
	f.rx = f.rx[:0]
	f.ring = [wire.TxResultQueueSize]uint8{}
	f.ringIdx = 0
	f.txPending = f.txPending[:0]
	f.txDescBusy = [wire.MaxTxDescriptors]bool{}
	f.roles = [maxRoles]role{}
	f.links = [maxLinks]bool{}
	f.links[0] = true
	f.rocRoles = 0
}

// EnableIRQ starts delivering interrupts to handler from a dedicated goroutine.
func (f *Firmware) EnableIRQ(handler func()) {
	f.mu.Lock()
	if f.irqOn {
		close(f.irqStop)
	}
	stop := make(chan struct{})
	f.irqStop = stop
	f.irqOn = true
	pending := f.hints != 0 || len(f.rx) > 0
	f.mu.Unlock()
	go f.irqLoop(handler, stop)
	if pending {
		f.raise()
	}
}

func (f *Firmware) DisableIRQ() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.irqOn {
		close(f.irqStop)
		f.irqOn = false
	}
}

func (f *Firmware) irqLoop(handler func(), stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-f.irqc:
		}
		select {
		case <-stop:
			return
		default:
		}
		handler()
	}
}

// raise signals the interrupt line. Signals coalesce while the handler runs.
func (f *Firmware) raise() {
	select {
	case f.irqc <- struct{}{}:
	default:
	}
}

// Read implements the bus read of the status, control and data regions.
func (f *Firmware) Read(addr uint32, buf []byte, fixed bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.powered {
		return ErrPoweredOff
	}
	if f.failNextRead {
		f.failNextRead = false
		return ErrInjected
	}
	clear(buf)
	switch addr {
	case wire.NABStatusAddr:
		if len(buf) < wire.CoreStatusLen {
			return wire.ErrShortBuffer
		}
		f.putStatusLocked(buf[:wire.CoreStatusLen])
	case wire.NABControlAddr:
		return f.readControlLocked(buf)
	case wire.NABDataAddr:
		if f.failRxRead {
			f.failRxRead = false
			return ErrInjected
		}
		return f.readDataLocked(buf)
	default:
		return errUnknownAddr
	}
	return nil
}

// putStatusLocked writes the core status block. Interrupt causes are clear
// on read; TX results held back are published into the ring.
func (f *Firmware) putStatusLocked(dst []byte) {
	f.publishTxLocked()
	f.tsf++
	cs := wire.CoreStatus{
		HostInterruptStatus: f.hints,
		RxStatus:            uint32(len(f.rx)) & wire.RxByteCountMask,
		TSF:                 f.tsf,
		TxResultIndex:       f.ringIdx,
		TxResults:           f.ring,
	}
	for i := range cs.BlockPad {
		cs.BlockPad[i] = wire.BlockPadPattern
	}
	if f.corruptNext {
		f.corruptNext = false
		cs.BlockPad[len(cs.BlockPad)-1] = 0xdeadbeef
	}
	f.hints = 0
	if len(f.ctrl) > 0 {
		// More control records than fit one read.
		f.hints |= wire.HintCommandComplete
	}
	cs.Put(dst)
}

func (f *Firmware) readControlLocked(buf []byte) error {
	if len(buf) < wire.NABHeaderLen+wire.NABExtraBytes+wire.CoreStatusLen {
		return wire.ErrShortBuffer
	}
	limit := min(ctrlRecordsMax, len(buf)-wire.CoreStatusLen-wire.NABHeaderLen-2*wire.NABExtraBytes)
	n := 0
	for n < len(f.ctrl) {
		_, payload, _, err := wire.NextRecord(f.ctrl[n:])
		if err != nil {
			// Raw injected bytes; hand them over whole.
			n = len(f.ctrl)
			break
		}
		sz := wire.ControlDescLen + len(payload)
		if n+sz > limit {
			break
		}
		n += sz
	}
	n = min(n, limit)
	hdr := wire.NABHeader{
		Sync: wire.DeviceSyncPattern,
		Len:  uint16(wire.NABExtraBytes + n),
	}
	if f.badCtrlSync {
		f.badCtrlSync = false
		hdr.Sync = ^wire.DeviceSyncPattern
	}
	if f.badCtrlLen >= 0 {
		hdr.Len = uint16(f.badCtrlLen)
		f.badCtrlLen = -1
	}
	hdr.Put(buf)
	copy(buf[wire.NABHeaderLen+wire.NABExtraBytes:], f.ctrl[:n])
	f.ctrl = append(f.ctrl[:0], f.ctrl[n:]...)
	f.putStatusLocked(buf[len(buf)-wire.CoreStatusLen:])
	return nil
}

func (f *Firmware) readDataLocked(buf []byte) error {
	if len(buf) < wire.NABHeaderLen+wire.CoreStatusLen {
		return wire.ErrShortBuffer
	}
	room := len(buf) - wire.CoreStatusLen - wire.NABHeaderLen
	n := 0
	if f.zeroRxNext {
		f.zeroRxNext = false
	} else {
		for n+wire.RxDescLen <= len(f.rx) {
			desc := wire.DecodeRxDescriptor(f.rx[n:])
			sz := wire.RxDescLen + alignup4(int(desc.Length))
			if n+sz > room {
				break
			}
			n += sz
		}
	}
	hdr := wire.NABHeader{Sync: wire.DeviceSyncPattern, Len: uint16(wire.NABHeaderLen + n)}
	hdr.Put(buf)
	copy(buf[wire.NABHeaderLen:], f.rx[:n])
	f.rx = append(f.rx[:0], f.rx[n:]...)
	f.putStatusLocked(buf[len(buf)-wire.CoreStatusLen:])
	return nil
}

// Write implements the bus write of the data region: commands and TX frames.
func (f *Firmware) Write(addr uint32, buf []byte, fixed bool) error {
	f.mu.Lock()
	if !f.powered {
		f.mu.Unlock()
		return ErrPoweredOff
	}
	if f.failNextWrite {
		f.failNextWrite = false
		f.mu.Unlock()
		return ErrInjected
	}
	if addr != wire.NABDataAddr {
		f.mu.Unlock()
		return errUnknownAddr
	}
	if len(buf) < wire.NABHeaderLen {
		f.mu.Unlock()
		return errShortWrite
	}
	hdr := wire.DecodeNABHeader(buf)
	end := wire.NABHeaderLen + int(hdr.Len)
	if hdr.Sync != wire.HostSyncPattern || end > len(buf) {
		f.mu.Unlock()
		return wire.ErrBadSync
	}
	var raise bool
	if hdr.Opcode == wire.OpcodeTxData {
		raise = f.txLocked(buf[wire.NABHeaderLen:end])
		f.mu.Unlock()
	} else {
		f.mu.Unlock()
		raise = f.command(buf[:end])
	}
	if raise {
		f.raise()
	}
	return nil
}

func (f *Firmware) txLocked(b []byte) (raise bool) {
	for len(b) >= wire.TxDescLen {
		desc := wire.DecodeTxDescriptor(b)
		b = b[wire.TxDescLen:]
		n := int(desc.Length)
		if n > len(b) {
			break
		}
		f.txFrames = append(f.txFrames, TxFrame{
			HLID:    desc.HLID,
			DescID:  desc.DescID,
			AC:      desc.AC,
			Session: desc.Session,
			Data:    append([]byte(nil), b[:n]...),
		})
		b = b[min(alignup4(n), len(b)):]
		if int(desc.DescID) < len(f.txDescBusy) {
			f.txDescBusy[desc.DescID] = true
		}
		f.txPending = append(f.txPending, desc.DescID&wire.TxResultDescMask)
	}
	if f.holdTx {
		return false
	}
	f.hints |= wire.HintNewTxResult
	return true
}

// publishTxLocked moves completed TX results into the ring.
func (f *Firmware) publishTxLocked() {
	if f.holdTx {
		return
	}
	n := min(len(f.txPending), ringPublishMax)
	for _, desc := range f.txPending[:n] {
		f.ring[f.ringIdx] = desc
		f.ringIdx = (f.ringIdx + 1) % wire.TxResultQueueSize
		if int(desc) < len(f.txDescBusy) {
			f.txDescBusy[desc] = false
		}
	}
	f.txPending = append(f.txPending[:0], f.txPending[n:]...)
	if len(f.txPending) > 0 {
		// Interrupt again for the results that did not fit.
		f.hints |= wire.HintNewTxResult
		f.raise()
	}
}

func alignup4(n int) int { return (n + 3) &^ 3 }
