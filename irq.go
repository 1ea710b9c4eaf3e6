package cc33xx

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/soypat/cc33xx/wire"
)

// statusState is owned by the status reader and serialized by mu.
type statusState struct {
	mu   sync.Mutex
	core wire.CoreStatus
	ctrl [wire.CmdMaxSize]byte
	raw  [wire.CoreStatusLen]byte
	rx   []byte
	// txIdx is the TX result ring position up to which entries were
	// collected into txResults. Each status block is drained into txResults
	// as it is loaded, so results survive ring wraparound between deferred
	// work runs.
	txIdx     uint8
	txResults []uint8
}

// reset drops the status block and the collected TX results. Firmware
// restarts its result ring on boot.
func (s *statusState) reset() {
	s.mu.Lock()
	s.core = wire.CoreStatus{}
	s.txIdx = 0
	s.txResults = s.txResults[:0]
	s.mu.Unlock()
}

// handleIRQ is the device interrupt handler. It reads and validates the core
// status block and dispatches everything it signals.
func (d *Device) handleIRQ() {
	d.status.mu.Lock()
	defer d.status.mu.Unlock()
	err := d.readCoreStatus()
	if err == nil {
		err = d.processCoreStatus()
	}
	if err != nil {
		d.logerr("irq", errattr(err))
		d.queueRecovery()
	}
}

// Poll runs the status reader once as if an interrupt had fired.
func (d *Device) Poll() error {
	d.status.mu.Lock()
	defer d.status.mu.Unlock()
	err := d.readCoreStatus()
	if err == nil {
		err = d.processCoreStatus()
	}
	if err != nil {
		d.queueRecovery()
	}
	return err
}

func (d *Device) readCoreStatus() error {
	err := d.busRead(wire.NABStatusAddr, d.status.raw[:], false)
	if err != nil {
		d.status.core = wire.CoreStatus{}
		return err
	}
	return d.loadCoreStatus(d.status.raw[:])
}

// loadCoreStatus validates and installs a status block read from the device.
// Its interrupt causes move into the accumulator.
func (d *Device) loadCoreStatus(b []byte) error {
	cs := wire.DecodeCoreStatus(b)
	if !cs.PaddingValid() {
		d.status.core = wire.CoreStatus{}
		if d.logenabled(slog.LevelDebug) {
			d.debug("corrupt core status", slog.String("raw", fmt.Sprintf("%x", b[:wire.CoreStatusLen])))
		}
		return fmt.Errorf("%w: %w", ErrIO, errCorruptStatus)
	}
	if cs.TxResultIndex >= wire.TxResultQueueSize {
		d.status.core = wire.CoreStatus{}
		return fmt.Errorf("%w: tx result index %d", ErrIO, cs.TxResultIndex)
	}
	for i := d.status.txIdx; i != cs.TxResultIndex; i = (i + 1) % wire.TxResultQueueSize {
		d.status.txResults = append(d.status.txResults, cs.TxResults[i])
	}
	d.status.txIdx = cs.TxResultIndex
	d.hints.merge(cs.HostInterruptStatus)
	cs.HostInterruptStatus = 0
	d.status.core = cs
	return nil
}

// processCoreStatus dispatches accumulated interrupt causes until a pass
// produces no new status refresh. On error the status block is zeroed.
func (d *Device) processCoreStatus() error {
	for {
		idle := true
		hint := d.hints.take()
		cs := &d.status.core
		if d._traceenabled {
			d.trace("core status",
				slog.String("hint", hint.String()),
				slog.Uint64("tsf", uint64(cs.TSF)),
				slog.Uint64("rx", uint64(cs.RxStatus)),
			)
		}
		if hint&wire.HintCommandComplete != 0 {
			err := d.processControl()
			if err != nil {
				d.status.core = wire.CoreStatus{}
				return err
			}
			idle = false
		}
		cs = &d.status.core
		if cs.RxByteCount() != 0 {
			d.trace("rx data pending")
			d.irqWork.queue()
		}
		if len(d.status.txResults) > 0 {
			d.trace("tx new result")
			d.irqWork.queue()
		}
		if hint&wire.HintNewTxResult != 0 {
			d.irqWork.queue()
		}
		if hint&wire.HintBootTime != 0 {
			d.handleBootIRQ(hint)
		}
		if hint&wire.HintGeneralError != 0 {
			d.logerr("firmware general error, triggering recovery")
			d.queueRecovery()
		}
		if idle {
			return nil
		}
	}
}

// processControl reads the control region and dispatches its records. The
// read carries a refreshed core status block at its tail.
func (d *Device) processControl() error {
	buf := d.status.ctrl[:]
	err := d.busRead(wire.NABControlAddr, buf, false)
	if err != nil {
		return err
	}
	hdr := wire.DecodeNABHeader(buf)
	if hdr.Sync != wire.DeviceSyncPattern {
		d.logerr("wrong device sync pattern", slog.Uint64("sync", uint64(hdr.Sync)))
		return fmt.Errorf("%w: %w", ErrIO, errBadSync)
	}
	msgSize := wire.NABHeaderLen + wire.NABExtraBytes + int(hdr.Len)
	if int(hdr.Len) < wire.NABExtraBytes || msgSize > len(buf)-wire.CoreStatusLen {
		d.logerr("invalid NAB length", slog.Int("len", int(hdr.Len)))
		return fmt.Errorf("%w: %w", ErrIO, errBadNABLen)
	}
	msg := buf[wire.NABHeaderLen+wire.NABExtraBytes : wire.NABHeaderLen+int(hdr.Len)]
	err = d.parseControl(msg)
	if err != nil {
		return err
	}
	return d.loadCoreStatus(buf[len(buf)-wire.CoreStatusLen:])
}

// parseControl walks the control records in order. Any malformed record
// fails the whole read.
func (d *Device) parseControl(msg []byte) error {
	completions := 0
	for len(msg) > 0 {
		typ, payload, rest, err := wire.NextRecord(msg)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrIO, err)
		}
		d.trace("control record", slog.String("type", typ.String()), slog.Int("len", len(payload)))
		switch typ {
		case wire.ControlEvent:
			ev, err := wire.DecodeEvent(payload)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrIO, err)
			}
			d.deferEvent(ev)
		case wire.ControlCommandComplete:
			if len(payload) > wire.ResultMaxSize+4 {
				d.logerr("device response exceeds result buffer", slog.Int("len", len(payload)))
				return fmt.Errorf("%w: %w", ErrIO, errResultOverflow)
			}
			completions++
			if completions > 1 {
				return fmt.Errorf("%w: %w", ErrIO, errDoubleCompletion)
			}
			comp, err := wire.DecodeCompletion(payload)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrIO, err)
			}
			if !d.cmd.complete(comp) {
				d.warn("unexpected command completion dropped", slog.String("cmd", comp.ID.String()))
			}
		default:
			d.logerr("unknown control record", slog.Int("type", int(typ)), slog.Int("offset", cap(d.status.ctrl)-cap(msg)))
			return fmt.Errorf("%w: %w", ErrIO, errUnknownRecord)
		}
		msg = rest
	}
	return nil
}

// irqDeferredWork runs outside the interrupt path: it delivers deferred
// events, reads pending receive data, processes TX results and kicks the TX
// work.
func (d *Device) irqDeferredWork() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.get() != StateOn {
		return
	}
	err := d.irqLocked()
	if err != nil {
		d.logerr("deferred irq", errattr(err))
		d.queueRecovery()
	}
	if d.txQueuedTotal() > 0 {
		d.kickTx()
	}
}

func (d *Device) irqLocked() error {
	d.processDeferredEvents()

	d.status.mu.Lock()
	rxBytes := int(d.status.core.RxByteCount())
	if rxBytes == 0 {
		d.status.mu.Unlock()
		d.txImmediateComplete()
		return nil
	}
	const headersLen = wire.CoreStatusLen + wire.NABHeaderLen
	// Read aggressively as more data might be coming in.
	readLen := 2*rxBytes + headersLen
	if d.cfg.Bus == BusSPI {
		readLen = alignup(readLen, 4)
		if d.cfg.MaxTransactionLen > 0 {
			readLen = min(readLen, d.cfg.MaxTransactionLen)
		}
	} else {
		readLen = min(alignup(readLen, wire.BusBlockSize), wire.RxPacketRAM)
	}
	if cap(d.status.rx) < readLen {
		d.status.rx = make([]byte, readLen)
	}
	buf := d.status.rx[:readLen]
	err := d.busRead(wire.NABDataAddr, buf, true)
	if err != nil {
		d.status.core = wire.CoreStatus{}
	} else {
		err = d.loadCoreStatus(buf[readLen-wire.CoreStatusLen:])
	}
	if err == nil {
		err = d.processCoreStatus()
	}
	d.status.mu.Unlock()
	if err != nil {
		return err
	}

	hdr := wire.DecodeNABHeader(buf)
	if hdr.Len <= wire.NABHeaderLen {
		d.logerr("rx", errattr(errZeroRxLen))
		d.queueRecovery()
		return nil
	}
	rxLen := int(hdr.Len) - wire.NABHeaderLen
	if wire.NABHeaderLen+rxLen > readLen-wire.CoreStatusLen {
		return fmt.Errorf("%w: rx len %d exceeds read", ErrIO, rxLen)
	}
	d.rx(buf[wire.NABHeaderLen : wire.NABHeaderLen+rxLen])
	d.txImmediateComplete()
	return nil
}

// rx splits a receive buffer into frames and delivers them.
func (d *Device) rx(b []byte) {
	for len(b) >= wire.RxDescLen {
		desc := wire.DecodeRxDescriptor(b)
		b = b[wire.RxDescLen:]
		n := int(desc.Length)
		if n > len(b) {
			d.warn("rx: truncated frame", slog.Int("len", n), slog.Int("avail", len(b)))
			return
		}
		frame := b[:n]
		b = b[min(alignup(n, 4), len(b)):]
		if d._traceenabled {
			d.trace("rx", slog.Int("hlid", int(desc.HLID)), slog.Int("len", n))
		}
		if n == 0 {
			continue
		}
		if d.cfg.OnRx != nil {
			d.cfg.OnRx(LinkID(desc.HLID), frame)
		}
	}
}
