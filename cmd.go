package cc33xx

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/soypat/cc33xx/wire"
	"golang.org/x/exp/constraints"
)

// StatusSet is a bitmap of command statuses a caller accepts besides success.
type StatusSet uint32

func AcceptStatus(statuses ...wire.CommandStatus) (s StatusSet) {
	for _, st := range statuses {
		if st < wire.StatusCount {
			s |= 1 << st
		}
	}
	return s
}

func (s StatusSet) Has(st wire.CommandStatus) bool {
	return st < wire.StatusCount && s&(1<<st) != 0
}

// cmdBufSize holds the largest command padded to the mailbox write size.
var cmdBufSize = alignup(wire.INICmdMaxSize, 2*wire.BusBlockSize)

type cmdState struct {
	// mu enforces one command in flight.
	mu      sync.Mutex
	maxSize int
	buf     []byte

	// rmu guards the pending command state shared with the status reader.
	rmu       sync.Mutex
	pending   bool
	id        wire.Command
	status    wire.CommandStatus
	result    [wire.ResultMaxSize]byte
	resultLen int
	done      chan struct{}
}

func (c *cmdState) init() {
	c.maxSize = wire.CmdMaxSize
	c.buf = make([]byte, cmdBufSize)
	c.done = make(chan struct{}, 1)
}

// arm resets the completion for id. Any completion left over from a
// previous command is discarded.
func (c *cmdState) arm(id wire.Command) {
	c.rmu.Lock()
	c.pending = true
	c.id = id
	c.status = 0
	c.resultLen = 0
	select {
	case <-c.done:
	default:
	}
	c.rmu.Unlock()
}

func (c *cmdState) disarm() {
	c.rmu.Lock()
	c.pending = false
	c.rmu.Unlock()
}

// complete stores a completion record. It reports whether the completion
// matched the pending command; unmatched completions leave the pending state
// untouched.
func (c *cmdState) complete(comp wire.Completion) (matched bool) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	if !c.pending || comp.ID != c.id {
		return false
	}
	c.pending = false
	c.status = comp.Status
	c.resultLen = copy(c.result[:], comp.Data)
	c.done <- struct{}{}
	return true
}

// copyResult copies the last completion data into dst.
func (c *cmdState) copyResult(dst []byte) (n int, truncated bool) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	n = copy(dst, c.result[:c.resultLen])
	return n, n < c.resultLen
}

// send frames payload as command id, writes it to the device mailbox and,
// if sync is set, waits for the completion. For commands that return data
// at most len(res) bytes of the result are copied into res.
// Opcodes at or above the supported range complete successfully without
// bus traffic.
func (d *Device) send(id wire.Command, payload, res []byte, sync bool) (status wire.CommandStatus, n int, err error) {
	if id >= wire.CmdLastSupported {
		return wire.StatusSuccess, 0, nil
	}
	total := wire.CommandHeaderLen + len(payload)
	if !isaligned(uint(total), 4) {
		return 0, 0, fmt.Errorf("%w: %s len=%d: %w", ErrIO, id, total, errCmdUnaligned)
	}
	c := &d.cmd
	c.mu.Lock()
	defer c.mu.Unlock()
	if total > c.maxSize {
		return 0, 0, fmt.Errorf("%w: %s len=%d max=%d: %w", ErrIO, id, total, c.maxSize, errCmdTooLong)
	}
	writeLen := alignup(c.maxSize, 2*wire.BusBlockSize)
	buf := c.buf[:writeLen]
	copy(buf[wire.CommandHeaderLen:], payload)
	clear(buf[total:])
	hdr := wire.CommandHeader{
		NAB: wire.NABHeader{
			Sync:   wire.HostSyncPattern,
			Len:    uint16(total - wire.NABHeaderLen),
			Opcode: uint16(id),
		},
		ID: id,
	}
	hdr.Put(buf)
	if d._traceenabled {
		d.trace("send", slog.String("cmd", id.String()), slog.Int("len", total), slog.Bool("sync", sync))
	}

	c.arm(id)
	err = d.busWrite(wire.NABDataAddr, buf, true)
	if err != nil {
		c.disarm()
		return 0, 0, err
	}
	if !sync {
		c.disarm()
		return wire.StatusSuccess, 0, nil
	}

	timer := time.NewTimer(d.cfg.CommandTimeout)
	defer timer.Stop()
	select {
	case <-c.done:
	case <-timer.C:
		c.disarm()
		d.debug("send:timeout", slog.String("cmd", id.String()))
		return 0, 0, fmt.Errorf("%w: %s: %w", ErrIO, id, errCmdTimeout)
	}

	c.rmu.Lock()
	status = c.status
	c.rmu.Unlock()
	if id.ReturnsResult() && len(res) > 0 {
		var truncated bool
		n, truncated = c.copyResult(res)
		if truncated {
			d.warn("send:result truncated", slog.String("cmd", id.String()), slog.Int("buflen", len(res)))
		}
	}
	return status, n, nil
}

// sendFailsafe sends a synchronous command and accepts success plus the
// statuses in valid. Transport failures and rejected statuses are returned
// as ErrIO and escalate recovery.
func (d *Device) sendFailsafe(id wire.Command, payload, res []byte, valid StatusSet) (wire.CommandStatus, int, error) {
	status, n, err := d.send(id, payload, res, true)
	if err != nil {
		d.logerr("command failed", slog.String("cmd", id.String()), errattr(err))
		if escalates(err) {
			d.queueRecovery()
		}
		return status, n, err
	}
	valid |= AcceptStatus(wire.StatusSuccess)
	if !valid.Has(status) {
		d.logerr("command execute failure", slog.String("cmd", id.String()), slog.String("status", status.String()))
		d.queueRecovery()
		return status, n, &statusError{cmd: id, status: status}
	}
	return status, n, nil
}

// escalates reports whether a send error left the device in an unknown
// state. Malformed commands are rejected before reaching the bus.
func escalates(err error) bool {
	return !errors.Is(err, errCmdUnaligned) && !errors.Is(err, errCmdTooLong)
}

// cmdSend sends a command accepting only success. Locally intercepted
// opcodes return nil without bus traffic.
func (d *Device) cmdSend(id wire.Command, payload, res []byte) (n int, err error) {
	if id.Intercepted() || id >= wire.CmdLastSupported {
		return 0, nil
	}
	_, n, err = d.sendFailsafe(id, payload, res, 0)
	return n, err
}

// Send issues command id with payload and returns the device status. It
// does not apply a status policy; transport failures escalate recovery.
func (d *Device) Send(id wire.Command, payload, res []byte) (wire.CommandStatus, int, error) {
	if err := d.acquire(); err != nil {
		return 0, 0, err
	}
	defer d.release()
	status, n, err := d.send(id, payload, res, true)
	if err != nil {
		d.logerr("command failed", slog.String("cmd", id.String()), errattr(err))
		if escalates(err) {
			d.queueRecovery()
		}
	}
	return status, n, err
}

// SendFailsafe issues command id, accepting success and the statuses in valid.
func (d *Device) SendFailsafe(id wire.Command, payload, res []byte, valid StatusSet) (wire.CommandStatus, int, error) {
	if err := d.acquire(); err != nil {
		return 0, 0, err
	}
	defer d.release()
	return d.sendFailsafe(id, payload, res, valid)
}

// Command issues command id and reports success or failure.
func (d *Device) Command(id wire.Command, payload []byte) error {
	if err := d.acquire(); err != nil {
		return err
	}
	defer d.release()
	_, err := d.cmdSend(id, payload, nil)
	return err
}

// acxPayload builds a configure/interrogate payload in scratch: ACX header
// followed by data, padded to a 4 byte multiple.
func acxPayload(scratch []byte, acxID uint16, data []byte, dataLen int) []byte {
	n := alignup(wire.ACXHeaderLen+dataLen, 4)
	if cap(scratch) < n {
		scratch = make([]byte, n)
	}
	p := scratch[:n]
	clear(p)
	hdr := wire.ACXHeader{ID: acxID, Len: uint16(dataLen)}
	hdr.Put(p)
	copy(p[wire.ACXHeaderLen:], data)
	return p
}

// Interrogate reads configuration item acxID from firmware into buf.
func (d *Device) Interrogate(acxID uint16, buf []byte) (int, error) {
	if err := d.acquire(); err != nil {
		return 0, err
	}
	defer d.release()
	return d.interrogate(acxID, buf)
}

func (d *Device) interrogate(acxID uint16, buf []byte) (int, error) {
	p := acxPayload(nil, acxID, nil, 0)
	n, err := d.cmdSend(wire.CmdInterrogate, p, buf)
	if err != nil {
		d.logerr("interrogate failed", slog.Int("acx", int(acxID)), errattr(err))
	}
	return n, err
}

// Configure writes configuration item acxID.
func (d *Device) Configure(acxID uint16, data []byte) error {
	return d.ConfigureFailsafe(acxID, data, 0)
}

// ConfigureFailsafe writes configuration item acxID accepting the statuses in valid.
func (d *Device) ConfigureFailsafe(acxID uint16, data []byte, valid StatusSet) error {
	if err := d.acquire(); err != nil {
		return err
	}
	defer d.release()
	p := acxPayload(nil, acxID, data, len(data))
	_, _, err := d.sendFailsafe(wire.CmdConfigure, p, nil, valid)
	return err
}

// DebugConfigure writes a debug configuration item.
func (d *Device) DebugConfigure(acxID uint16, data []byte) error {
	if err := d.acquire(); err != nil {
		return err
	}
	defer d.release()
	p := acxPayload(nil, acxID, data, len(data))
	_, err := d.cmdSend(wire.CmdDebug, p, nil)
	return err
}

// TestCommand sends a raw test-mode command. If answer is set the response
// overwrites buf.
func (d *Device) TestCommand(buf []byte, answer bool) (int, error) {
	if err := d.acquire(); err != nil {
		return 0, err
	}
	defer d.release()
	p := make([]byte, alignup(len(buf), 4))
	copy(p, buf)
	var res []byte
	if answer {
		res = buf
	}
	return d.cmdSend(wire.CmdTestMode, p, res)
}

// readDeviceInfo issues the boot-time device-info read.
func (d *Device) readDeviceInfo() (di wire.DeviceInfo, err error) {
	var res [wire.DeviceInfoLen]byte
	n, err := d.cmdSend(wire.CmdBMReadDeviceInfo, nil, res[:])
	if err != nil {
		return di, err
	}
	return wire.DecodeDeviceInfo(res[:n])
}

// SetMaxBufferSize switches the command size limit, used around the INI
// parameter download.
func (d *Device) SetMaxBufferSize(which wire.MaxBufferSize) error {
	if err := d.acquire(); err != nil {
		return err
	}
	defer d.release()
	var p [wire.MaxBufferLen]byte
	p[0] = uint8(which)
	_, err := d.cmdSend(wire.CmdSetMaxBufferSize, p[:], nil)
	if err != nil {
		return err
	}
	d.cmd.mu.Lock()
	d.cmd.maxSize = which.Limit()
	d.cmd.mu.Unlock()
	return nil
}

// alignup rounds `val` up to nearest multiple of `align`. `align` must be a power of 2.
func alignup[T constraints.Integer](val, align T) T {
	return (val + align - 1) &^ (align - 1)
}

// isaligned checks if `val` is wholly divisible by `align`. `align` must be a power of 2.
func isaligned[T constraints.Unsigned](val, align T) bool {
	return val&(align-1) == 0
}
