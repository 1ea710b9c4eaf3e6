package simfw

import (
	"github.com/soypat/cc33xx/wire"
)

// Silence drops the completion of the next n commands cmd.
func (f *Firmware) Silence(cmd wire.Command, n int) {
	f.mu.Lock()
	f.silent[cmd] += n
	f.mu.Unlock()
}

// SetStatus forces the completion status of every subsequent cmd. Events
// the command would post are not sent.
func (f *Firmware) SetStatus(cmd wire.Command, st wire.CommandStatus) {
	f.mu.Lock()
	f.statusFor[cmd] = st
	f.mu.Unlock()
}

// ClearStatus undoes SetStatus for cmd.
func (f *Firmware) ClearStatus(cmd wire.Command) {
	f.mu.Lock()
	delete(f.statusFor, cmd)
	f.mu.Unlock()
}

// SkipEvent drops the next n events id the firmware would post.
func (f *Firmware) SkipEvent(id wire.EventID, n int) {
	f.mu.Lock()
	f.skipEvent[id] += n
	f.mu.Unlock()
}

// FailBoots makes the next n power-ons never signal firmware ready.
func (f *Firmware) FailBoots(n int) {
	f.mu.Lock()
	f.noBoot = n
	f.mu.Unlock()
}

// GeneralError raises the fatal firmware interrupt.
func (f *Firmware) GeneralError() {
	f.mu.Lock()
	f.hints |= wire.HintGeneralError
	f.mu.Unlock()
	f.raise()
}

// CorruptNextStatus damages the padding of the next status block read.
func (f *Firmware) CorruptNextStatus() {
	f.mu.Lock()
	f.corruptNext = true
	f.mu.Unlock()
}

// CorruptNextControlSync stamps a wrong sync pattern on the next control
// region read.
func (f *Firmware) CorruptNextControlSync() {
	f.mu.Lock()
	f.badCtrlSync = true
	f.mu.Unlock()
}

// SetNextControlLen overrides the NAB length of the next control region read.
func (f *Firmware) SetNextControlLen(n uint16) {
	f.mu.Lock()
	f.badCtrlLen = int(n)
	f.mu.Unlock()
}

// FailNextRead makes the next bus read return an error.
func (f *Firmware) FailNextRead() {
	f.mu.Lock()
	f.failNextRead = true
	f.mu.Unlock()
}

// FailNextRxRead makes the next read of the receive region return an error.
func (f *Firmware) FailNextRxRead() {
	f.mu.Lock()
	f.failRxRead = true
	f.mu.Unlock()
}

// FailNextWrite makes the next bus write return an error.
func (f *Firmware) FailNextWrite() {
	f.mu.Lock()
	f.failNextWrite = true
	f.mu.Unlock()
}

// ZeroNextRx makes the next receive read report an empty buffer.
func (f *Firmware) ZeroNextRx() {
	f.mu.Lock()
	f.zeroRxNext = true
	f.mu.Unlock()
}

// PostEvent posts an unsolicited event and raises the interrupt.
func (f *Firmware) PostEvent(id wire.EventID, data []byte) {
	f.mu.Lock()
	f.ctrl = wire.AppendRecord(f.ctrl, wire.ControlEvent, wire.AppendEvent(nil, id, data))
	f.hints |= wire.HintCommandComplete
	f.mu.Unlock()
	f.raise()
}

// InjectControl appends raw bytes to the control region and raises the
// interrupt. Used to feed malformed or duplicated records to the host.
func (f *Firmware) InjectControl(records []byte) {
	f.mu.Lock()
	f.ctrl = append(f.ctrl, records...)
	f.hints |= wire.HintCommandComplete
	f.mu.Unlock()
	f.raise()
}

// QueueRx queues a received frame for link hlid and raises the interrupt.
func (f *Firmware) QueueRx(hlid uint8, frame []byte) {
	f.mu.Lock()
	desc := wire.RxDescriptor{Length: uint16(len(frame)), HLID: hlid}
	var d [wire.RxDescLen]byte
	desc.Put(d[:])
	f.rx = append(f.rx, d[:]...)
	f.rx = append(f.rx, frame...)
	for pad := alignup4(len(frame)) - len(frame); pad > 0; pad-- {
		f.rx = append(f.rx, 0)
	}
	f.mu.Unlock()
	f.raise()
}

// HoldTx stops reporting TX results until ReleaseTx.
func (f *Firmware) HoldTx() {
	f.mu.Lock()
	f.holdTx = true
	f.mu.Unlock()
}

// ReleaseTx reports every TX result held back.
func (f *Firmware) ReleaseTx() {
	f.mu.Lock()
	f.holdTx = false
	pending := len(f.txPending) > 0
	if pending {
		f.hints |= wire.HintNewTxResult
	}
	f.mu.Unlock()
	if pending {
		f.raise()
	}
}

// Commands returns the opcodes received since power on of the simulator,
// in order.
func (f *Firmware) Commands() []wire.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.Command(nil), f.commands...)
}

// CommandCount returns how many times cmd was received.
func (f *Firmware) CommandCount(cmd wire.Command) (n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.commands {
		if c == cmd {
			n++
		}
	}
	return n
}

// TxFrames returns the frames received from the host.
func (f *Firmware) TxFrames() []TxFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]TxFrame(nil), f.txFrames...)
}

// Boots returns the number of power-ons.
func (f *Firmware) Boots() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.boots
}

func (f *Firmware) Powered() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.powered
}

// DFS returns the last channel configuration received.
func (f *Firmware) DFS() wire.DFSConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dfs
}

// LastPeer returns the last peer added by the host.
func (f *Firmware) LastPeer() wire.AddPeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peer
}

// RolesEnabled returns the number of enabled firmware roles.
func (f *Firmware) RolesEnabled() (n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.roles {
		if r.enabled {
			n++
		}
	}
	return n
}

// ROCRoles returns the bitmap of roles remaining on channel.
func (f *Firmware) ROCRoles() uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rocRoles
}
