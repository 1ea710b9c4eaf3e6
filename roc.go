package cc33xx

import (
	"log/slog"
	"time"

	"github.com/soypat/cc33xx/wire"
)

// rocTimeSpare is subtracted from delayed ROC checks to tolerate timer
// and scheduling jitter.
const rocTimeSpare = 50 * time.Millisecond

// roc reserves the radio for roleID on channel. A role holding a
// reservation is left alone. Called with mu held.
func (d *Device) roc(roleID RoleID, band wire.Band, channel uint8) error {
	if !roleID.valid() {
		return ErrInvalidRole
	}
	if d.reg.rocMap.has(roleID) {
		d.warn("roc: role already on channel", slog.Int("role", int(roleID)))
		return nil
	}
	cmd := wire.ROC{RoleID: uint8(roleID), Channel: channel, Band: band}
	var p [wire.ROCLen]byte
	cmd.Put(p[:])
	if _, err := d.cmdSend(wire.CmdRemainOnChannel, p[:], nil); err != nil {
		d.logerr("roc failed", slog.Int("role", int(roleID)), errattr(err))
		return err
	}
	d.reg.rocMap.set(roleID)
	d.debug("roc", slog.Int("role", int(roleID)), slog.Int("channel", int(channel)))
	return nil
}

// croc cancels the reservation of roleID. Releasing the last reservation
// rearms the TX watchdog so frames that could not leave while off channel
// are not taken for a stall. Called with mu held.
func (d *Device) croc(roleID RoleID) error {
	if !d.reg.rocMap.has(roleID) {
		d.warn("croc: role not on channel", slog.Int("role", int(roleID)))
		return nil
	}
	cmd := wire.RoleIDCmd{RoleID: uint8(roleID)}
	var p [wire.RoleIDCmdLen]byte
	cmd.Put(p[:])
	if _, err := d.cmdSend(wire.CmdCancelRemainOnChannel, p[:], nil); err != nil {
		d.logerr("croc failed", slog.Int("role", int(roleID)), errattr(err))
		return err
	}
	d.reg.rocMap.clear(roleID)
	if d.reg.rocMap.empty() {
		d.rearmTxWatchdog()
	}
	d.debug("croc", slog.Int("role", int(roleID)))
	return nil
}

// ROCActive reports whether any role holds a channel reservation.
func (d *Device) ROCActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.reg.rocMap.empty()
}

// Reserve reserves the radio for the role of iface on its current channel.
func (d *Device) Reserve(iface *Interface) error {
	if err := d.acquire(); err != nil {
		return err
	}
	defer d.release()
	if iface.roleID == InvalidRole {
		return ErrInvalidRole
	}
	return d.roc(iface.roleID, iface.band, iface.channel)
}

// Release cancels the reservation held by the role of iface.
func (d *Device) Release(iface *Interface) error {
	if err := d.acquire(); err != nil {
		return err
	}
	defer d.release()
	if iface.roleID == InvalidRole {
		return ErrInvalidRole
	}
	return d.croc(iface.roleID)
}

// RemainOnChannel starts a device role for iface on channel for duration.
// OnROCExpired is called when the duration elapses. ErrBusy is returned if
// another reservation is active.
func (d *Device) RemainOnChannel(iface *Interface, band wire.Band, channel uint8, duration time.Duration) error {
	if err := d.acquire(); err != nil {
		return err
	}
	defer d.release()
	if !d.hasInterface(iface) {
		return errIfaceNotAdded
	}
	if active, ok := d.reg.rocMap.first(); ok || d.rocVif != nil {
		d.warn("roc: active reservation", slog.Int("role", int(active)))
		return ErrBusy
	}
	err := d.startDev(iface, band, channel)
	if err != nil {
		return err
	}
	d.rocVif = iface
	d.rocCompleteWork.schedule(duration)
	return nil
}

// CancelRemainOnChannel ends the reservation started by RemainOnChannel.
func (d *Device) CancelRemainOnChannel() error {
	d.rocCompleteWork.cancelSync()
	_, err := d.rocCompleted()
	return err
}

func (d *Device) rocComplete() {
	iface, err := d.rocCompleted()
	if err == nil && iface != nil && d.cfg.OnROCExpired != nil {
		d.cfg.OnROCExpired(iface)
	}
}

func (d *Device) rocCompleted() (*Interface, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.get() != StateOn {
		return nil, ErrBusy
	}
	iface := d.rocVif
	if iface == nil {
		return nil, nil
	}
	if iface.removed {
		d.rocVif = nil
		return nil, ErrBusy
	}
	err := d.stopDev(iface)
	if err != nil {
		return nil, err
	}
	d.rocVif = nil
	d.debug("roc complete", slog.Int("role", int(iface.roleID)))
	return iface, nil
}

// UpdateInConnStation tracks peers of an access point in the middle of
// connecting. While any peer connects, or an authentication reply is
// pending when st is nil, the AP role holds the channel.
func (d *Device) UpdateInConnStation(iface *Interface, st *Station, inConn bool) error {
	if err := d.acquire(); err != nil {
		return err
	}
	defer d.release()
	if !d.hasInterface(iface) {
		return errIfaceNotAdded
	}
	d.updateInConnStation(iface, st, inConn)
	return nil
}

// PendingAuthReply records that iface sent an authentication reply. The
// AP role stays on channel until the peer connects or PendingAuthTimeout
// elapses.
func (d *Device) PendingAuthReply(iface *Interface) error {
	if err := d.acquire(); err != nil {
		return err
	}
	defer d.release()
	if !d.hasInterface(iface) || !iface.kind.isAP() {
		return errIfaceNotAdded
	}
	if !iface.apPendingAuthReply {
		d.updateInConnStation(iface, nil, true)
	}
	iface.pendingAuthReplyTime = time.Now()
	iface.pendingAuth.schedule(d.cfg.PendingAuthTimeout)
	return nil
}

// updateInConnStation is the locked form of UpdateInConnStation.
func (d *Device) updateInConnStation(iface *Interface, st *Station, inConn bool) {
	d.trace("update inconn sta",
		slog.Bool("inconn", inConn),
		slog.Int("count", iface.inconnCount),
		slog.Bool("pending_auth", iface.apPendingAuthReply),
	)
	if inConn {
		if st != nil && st.inConnection {
			return
		}
		if !iface.apPendingAuthReply && iface.inconnCount == 0 {
			d.rocIfPossible(iface)
			if iface.roleID.valid() && d.reg.rocMap.has(iface.roleID) {
				iface.pendingAuthReplyTime = time.Now()
				iface.rocTimeout.cancel()
				iface.rocTimeout.schedule(d.cfg.ROCTimeout)
			}
		}
		if st != nil {
			st.inConnection = true
			iface.inconnCount++
		} else {
			iface.apPendingAuthReply = true
		}
		return
	}

	switch {
	case st != nil && !st.inConnection:
		return
	case st == nil && !iface.apPendingAuthReply:
		return
	case st != nil && iface.inconnCount == 0:
		d.warn("update inconn sta: count underflow")
		return
	}
	if st != nil {
		st.inConnection = false
		iface.inconnCount--
	} else {
		iface.apPendingAuthReply = false
	}
	if iface.inconnCount == 0 && !iface.apPendingAuthReply &&
		iface.roleID.valid() && d.reg.rocMap.has(iface.roleID) {
		d.croc(iface.roleID)
		iface.rocTimeout.cancel()
	}
}

// rocIfPossible reserves the channel for the role of iface unless another
// reservation is active.
func (d *Device) rocIfPossible(iface *Interface) {
	if !d.reg.rocMap.empty() || iface.roleID == InvalidRole {
		return
	}
	d.roc(iface.roleID, iface.band, iface.channel)
}

// pendingAuthComplete runs PendingAuthTimeout after the last authentication
// reply and drops the reservation taken for it.
func (d *Device) pendingAuthComplete(iface *Interface) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.get() != StateOn || iface.removed {
		return
	}
	// Another reply may have arrived while waiting for the lock.
	if time.Since(iface.pendingAuthReplyTime) < d.cfg.PendingAuthTimeout-rocTimeSpare {
		return
	}
	d.debug("pending auth timeout expired")
	d.updateInConnStation(iface, nil, false)
}

// rocTimeoutExpired cancels the reservation of a connecting AP that did not
// complete within ROCTimeout.
func (d *Device) rocTimeoutExpired(iface *Interface) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.get() != StateOn || iface.removed {
		return
	}
	if time.Since(iface.pendingAuthReplyTime) < d.cfg.ROCTimeout-rocTimeSpare {
		return
	}
	d.debug("roc timeout expired, canceling reservation")
	if iface.roleID.valid() && d.reg.rocMap.has(iface.roleID) {
		d.croc(iface.roleID)
	}
}
