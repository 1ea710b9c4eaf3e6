package cc33xx

import (
	"errors"
	"log/slog"

	"github.com/soypat/cc33xx/wire"
)

var errNullSSID = errors.New("access point started without SSID")

// RoleParams describes the BSS a role is started on.
type RoleParams struct {
	Band           wire.Band
	Channel        uint8
	ChannelType    uint8
	BeaconInterval uint16
	DTIMPeriod     uint8
	BasicRates     uint32
	// LocalRates defaults to BasicRates when zero.
	LocalRates uint32
	BSSID      [6]byte
	SSID       string
	HiddenSSID bool
}

// StartRole starts the firmware role of iface on the BSS described by p and
// allocates its links. Station and IBSS roles get one link; access point
// roles get a global and a broadcast link.
func (d *Device) StartRole(iface *Interface, p RoleParams) error {
	if err := d.acquire(); err != nil {
		return err
	}
	defer d.release()
	if !d.hasInterface(iface) {
		return errIfaceNotAdded
	}
	if iface.started {
		return ErrBusy
	}
	if iface.kind == IfaceP2PDevice || iface.roleID == InvalidRole {
		return ErrInvalidRole
	}
	if iface.kind.isAP() && iface.kind != IfaceMesh && p.SSID == "" && !p.HiddenSSID {
		d.logerr("role start: got a null SSID")
		return errNullSSID
	}
	return d.roleStart(iface, p)
}

func (d *Device) roleStart(iface *Interface, p RoleParams) error {
	cmd := wire.RoleStart{
		RoleID:         uint8(iface.roleID),
		Type:           iface.kind.roleType(),
		Band:           p.Band,
		Channel:        p.Channel,
		ChannelType:    p.ChannelType,
		DTIMPeriod:     p.DTIMPeriod,
		BeaconInterval: p.BeaconInterval,
		BasicRates:     p.BasicRates,
		LocalRates:     p.LocalRates,
		RemoteRates:    p.LocalRates,
		BSSID:          p.BSSID,
		HiddenSSID:     p.HiddenSSID,
	}
	if cmd.LocalRates == 0 {
		cmd.LocalRates = p.BasicRates
		cmd.RemoteRates = p.BasicRates
	}
	cmd.SetSSID(p.SSID)
	comp, err := d.sendRoleStart(&cmd)
	if err != nil {
		d.logerr("role start failed", slog.String("kind", iface.kind.String()), errattr(err))
		return err
	}
	if iface.kind.isAP() {
		err = d.setLink(iface, &iface.globalHLID, LinkID(comp.HLID), comp.Session, [6]byte{})
		if err == nil {
			err = d.setLink(iface, &iface.bcastHLID, LinkID(comp.BcastHLID), comp.BcastSession, [6]byte{})
		}
		if err != nil {
			d.clearLink(iface, &iface.bcastHLID)
			d.clearLink(iface, &iface.globalHLID)
			return err
		}
	} else {
		err = d.setLink(iface, &iface.staHLID, LinkID(comp.HLID), comp.Session, p.BSSID)
		if err != nil {
			d.clearLink(iface, &iface.staHLID)
			return err
		}
	}
	iface.band = p.Band
	iface.channel = p.Channel
	iface.started = true
	d.debug("role started",
		slog.Int("role", int(iface.roleID)),
		slog.String("kind", iface.kind.String()),
		slog.Int("channel", int(p.Channel)),
	)
	return nil
}

// sendRoleStart issues role-start and decodes its completion.
func (d *Device) sendRoleStart(cmd *wire.RoleStart) (comp wire.RoleStartComplete, err error) {
	var p [wire.RoleStartLen]byte
	cmd.Put(p[:])
	if _, err = d.cmdSend(wire.CmdRoleStart, p[:], nil); err != nil {
		return comp, err
	}
	var res [4]byte
	n, _ := d.cmd.copyResult(res[:])
	comp, err = wire.DecodeRoleStartComplete(res[:n])
	if err != nil {
		return comp, errjoin(ErrIO, err)
	}
	return comp, nil
}

// StopRole stops the firmware role of iface. Connected stations are
// dropped and the role's links are released.
func (d *Device) StopRole(iface *Interface) error {
	if err := d.acquire(); err != nil {
		return err
	}
	defer d.release()
	if !d.hasInterface(iface) {
		return errIfaceNotAdded
	}
	if !iface.started {
		return nil
	}
	return d.roleStop(iface)
}

// roleStop is used for station, IBSS and access point roles. Called with mu held.
func (d *Device) roleStop(iface *Interface) error {
	cmd := wire.RoleIDCmd{RoleID: uint8(iface.roleID)}
	var p [wire.RoleIDCmdLen]byte
	cmd.Put(p[:])
	if _, err := d.cmdSend(wire.CmdRoleStop, p[:], nil); err != nil {
		d.logerr("role stop failed", slog.Int("role", int(iface.roleID)), errattr(err))
		return err
	}
	for len(iface.stations) > 0 {
		d.dropStation(iface.stations[0])
	}
	if iface.kind.isAP() {
		d.clearLink(iface, &iface.bcastHLID)
		d.clearLink(iface, &iface.globalHLID)
	} else {
		d.clearLink(iface, &iface.staHLID)
	}
	iface.started = false
	iface.associated = false
	d.debug("role stopped", slog.Int("role", int(iface.roleID)))
	return nil
}

// roleStartDev starts the device role of iface on channel and sets its link.
func (d *Device) roleStartDev(iface *Interface, band wire.Band, channel uint8) error {
	cmd := wire.RoleStart{
		RoleID:  uint8(iface.devRoleID),
		Type:    wire.RoleDevice,
		Band:    band,
		Channel: channel,
	}
	comp, err := d.sendRoleStart(&cmd)
	if err == nil {
		err = d.setLink(iface, &iface.devHLID, LinkID(comp.HLID), comp.Session, [6]byte{})
	}
	if err != nil {
		d.logerr("role start dev failed", errattr(err))
		d.clearLink(iface, &iface.devHLID)
		return err
	}
	return nil
}

func (d *Device) roleStopDev(iface *Interface) error {
	if iface.devHLID == InvalidLink {
		return ErrInvalidLink
	}
	cmd := wire.RoleIDCmd{RoleID: uint8(iface.devRoleID)}
	var p [wire.RoleIDCmdLen]byte
	cmd.Put(p[:])
	if _, err := d.cmdSend(wire.CmdRoleStop, p[:], nil); err != nil {
		d.logerr("role stop dev failed", errattr(err))
		return err
	}
	d.clearLink(iface, &iface.devHLID)
	return nil
}

// startDev enables and starts a device role for iface and remains on its
// channel. P2P device interfaces already own an enabled device role.
func (d *Device) startDev(iface *Interface, band wire.Band, channel uint8) (err error) {
	if !iface.canStartDev() {
		return ErrInvalidRole
	}
	p2pMgmt := iface.kind == IfaceP2PDevice
	if !p2pMgmt {
		err = d.roleEnable(iface.addr, wire.RoleDevice, &iface.devRoleID)
		if err != nil {
			return err
		}
	}
	err = d.roleStartDev(iface, band, channel)
	if err == nil {
		err = d.roc(iface.devRoleID, band, channel)
		if err != nil {
			d.roleStopDev(iface)
		}
	}
	if err != nil && !p2pMgmt {
		d.roleDisable(&iface.devRoleID)
	}
	return err
}

// stopDev cancels the device role's channel reservation and stops it.
func (d *Device) stopDev(iface *Interface) error {
	if !iface.canStartDev() {
		return ErrInvalidRole
	}
	// Push out what is queued for the device link first.
	err := d.txWorkLocked()
	if err != nil {
		return err
	}
	if d.reg.rocMap.has(iface.devRoleID) {
		if err = d.croc(iface.devRoleID); err != nil {
			return err
		}
	}
	if err = d.roleStopDev(iface); err != nil {
		return err
	}
	if iface.kind != IfaceP2PDevice {
		return d.roleDisable(&iface.devRoleID)
	}
	return nil
}

// StartDevice starts a device role on channel for off-channel work of a
// station, IBSS or P2P device interface.
func (d *Device) StartDevice(iface *Interface, band wire.Band, channel uint8) error {
	if err := d.acquire(); err != nil {
		return err
	}
	defer d.release()
	if !d.hasInterface(iface) {
		return errIfaceNotAdded
	}
	if iface.devHLID != InvalidLink {
		return ErrBusy
	}
	return d.startDev(iface, band, channel)
}

// StopDevice stops the device role started by StartDevice.
func (d *Device) StopDevice(iface *Interface) error {
	if err := d.acquire(); err != nil {
		return err
	}
	defer d.release()
	if !d.hasInterface(iface) {
		return errIfaceNotAdded
	}
	if iface.devHLID == InvalidLink {
		return nil
	}
	return d.stopDev(iface)
}
