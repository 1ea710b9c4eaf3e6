package cc33xx

import (
	"errors"
	"log/slog"

	"github.com/soypat/cc33xx/wire"
)

// Station is a peer associated to an access point interface. A Station
// keeps its freed packet count after it is removed so that re-adding it
// after a recovery continues the security sequence where it left off.
type Station struct {
	Addr           [6]byte
	AID            uint16
	SupportedRates uint32
	HTCapabilities uint32
	WMM            bool
	MFP            bool
	MaxSP          uint8
	// UAPSDQueues has bit i set when access category i is U-APSD enabled.
	UAPSDQueues uint8

	iface          *Interface
	hlid           LinkID
	totalFreedPkts uint64
	inConnection   bool
}

// Link returns the link of the station, or InvalidLink if it is not added.
func (st *Station) Link() LinkID {
	if st.iface == nil {
		return InvalidLink
	}
	st.iface.d.mu.Lock()
	defer st.iface.d.mu.Unlock()
	return st.hlid
}

// FreedPackets returns the freed packet count saved when the station was
// last removed.
func (st *Station) FreedPackets() uint64 {
	if st.iface == nil {
		return st.totalFreedPkts
	}
	st.iface.d.mu.Lock()
	defer st.iface.d.mu.Unlock()
	return st.totalFreedPkts
}

// AddStation adds st as a peer of the started access point iface.
func (d *Device) AddStation(iface *Interface, st *Station) error {
	if err := d.acquire(); err != nil {
		return err
	}
	defer d.release()
	if !d.hasInterface(iface) || !iface.kind.isAP() || !iface.started {
		return errIfaceNotAdded
	}
	if st.iface != nil && st.hlid != InvalidLink {
		return ErrBusy
	}
	if d.reg.apStations >= d.cfg.MaxAPStations {
		d.warn("add station: too many stations", slog.Int("stations", d.reg.apStations))
		return ErrBusy
	}
	cmd := wire.AddPeer{
		Addr:           st.Addr,
		AID:            st.AID,
		SupportedRates: st.SupportedRates,
		HTCapabilities: st.HTCapabilities,
		RoleID:         uint8(iface.roleID),
		RoleType:       iface.kind.roleType(),
		LinkType:       1,
		WMM:            st.WMM,
		SPLen:          st.MaxSP,
		MFP:            st.MFP,
	}
	for i := 0; i < wire.PSDTypes; i++ {
		// Firmware orders the flags from voice down to background.
		if st.WMM && st.UAPSDQueues&(1<<i) != 0 {
			cmd.PSDType[wire.PSDTypes-1-i] = 1
		}
	}
	var p [wire.AddPeerLen]byte
	cmd.Put(p[:])
	if _, err := d.cmdSend(wire.CmdAddPeer, p[:], nil); err != nil {
		d.logerr("add peer failed", errattr(err))
		return err
	}
	var res [2]byte
	n, _ := d.cmd.copyResult(res[:])
	comp, err := wire.DecodePeerComplete(res[:n])
	if err != nil {
		return errjoin(ErrIO, err)
	}
	st.hlid = InvalidLink
	err = d.setLink(iface, &st.hlid, LinkID(comp.HLID), comp.Session, st.Addr)
	if err != nil {
		d.warn("add station: could not allocate link", errattr(err))
		return errjoin(ErrBusy, err)
	}
	// Use the previous security sequence if this is a recovery.
	d.reg.links[st.hlid].totalFreedPkts = st.totalFreedPkts
	st.iface = iface
	iface.stations = append(iface.stations, st)
	d.reg.apStations++
	d.debug("station added", slog.Int("hlid", int(st.hlid)), slog.Int("aid", int(st.AID)))
	return nil
}

// RemoveStation removes peer st from firmware. The firmware acknowledges
// the removal with an event; a missing acknowledgment is tolerated.
func (d *Device) RemoveStation(st *Station) error {
	if err := d.acquire(); err != nil {
		return err
	}
	defer d.release()
	iface := st.iface
	if iface == nil || st.hlid == InvalidLink || !iface.linksMap.has(st.hlid) {
		return errStationNotAdded
	}
	if st.inConnection {
		d.updateInConnStation(iface, st, false)
	}
	cmd := wire.RemovePeer{HLID: uint8(st.hlid), RoleID: uint8(iface.roleID)}
	var p [wire.RemovePeerLen]byte
	cmd.Put(p[:])
	w := d.waiters.add(wire.EventPeerRemoveComplete)
	if _, err := d.cmdSend(wire.CmdRemovePeer, p[:], nil); err != nil {
		d.waiters.remove(w)
		d.logerr("remove peer failed", errattr(err))
		return err
	}
	_, err := d.waitEvent(w, d.cfg.EventTimeout)
	if errors.Is(err, ErrEventTimeout) {
		// Firmware sometimes skips this event.
		d.warn("remove peer: no completion event", slog.Int("hlid", int(st.hlid)))
	}
	d.dropStation(st)
	return nil
}

// dropStation releases the link of st saving its freed packet count. Called
// with mu held.
func (d *Device) dropStation(st *Station) {
	iface := st.iface
	if iface == nil {
		return
	}
	if st.hlid.valid() && iface.linksMap.has(st.hlid) {
		st.totalFreedPkts = d.reg.links[st.hlid].totalFreedPkts
		if d.flags.has(flagRecoveryInProgress) {
			// Account for frames sent but not yet reported in the status.
			st.totalFreedPkts += iface.sqnPadding()
		}
		d.clearLink(iface, &st.hlid)
		d.reg.apStations--
	}
	st.hlid = InvalidLink
	if st.inConnection {
		st.inConnection = false
		iface.inconnCount--
	}
	for i, v := range iface.stations {
		if v == st {
			iface.stations = append(iface.stations[:i], iface.stations[i+1:]...)
			break
		}
	}
	// Give firmware a chance to return buffered frames of the last station
	// before the watchdog complains.
	if d.reg.apStations == 0 {
		d.rearmTxWatchdog()
	}
}

// SetPeerState marks link hlid of iface as connected in firmware.
func (d *Device) SetPeerState(iface *Interface, hlid LinkID) error {
	if err := d.acquire(); err != nil {
		return err
	}
	defer d.release()
	if !hlid.valid() || !iface.linksMap.has(hlid) {
		return ErrInvalidLink
	}
	cmd := wire.PeerState{HLID: uint8(hlid), Connected: true}
	var p [wire.PeerStateLen]byte
	cmd.Put(p[:])
	_, err := d.cmdSend(wire.CmdSetLinkConnectionState, p[:], nil)
	if err != nil {
		d.logerr("set peer state failed", errattr(err))
	}
	return err
}

// Stations returns the peers of an access point interface.
func (iface *Interface) Stations() []*Station {
	iface.d.mu.Lock()
	defer iface.d.mu.Unlock()
	return append([]*Station(nil), iface.stations...)
}
