package simfw

import (
	"github.com/soypat/cc33xx/wire"
)

// command runs a host command and posts its completion and events in the
// control region. It reports whether an interrupt should be raised.
func (f *Firmware) command(frame []byte) bool {
	if len(frame) < wire.CommandHeaderLen {
		return false
	}
	hdr := wire.DecodeCommandHeader(frame)
	payload := append([]byte(nil), frame[wire.CommandHeaderLen:]...)

	var resp Response
	handled := false
	if f.Handle != nil {
		resp, handled = f.Handle(hdr.ID, payload)
	}

	f.mu.Lock()
	f.commands = append(f.commands, hdr.ID)
	if !handled {
		resp = f.handleLocked(hdr.ID, payload)
	}
	if st, ok := f.statusFor[hdr.ID]; ok {
		resp.Status = st
		resp.Events = nil
	}
	if f.silent[hdr.ID] > 0 {
		f.silent[hdr.ID]--
		resp.Silent = true
	}
	if !resp.Silent {
		data := resp.Data
		if len(data) > wire.ResultMaxSize {
			data = data[:wire.ResultMaxSize]
		}
		comp := wire.AppendCompletion(nil, hdr.ID, resp.Status, data)
		f.ctrl = wire.AppendRecord(f.ctrl, wire.ControlCommandComplete, comp)
	}
	for _, ev := range resp.Events {
		if f.skipEvent[ev.ID] > 0 {
			f.skipEvent[ev.ID]--
			continue
		}
		f.ctrl = wire.AppendRecord(f.ctrl, wire.ControlEvent, wire.AppendEvent(nil, ev.ID, ev.Data))
	}
	raise := len(f.ctrl) > 0
	if raise {
		f.hints |= wire.HintCommandComplete
	}
	onCommand := f.OnCommand
	f.mu.Unlock()
	if onCommand != nil {
		onCommand(hdr.ID, resp.Status)
	}
	return raise
}

func ok(data []byte, evs ...Event) Response {
	return Response{Status: wire.StatusSuccess, Data: data, Events: evs}
}

func fail(st wire.CommandStatus) Response {
	return Response{Status: st}
}

// handleLocked is the built-in firmware behavior.
func (f *Firmware) handleLocked(cmd wire.Command, p []byte) Response {
	switch cmd {
	case wire.CmdBMReadDeviceInfo:
		var b [wire.DeviceInfoLen]byte
		f.Info.Put(b[:])
		return ok(b[:])

	case wire.CmdInterrogate, wire.CmdTestMode, wire.CmdDebugRead:
		return ok(p)

	case wire.CmdRoleEnable:
		if len(p) < wire.RoleEnableLen {
			return fail(wire.StatusInvalidParam)
		}
		re := wire.DecodeRoleEnable(p)
		for id := range f.roles {
			if !f.roles[id].enabled {
				f.roles[id] = role{typ: re.Type, enabled: true}
				return ok([]byte{uint8(id), 0, 0, 0})
			}
		}
		return fail(wire.StatusOutOfMemory)

	case wire.CmdRoleDisable:
		r, st := f.roleLocked(p)
		if st != wire.StatusSuccess {
			return fail(st)
		}
		f.freeLinksLocked(r)
		*r = role{}
		return ok(nil)

	case wire.CmdRoleStart:
		if len(p) < wire.RoleStartLen {
			return fail(wire.StatusInvalidParam)
		}
		rs := wire.DecodeRoleStart(p)
		if int(rs.RoleID) >= maxRoles || !f.roles[rs.RoleID].enabled {
			return fail(wire.StatusInvalidParam)
		}
		r := &f.roles[rs.RoleID]
		var comp wire.RoleStartComplete
		var st wire.CommandStatus
		comp.HLID, comp.Session, st = f.allocLinkLocked(r)
		if st == wire.StatusSuccess && (rs.Type == wire.RoleAP || rs.Type == wire.RoleP2PGO || rs.Type == wire.RoleMesh) {
			comp.BcastHLID, comp.BcastSession, st = f.allocLinkLocked(r)
		}
		if st != wire.StatusSuccess {
			f.freeLinksLocked(r)
			return fail(st)
		}
		var b [4]byte
		comp.Put(b[:])
		return ok(b[:])

	case wire.CmdRoleStop:
		r, st := f.roleLocked(p)
		if st != wire.StatusSuccess {
			return fail(st)
		}
		f.freeLinksLocked(r)
		return ok(nil)

	case wire.CmdAddPeer:
		if len(p) < wire.AddPeerLen {
			return fail(wire.StatusInvalidParam)
		}
		ap := wire.DecodeAddPeer(p)
		if int(ap.RoleID) >= maxRoles || !f.roles[ap.RoleID].enabled {
			return fail(wire.StatusInvalidParam)
		}
		f.peer = ap
		hlid, session, st := f.allocLinkLocked(&f.roles[ap.RoleID])
		if st != wire.StatusSuccess {
			return fail(st)
		}
		return ok([]byte{hlid, session, 0, 0})

	case wire.CmdRemovePeer:
		if len(p) < wire.RemovePeerLen {
			return fail(wire.StatusInvalidParam)
		}
		rp := wire.DecodeRemovePeer(p)
		if int(rp.HLID) >= maxLinks || !f.links[rp.HLID] || int(rp.RoleID) >= maxRoles {
			return fail(wire.StatusInvalidParam)
		}
		f.freeLinkLocked(&f.roles[rp.RoleID], rp.HLID)
		return ok(nil, Event{ID: wire.EventPeerRemoveComplete, Data: []byte{rp.HLID, 0, 0, 0}})

	case wire.CmdDFSChannelConfig:
		if len(p) < wire.DFSConfigLen {
			return fail(wire.StatusInvalidParam)
		}
		f.dfs = wire.DecodeDFSConfig(p)
		return ok(nil, Event{ID: wire.EventDFSConfigComplete})

	case wire.CmdRemainOnChannel:
		if len(p) < wire.ROCLen {
			return fail(wire.StatusInvalidParam)
		}
		roc := wire.DecodeROC(p)
		if roc.RoleID >= maxRoles {
			return fail(wire.StatusInvalidParam)
		}
		f.rocRoles |= 1 << roc.RoleID
		return ok(nil, Event{ID: wire.EventRemainOnChannelComplete, Data: []byte{roc.RoleID, 0, 0, 0}})

	case wire.CmdCancelRemainOnChannel:
		if len(p) < wire.RoleIDCmdLen || p[0] >= maxRoles {
			return fail(wire.StatusInvalidParam)
		}
		f.rocRoles &^= 1 << p[0]
		return ok(nil)
	}
	return ok(nil)
}

func (f *Firmware) roleLocked(p []byte) (*role, wire.CommandStatus) {
	if len(p) < wire.RoleIDCmdLen {
		return nil, wire.StatusInvalidParam
	}
	id := wire.DecodeRoleIDCmd(p).RoleID
	if int(id) >= maxRoles || !f.roles[id].enabled {
		return nil, wire.StatusInvalidParam
	}
	return &f.roles[id], wire.StatusSuccess
}

func (f *Firmware) allocLinkLocked(r *role) (hlid, session uint8, st wire.CommandStatus) {
	for id := 1; id < maxLinks; id++ {
		if !f.links[id] {
			f.links[id] = true
			f.sessions[id]++
			r.links = append(r.links, uint8(id))
			return uint8(id), f.sessions[id], wire.StatusSuccess
		}
	}
	return 0, 0, wire.StatusStaTableFull
}

func (f *Firmware) freeLinkLocked(r *role, hlid uint8) {
	f.links[hlid] = false
	for i, id := range r.links {
		if id == hlid {
			r.links = append(r.links[:i], r.links[i+1:]...)
			return
		}
	}
}

func (f *Firmware) freeLinksLocked(r *role) {
	for _, id := range r.links {
		f.links[id] = false
	}
	r.links = r.links[:0]
}
