package cc33xx

import (
	"log/slog"
	"math/bits"

	"github.com/soypat/cc33xx/wire"
	"golang.org/x/exp/constraints"
)

// LinkID (hlid) identifies a firmware transmission context addressing one
// peer or broadcast domain.
type LinkID uint8

// RoleID identifies one firmware role.
type RoleID uint8

const (
	MaxLinks = 16
	MaxRoles = 4

	InvalidLink LinkID = 0xff
	InvalidRole RoleID = 0xff
	// SystemLink is reserved by firmware and never released.
	SystemLink LinkID = 0

	// MaxRatePolicies is the size of the firmware rate policy table.
	MaxRatePolicies = 16

	// maxActiveRoles bounds concurrently enabled roles other than device roles.
	maxActiveRoles = 2

	// Carried-forward freed packet padding applied on recovery to cover
	// packets transmitted but not yet reported in the firmware status.
	txSQNPostRecoveryPadding    = 0xff
	txSQNPostRecoveryPaddingGEM = 0x20
)

func (id LinkID) valid() bool { return id < MaxLinks }
func (id RoleID) valid() bool { return id < MaxRoles }

// idset is a fixed-capacity bitmap of small identifiers.
type idset[T constraints.Unsigned] uint64

func (s idset[T]) has(id T) bool { return id < 64 && s&(1<<id) != 0 }
func (s *idset[T]) set(id T)     { *s |= 1 << id }
func (s *idset[T]) clear(id T)   { *s &^= 1 << id }
func (s idset[T]) count() int    { return bits.OnesCount64(uint64(s)) }
func (s idset[T]) empty() bool   { return s == 0 }

// first returns the lowest member, or ok=false when the set is empty.
func (s idset[T]) first() (id T, ok bool) {
	if s == 0 {
		return 0, false
	}
	return T(bits.TrailingZeros64(uint64(s))), true
}

// firstFree returns the lowest id below limit not in the set.
func (s idset[T]) firstFree(limit int) (id T, ok bool) {
	free := ^uint64(s)
	if limit < 64 {
		free &= 1<<limit - 1
	}
	if free == 0 {
		return 0, false
	}
	return T(bits.TrailingZeros64(free)), true
}

// link is one entry of the link table. Queue contents and map membership are
// guarded by txState.mu; counters by the configuration lock.
type link struct {
	iface *Interface
	// queue holds admitted frames per access category.
	queue          [NumACs][]*txFrame
	allocatedPkts  int
	totalFreedPkts uint64
	baBitmap       uint8
	addr           [6]byte
	session        uint8
}

type registry struct {
	links    [MaxLinks]link
	linksMap idset[LinkID]
	rolesMap idset[RoleID]
	// devRoles marks enabled device roles, exempt from the role limit.
	devRoles        idset[RoleID]
	rocMap          idset[RoleID]
	ratePolicies    idset[uint8]
	activeLinkCount int
	// apStations counts stations connected to AP interfaces.
	apStations int
	ifaces     []*Interface
}

func (r *registry) init() {
	r.reset()
}

// reset returns the registry to its power-on state. Interfaces are not
// touched; the system link stays allocated.
func (r *registry) reset() {
	for i := range r.links {
		r.links[i] = link{}
	}
	r.linksMap = 0
	r.linksMap.set(SystemLink)
	r.rolesMap = 0
	r.devRoles = 0
	r.rocMap = 0
	r.ratePolicies = 0
	r.activeLinkCount = 0
	r.apStations = 0
}

// LinkInfo is a snapshot of a link's accounting.
type LinkInfo struct {
	Allocated      bool
	AllocatedPkts  int
	TotalFreedPkts uint64
	Session        uint8
	Queued         int
}

// Link returns a snapshot of link hlid.
func (d *Device) Link(hlid LinkID) (LinkInfo, error) {
	if !hlid.valid() {
		return LinkInfo{}, ErrInvalidLink
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tx.mu.Lock()
	defer d.tx.mu.Unlock()
	lnk := &d.reg.links[hlid]
	info := LinkInfo{
		Allocated:      d.reg.linksMap.has(hlid),
		AllocatedPkts:  lnk.allocatedPkts,
		TotalFreedPkts: lnk.totalFreedPkts,
		Session:        lnk.session,
	}
	for ac := range lnk.queue {
		info.Queued += len(lnk.queue[ac])
	}
	return info, nil
}

// ActiveLinks returns the number of links set by roles and peers.
func (d *Device) ActiveLinks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reg.activeLinkCount
}

// setLink marks hlid owned by iface and stores it in *dst. addr is the peer
// address for station links. Called with mu held.
func (d *Device) setLink(iface *Interface, dst *LinkID, hlid LinkID, session uint8, addr [6]byte) error {
	if !hlid.valid() || hlid == SystemLink {
		d.logerr("firmware returned invalid link", slog.Int("hlid", int(hlid)))
		return ErrInvalidLink
	}
	d.tx.mu.Lock()
	if d.reg.linksMap.has(hlid) {
		d.tx.mu.Unlock()
		d.logerr("firmware returned link in use", slog.Int("hlid", int(hlid)))
		return ErrInvalidLink
	}
	d.reg.linksMap.set(hlid)
	iface.linksMap.set(hlid)
	lnk := &d.reg.links[hlid]
	lnk.iface = iface
	lnk.session = session
	lnk.addr = addr
	*dst = hlid
	d.tx.mu.Unlock()

	lnk.allocatedPkts = 0
	// Take the saved freed packet count in case this is a recovery.
	if !iface.kind.isAP() || dst == &iface.bcastHLID {
		lnk.totalFreedPkts = iface.totalFreedPkts
	} else {
		lnk.totalFreedPkts = 0
	}
	d.reg.activeLinkCount++
	d.debug("set link", slog.Int("hlid", int(hlid)), slog.Int("session", int(session)))
	return nil
}

// clearLink releases *hlid and sets it to InvalidLink. Queued frames are
// purged; for an AP broadcast link the freed packet counter is saved in the
// interface with recovery padding. Called with mu held.
func (d *Device) clearLink(iface *Interface, hlid *LinkID) {
	id := *hlid
	if id == InvalidLink {
		return
	}
	if !id.valid() {
		*hlid = InvalidLink
		return
	}
	lnk := &d.reg.links[id]
	// The broadcast link of an AP and the station link carry the
	// interface's sequence counter.
	carry := (iface.kind.isAP() && id == iface.bcastHLID) ||
		(!iface.kind.isAP() && id == iface.staHLID)
	d.tx.mu.Lock()
	d.reg.linksMap.clear(id)
	iface.linksMap.clear(id)
	// Transmit can no longer admit frames for id; purge what is queued.
	purged := d.resetLinkQueuesLocked(id)
	lnk.addr = [6]byte{}
	lnk.session = 0
	lnk.iface = nil
	*hlid = InvalidLink
	d.tx.mu.Unlock()
	d.completePurged(id, purged)

	lnk.baBitmap = 0
	if carry {
		iface.totalFreedPkts = lnk.totalFreedPkts
		if d.flags.has(flagRecoveryInProgress) {
			iface.totalFreedPkts += iface.sqnPadding()
		}
	}
	lnk.totalFreedPkts = 0
	lnk.allocatedPkts = 0
	d.reg.activeLinkCount--
	if d.reg.activeLinkCount < 0 {
		d.warn("active link count underflow")
		d.reg.activeLinkCount = 0
	}
	d.debug("clear link", slog.Int("hlid", int(id)), slog.Int("purged", len(purged)))
}

// roleEnable enables a firmware role of type rt. At most two non-device
// roles may be enabled at once.
func (d *Device) roleEnable(addr [6]byte, rt wire.RoleType, roleID *RoleID) error {
	n := (d.reg.rolesMap &^ d.reg.devRoles).count()
	if n >= maxActiveRoles && rt != wire.RoleDevice {
		d.logerr("role enable: role limit reached", slog.Int("enabled", n), slog.String("type", rt.String()))
		return ErrBusy
	}
	if *roleID != InvalidRole {
		return ErrBusy
	}
	cmd := wire.RoleEnable{MAC: addr, Type: rt}
	var p [wire.RoleEnableLen]byte
	cmd.Put(p[:])
	if _, err := d.cmdSend(wire.CmdRoleEnable, p[:], nil); err != nil {
		d.logerr("role enable failed", errattr(err))
		return err
	}
	var res [4]byte
	n, _ = d.cmd.copyResult(res[:])
	comp, err := wire.DecodeRoleEnableComplete(res[:n])
	if err != nil {
		return errjoin(ErrIO, err)
	}
	id := RoleID(comp.RoleID)
	if !id.valid() || d.reg.rolesMap.has(id) {
		d.logerr("firmware returned invalid role", slog.Int("role", int(id)))
		return ErrInvalidRole
	}
	d.reg.rolesMap.set(id)
	if rt == wire.RoleDevice {
		d.reg.devRoles.set(id)
	}
	*roleID = id
	d.debug("role enabled", slog.Int("role", int(id)), slog.String("type", rt.String()))
	return nil
}

func (d *Device) roleDisable(roleID *RoleID) error {
	if *roleID == InvalidRole {
		return ErrInvalidRole
	}
	cmd := wire.RoleIDCmd{RoleID: uint8(*roleID)}
	var p [wire.RoleIDCmdLen]byte
	cmd.Put(p[:])
	if _, err := d.cmdSend(wire.CmdRoleDisable, p[:], nil); err != nil {
		d.logerr("role disable failed", errattr(err))
		return err
	}
	d.reg.rolesMap.clear(*roleID)
	d.reg.devRoles.clear(*roleID)
	*roleID = InvalidRole
	return nil
}

// RolesEnabled returns the number of enabled firmware roles.
func (d *Device) RolesEnabled() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reg.rolesMap.count()
}

func (d *Device) allocateRatePolicy() (uint8, error) {
	idx, ok := d.reg.ratePolicies.firstFree(MaxRatePolicies)
	if !ok {
		return 0, ErrBusy
	}
	d.reg.ratePolicies.set(idx)
	return idx, nil
}

func (d *Device) freeRatePolicy(idx *uint8) {
	if *idx >= MaxRatePolicies {
		return
	}
	d.reg.ratePolicies.clear(*idx)
	*idx = MaxRatePolicies
}
