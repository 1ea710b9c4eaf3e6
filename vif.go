package cc33xx

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/soypat/cc33xx/wire"
)

// IfaceKind is the networking mode of an interface context.
type IfaceKind uint8

const (
	IfaceStation IfaceKind = iota
	IfaceP2PClient
	IfaceAP
	IfaceP2PGO
	IfaceMesh
	IfaceIBSS
	IfaceP2PDevice
)

func (k IfaceKind) String() string {
	switch k {
	case IfaceStation:
		return "station"
	case IfaceP2PClient:
		return "p2p-client"
	case IfaceAP:
		return "ap"
	case IfaceP2PGO:
		return "p2p-go"
	case IfaceMesh:
		return "mesh"
	case IfaceIBSS:
		return "ibss"
	case IfaceP2PDevice:
		return "p2p-device"
	}
	return "iface(" + strconv.Itoa(int(k)) + ")"
}

func (k IfaceKind) isAP() bool {
	return k == IfaceAP || k == IfaceP2PGO || k == IfaceMesh
}

// isSTA is true for kinds that run a station or IBSS role and may start a
// device role for off-channel work.
func (k IfaceKind) isSTA() bool {
	return k == IfaceStation || k == IfaceP2PClient || k == IfaceIBSS
}

func (iface *Interface) canStartDev() bool {
	return iface.kind.isSTA() || iface.kind == IfaceP2PDevice
}

func (k IfaceKind) roleType() wire.RoleType {
	switch k {
	case IfaceStation:
		return wire.RoleSTA
	case IfaceP2PClient:
		return wire.RoleP2PClient
	case IfaceAP:
		return wire.RoleAP
	case IfaceP2PGO:
		return wire.RoleP2PGO
	case IfaceMesh:
		return wire.RoleMesh
	case IfaceIBSS:
		return wire.RoleIBSS
	case IfaceP2PDevice:
		return wire.RoleDevice
	}
	return wire.RoleInvalid
}

const (
	staRatePolicies = 3
	apRatePolicies  = 2 + NumACs
)

// Interface is a host interface context bound to one firmware role. Its
// fields are guarded by the Device configuration lock except for the queue
// accounting, which is guarded by the TX lock.
type Interface struct {
	d    *Device
	kind IfaceKind
	addr [6]byte

	roleID    RoleID
	devRoleID RoleID
	linksMap  idset[LinkID]

	// Station and IBSS links.
	staHLID LinkID
	devHLID LinkID
	// Access point links.
	globalHLID LinkID
	bcastHLID  LinkID

	// totalFreedPkts carries the freed packet count of the station link or,
	// for access points, the broadcast link across link resets.
	totalFreedPkts uint64
	gem            bool

	ratePolicies []uint8
	band         wire.Band
	channel      uint8
	started      bool
	associated   bool
	removed      bool
	stations     []*Station

	inconnCount          int
	apPendingAuthReply   bool
	pendingAuthReplyTime time.Time
	pendingAuth          delayedWork
	rocTimeout           delayedWork

	// Guarded by txState.mu.
	queueCount  [NumACs]int
	stopReasons [NumACs]stopReason
}

// Kind returns the interface mode.
func (iface *Interface) Kind() IfaceKind { return iface.kind }

// Addr returns the interface hardware address.
func (iface *Interface) Addr() [6]byte { return iface.addr }

// Role returns the firmware role bound to the interface.
func (iface *Interface) Role() RoleID {
	iface.d.mu.Lock()
	defer iface.d.mu.Unlock()
	return iface.roleID
}

// StationLink returns the station or device link of a station interface,
// or InvalidLink.
func (iface *Interface) StationLink() LinkID {
	iface.d.mu.Lock()
	defer iface.d.mu.Unlock()
	if iface.staHLID != InvalidLink {
		return iface.staHLID
	}
	return iface.devHLID
}

// BroadcastLink returns the broadcast link of an AP interface, or InvalidLink.
func (iface *Interface) BroadcastLink() LinkID {
	iface.d.mu.Lock()
	defer iface.d.mu.Unlock()
	return iface.bcastHLID
}

// SetEncryptionGEM records whether the interface uses GEM ciphers, which
// changes the sequence padding applied on recovery.
func (iface *Interface) SetEncryptionGEM(gem bool) {
	iface.d.mu.Lock()
	iface.gem = gem
	iface.d.mu.Unlock()
}

// FreedPackets returns the freed packet count saved in the interface.
func (iface *Interface) FreedPackets() uint64 {
	iface.d.mu.Lock()
	defer iface.d.mu.Unlock()
	return iface.totalFreedPkts
}

func (iface *Interface) sqnPadding() uint64 {
	if iface.gem {
		return txSQNPostRecoveryPaddingGEM
	}
	return txSQNPostRecoveryPadding
}

// AddInterface binds a new interface context of kind to a firmware role.
// Interfaces cannot be added while a recovery is in progress.
func (d *Device) AddInterface(kind IfaceKind, addr [6]byte) (*Interface, error) {
	if err := d.acquire(); err != nil {
		return nil, err
	}
	defer d.release()
	if d.flags.has(flagRecoveryInProgress) {
		return nil, errjoin(ErrBusy, errRecoveryPending)
	}
	if len(d.reg.ifaces) >= MaxRoles {
		return nil, errjoin(ErrBusy, errTooManyInterfaces)
	}
	rt := kind.roleType()
	if rt == wire.RoleInvalid {
		return nil, ErrInvalidRole
	}
	iface := &Interface{
		d:          d,
		kind:       kind,
		addr:       addr,
		roleID:     InvalidRole,
		devRoleID:  InvalidRole,
		staHLID:    InvalidLink,
		devHLID:    InvalidLink,
		globalHLID: InvalidLink,
		bcastHLID:  InvalidLink,
	}
	iface.pendingAuth.init(func() { d.pendingAuthComplete(iface) })
	iface.rocTimeout.init(func() { d.rocTimeoutExpired(iface) })

	err := d.initInterface(iface)
	if err != nil {
		return nil, err
	}
	d.reg.ifaces = append(d.reg.ifaces, iface)
	d.info("interface added", slog.String("kind", kind.String()), slog.Int("role", int(iface.roleID)))
	return iface, nil
}

// initInterface allocates the rate policies and role of iface.
func (d *Device) initInterface(iface *Interface) (err error) {
	n := 0
	switch {
	case iface.kind == IfaceP2PDevice:
	case iface.kind.isAP():
		n = apRatePolicies
	default:
		n = staRatePolicies
	}
	iface.ratePolicies = iface.ratePolicies[:0]
	for i := 0; i < n; i++ {
		idx, err := d.allocateRatePolicy()
		if err != nil {
			d.freeRatePolicies(iface)
			return err
		}
		iface.ratePolicies = append(iface.ratePolicies, idx)
	}
	if iface.kind == IfaceP2PDevice {
		err = d.roleEnable(iface.addr, wire.RoleDevice, &iface.devRoleID)
	} else {
		err = d.roleEnable(iface.addr, iface.kind.roleType(), &iface.roleID)
	}
	if err != nil {
		d.freeRatePolicies(iface)
		return err
	}
	d.tx.mu.Lock()
	iface.stopReasons = [NumACs]stopReason{}
	iface.queueCount = [NumACs]int{}
	d.tx.mu.Unlock()
	return nil
}

func (d *Device) freeRatePolicies(iface *Interface) {
	for i := range iface.ratePolicies {
		d.freeRatePolicy(&iface.ratePolicies[i])
	}
	iface.ratePolicies = iface.ratePolicies[:0]
}

// RemoveInterface tears down iface and releases its role, links and rate
// policies.
func (d *Device) RemoveInterface(iface *Interface) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.hasInterface(iface) {
		return errIfaceNotAdded
	}
	d.removeInterface(iface, d.state.get() != StateOn)
	return nil
}

func (d *Device) hasInterface(iface *Interface) bool {
	for _, v := range d.reg.ifaces {
		if v == iface {
			return true
		}
	}
	return false
}

// removeInterface releases everything iface owns. When teardown is set the
// firmware is not told about it; this is the case during recovery and
// shutdown. Called with mu held; mu is released while the interface's
// delayed work is canceled.
func (d *Device) removeInterface(iface *Interface, teardown bool) {
	teardown = teardown || d.flags.has(flagRecoveryInProgress)
	d.debug("remove interface", slog.String("kind", iface.kind.String()), slog.Bool("teardown", teardown))
	if d.rocVif == iface {
		d.rocVif = nil
		if d.cfg.OnROCExpired != nil {
			d.cfg.OnROCExpired(iface)
		}
	}
	if !teardown {
		if iface.canStartDev() && iface.devHLID != InvalidLink {
			d.stopDev(iface)
		}
		if iface.started {
			d.roleStop(iface)
		}
		var err error
		if iface.kind == IfaceP2PDevice {
			err = d.roleDisable(&iface.devRoleID)
		} else {
			err = d.roleDisable(&iface.roleID)
		}
		if err != nil {
			d.warn("remove interface: role disable", errattr(err))
		}
	}

	// Stations first so their freed counters are saved.
	for len(iface.stations) > 0 {
		d.dropStation(iface.stations[0])
	}
	d.clearLink(iface, &iface.staHLID)
	d.clearLink(iface, &iface.devHLID)
	d.clearLink(iface, &iface.bcastHLID)
	d.clearLink(iface, &iface.globalHLID)
	d.txResetInterface(iface)
	d.freeRatePolicies(iface)

	// The firmware no longer knows these roles.
	if iface.roleID != InvalidRole {
		d.reg.rolesMap.clear(iface.roleID)
		d.reg.rocMap.clear(iface.roleID)
	}
	if iface.devRoleID != InvalidRole {
		d.reg.rolesMap.clear(iface.devRoleID)
		d.reg.devRoles.clear(iface.devRoleID)
		d.reg.rocMap.clear(iface.devRoleID)
	}
	iface.roleID = InvalidRole
	iface.devRoleID = InvalidRole
	iface.started = false
	iface.associated = false
	iface.removed = true
	iface.inconnCount = 0
	iface.apPendingAuthReply = false

	for i, v := range d.reg.ifaces {
		if v == iface {
			d.reg.ifaces = append(d.reg.ifaces[:i], d.reg.ifaces[i+1:]...)
			break
		}
	}

	d.mu.Unlock()
	iface.pendingAuth.cancelSync()
	iface.rocTimeout.cancelSync()
	d.mu.Lock()
}

// Interfaces returns the interfaces currently added.
func (d *Device) Interfaces() []*Interface {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Interface(nil), d.reg.ifaces...)
}

// SetAssociated records the association state of a station interface.
// Associated stations are reported through OnConnectionLoss when a
// recovery tears them down.
func (d *Device) SetAssociated(iface *Interface, associated bool) error {
	if err := d.acquire(); err != nil {
		return err
	}
	defer d.release()
	if !iface.kind.isSTA() {
		return ErrInvalidRole
	}
	iface.associated = associated
	return nil
}
