package wire

// Command payloads. Each Put writes the bytes following the command header.

const (
	RoleEnableLen    = 8
	RoleIDCmdLen     = 4
	RoleStartLen     = 60
	AddPeerLen       = 28
	RemovePeerLen    = 4
	PeerStateLen     = 4
	ROCLen           = 4
	DFSConfigLen     = 12
	MaxBufferLen     = 4
	ChannelSwitchLen = 8

	MaxSSIDLen = 32
	// PSDTypes is the number of power-save delivery flags, one per access category.
	PSDTypes = 4
)

type RoleEnable struct {
	MAC  [6]byte
	Type RoleType
}

func (r *RoleEnable) Put(dst []byte) {
	_ = dst[RoleEnableLen-1]
	copy(dst[:6], r.MAC[:])
	dst[6] = uint8(r.Type)
	dst[7] = 0
}

func DecodeRoleEnable(b []byte) (r RoleEnable) {
	_ = b[RoleEnableLen-1]
	copy(r.MAC[:], b[:6])
	r.Type = RoleType(b[6])
	return r
}

// RoleIDCmd is the payload of role-disable, role-stop, cancel-ROC and
// stop-channel-switch.
type RoleIDCmd struct {
	RoleID uint8
}

func (r *RoleIDCmd) Put(dst []byte) {
	_ = dst[RoleIDCmdLen-1]
	dst[0] = r.RoleID
	dst[1], dst[2], dst[3] = 0, 0, 0
}

func DecodeRoleIDCmd(b []byte) RoleIDCmd { return RoleIDCmd{RoleID: b[0]} }

type RoleStart struct {
	RoleID         uint8
	Type           RoleType
	Band           Band
	Channel        uint8
	ChannelType    uint8
	DTIMPeriod     uint8
	BeaconInterval uint16
	BasicRates     uint32
	LocalRates     uint32
	RemoteRates    uint32
	BSSID          [6]byte
	SSIDLen        uint8
	HiddenSSID     bool
	SSID           [MaxSSIDLen]byte
}

func (r *RoleStart) Put(dst []byte) {
	_ = dst[RoleStartLen-1]
	dst[0] = r.RoleID
	dst[1] = uint8(r.Type)
	dst[2] = uint8(r.Band)
	dst[3] = r.Channel
	dst[4] = r.ChannelType
	dst[5] = r.DTIMPeriod
	order.PutUint16(dst[6:], r.BeaconInterval)
	order.PutUint32(dst[8:], r.BasicRates)
	order.PutUint32(dst[12:], r.LocalRates)
	order.PutUint32(dst[16:], r.RemoteRates)
	copy(dst[20:26], r.BSSID[:])
	dst[26] = r.SSIDLen
	dst[27] = b2u8(r.HiddenSSID)
	copy(dst[28:60], r.SSID[:])
}

func DecodeRoleStart(b []byte) (r RoleStart) {
	_ = b[RoleStartLen-1]
	r.RoleID = b[0]
	r.Type = RoleType(b[1])
	r.Band = Band(b[2])
	r.Channel = b[3]
	r.ChannelType = b[4]
	r.DTIMPeriod = b[5]
	r.BeaconInterval = order.Uint16(b[6:])
	r.BasicRates = order.Uint32(b[8:])
	r.LocalRates = order.Uint32(b[12:])
	r.RemoteRates = order.Uint32(b[16:])
	copy(r.BSSID[:], b[20:26])
	r.SSIDLen = b[26]
	r.HiddenSSID = b[27] != 0
	copy(r.SSID[:], b[28:60])
	return r
}

// SetSSID copies ssid into the payload, truncating to MaxSSIDLen.
func (r *RoleStart) SetSSID(ssid string) {
	n := copy(r.SSID[:], ssid)
	r.SSIDLen = uint8(n)
}

// RoleEnableComplete is the completion data of role-enable.
type RoleEnableComplete struct {
	RoleID uint8
}

func DecodeRoleEnableComplete(b []byte) (c RoleEnableComplete, err error) {
	if len(b) < 1 {
		return c, ErrShortBuffer
	}
	return RoleEnableComplete{RoleID: b[0]}, nil
}

// RoleStartComplete is the completion data of role-start. For AP roles HLID
// is the global link and BcastHLID the broadcast link. Other roles leave the
// broadcast fields unset.
type RoleStartComplete struct {
	HLID         uint8
	Session      uint8
	BcastHLID    uint8
	BcastSession uint8
}

func DecodeRoleStartComplete(b []byte) (c RoleStartComplete, err error) {
	if len(b) < 4 {
		return c, ErrShortBuffer
	}
	return RoleStartComplete{HLID: b[0], Session: b[1], BcastHLID: b[2], BcastSession: b[3]}, nil
}

func (c *RoleStartComplete) Put(dst []byte) {
	_ = dst[3]
	dst[0], dst[1], dst[2], dst[3] = c.HLID, c.Session, c.BcastHLID, c.BcastSession
}

type AddPeer struct {
	Addr           [6]byte
	AID            uint16
	SupportedRates uint32
	HTCapabilities uint32
	RoleID         uint8
	RoleType       RoleType
	LinkType       uint8
	BSSIndex       uint8
	Connected      bool
	WMM            bool
	SPLen          uint8
	MFP            bool
	PSDType        [PSDTypes]uint8
}

func (p *AddPeer) Put(dst []byte) {
	_ = dst[AddPeerLen-1]
	copy(dst[:6], p.Addr[:])
	order.PutUint16(dst[6:], p.AID)
	order.PutUint32(dst[8:], p.SupportedRates)
	order.PutUint32(dst[12:], p.HTCapabilities)
	dst[16] = p.RoleID
	dst[17] = uint8(p.RoleType)
	dst[18] = p.LinkType
	dst[19] = p.BSSIndex
	dst[20] = b2u8(p.Connected)
	dst[21] = b2u8(p.WMM)
	dst[22] = p.SPLen
	dst[23] = b2u8(p.MFP)
	copy(dst[24:28], p.PSDType[:])
}

func DecodeAddPeer(b []byte) (p AddPeer) {
	_ = b[AddPeerLen-1]
	copy(p.Addr[:], b[:6])
	p.AID = order.Uint16(b[6:])
	p.SupportedRates = order.Uint32(b[8:])
	p.HTCapabilities = order.Uint32(b[12:])
	p.RoleID = b[16]
	p.RoleType = RoleType(b[17])
	p.LinkType = b[18]
	p.BSSIndex = b[19]
	p.Connected = b[20] != 0
	p.WMM = b[21] != 0
	p.SPLen = b[22]
	p.MFP = b[23] != 0
	copy(p.PSDType[:], b[24:28])
	return p
}

// PeerComplete is the completion data of add-peer.
type PeerComplete struct {
	HLID    uint8
	Session uint8
}

func DecodePeerComplete(b []byte) (c PeerComplete, err error) {
	if len(b) < 2 {
		return c, ErrShortBuffer
	}
	return PeerComplete{HLID: b[0], Session: b[1]}, nil
}

type RemovePeer struct {
	HLID   uint8
	RoleID uint8
}

func (p *RemovePeer) Put(dst []byte) {
	_ = dst[RemovePeerLen-1]
	dst[0], dst[1], dst[2], dst[3] = p.HLID, p.RoleID, 0, 0
}

func DecodeRemovePeer(b []byte) RemovePeer {
	_ = b[RemovePeerLen-1]
	return RemovePeer{HLID: b[0], RoleID: b[1]}
}

// PeerState is the payload of set-link-connection-state.
type PeerState struct {
	HLID      uint8
	Connected bool
	HT        bool
}

func (p *PeerState) Put(dst []byte) {
	_ = dst[PeerStateLen-1]
	dst[0], dst[1], dst[2], dst[3] = p.HLID, b2u8(p.Connected), b2u8(p.HT), 0
}

type ROC struct {
	RoleID  uint8
	Channel uint8
	Band    Band
}

func (r *ROC) Put(dst []byte) {
	_ = dst[ROCLen-1]
	dst[0], dst[1], dst[2], dst[3] = r.RoleID, r.Channel, uint8(r.Band), 0
}

func DecodeROC(b []byte) ROC {
	_ = b[ROCLen-1]
	return ROC{RoleID: b[0], Channel: b[1], Band: Band(b[2])}
}

// DFSConfig carries the DFS channel bitmaps of the regulatory domain.
type DFSConfig struct {
	ChannelBitmap1 uint32
	ChannelBitmap2 uint32
	Region         uint8
}

func (c *DFSConfig) Put(dst []byte) {
	_ = dst[DFSConfigLen-1]
	order.PutUint32(dst, c.ChannelBitmap1)
	order.PutUint32(dst[4:], c.ChannelBitmap2)
	dst[8], dst[9], dst[10], dst[11] = c.Region, 0, 0, 0
}

func DecodeDFSConfig(b []byte) (c DFSConfig) {
	_ = b[DFSConfigLen-1]
	c.ChannelBitmap1 = order.Uint32(b)
	c.ChannelBitmap2 = order.Uint32(b[4:])
	c.Region = b[8]
	return c
}

type ChannelSwitch struct {
	RoleID  uint8
	Channel uint8
	Band    Band
	Count   uint8
	StopTx  bool
}

func (c *ChannelSwitch) Put(dst []byte) {
	_ = dst[ChannelSwitchLen-1]
	dst[0], dst[1], dst[2], dst[3] = c.RoleID, c.Channel, uint8(c.Band), c.Count
	dst[4], dst[5], dst[6], dst[7] = b2u8(c.StopTx), 0, 0, 0
}

// DeviceInfo is the response of the boot-time device-info read.
type DeviceInfo struct {
	HWVersion uint32
	PGVersion uint32
	MAC       [6]byte
}

const DeviceInfoLen = 16

func DecodeDeviceInfo(b []byte) (di DeviceInfo, err error) {
	if len(b) < DeviceInfoLen {
		return di, ErrShortBuffer
	}
	di.HWVersion = order.Uint32(b)
	di.PGVersion = order.Uint32(b[4:])
	copy(di.MAC[:], b[8:14])
	return di, nil
}

func (di *DeviceInfo) Put(dst []byte) {
	_ = dst[DeviceInfoLen-1]
	order.PutUint32(dst, di.HWVersion)
	order.PutUint32(dst[4:], di.PGVersion)
	copy(dst[8:14], di.MAC[:])
	dst[14], dst[15] = 0, 0
}

func b2u8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
