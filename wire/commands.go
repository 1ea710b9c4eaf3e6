package wire

import "strconv"

// Command is a firmware command opcode.
type Command uint16

const (
	CmdInvalid Command = iota
	CmdEmpty
	CmdSetKeys
	CmdSetLinkConnectionState
	CmdChannelSwitch
	CmdStopChannelSwitch
	CmdRemainOnChannel
	CmdCancelRemainOnChannel
	CmdStartDHCPMgmtSeq
	CmdStopDHCPMgmtSeq
	CmdStartSecurityMgmtSeq
	CmdStopSecurityMgmtSeq
	CmdStartARPMgmtSeq
	CmdStopARPMgmtSeq
	CmdStartDNSMgmtSeq
	CmdStopDNSMgmtSeq
	CmdSendDeauthDisassoc
	CmdSchedStateEvent
	CmdAddPeer
	CmdRemovePeer
	CmdRoleEnable
	CmdRoleDisable
	CmdRoleStart
	CmdRoleStop
	CmdSetTemplate
	CmdDFSChannelConfig
	CmdSetBDAddr
	CmdSetMaxBufferSize
	CmdConfigure
	CmdInterrogate
	CmdDebug
	CmdDebugRead
	CmdTestMode
	CmdBMReadDeviceInfo
	CmdPlatformConfigure

	// CmdLastSupported is one past the last opcode the firmware accepts.
	// Commands at or above it complete locally without bus traffic.
	CmdLastSupported
)

func (c Command) String() (s string) {
	switch c {
	case CmdInvalid:
		s = "invalid"
	case CmdEmpty:
		s = "empty"
	case CmdSetKeys:
		s = "set-keys"
	case CmdSetLinkConnectionState:
		s = "set-link-conn-state"
	case CmdChannelSwitch:
		s = "channel-switch"
	case CmdStopChannelSwitch:
		s = "stop-channel-switch"
	case CmdRemainOnChannel:
		s = "remain-on-channel"
	case CmdCancelRemainOnChannel:
		s = "cancel-remain-on-channel"
	case CmdStartDHCPMgmtSeq:
		s = "start-dhcp-mgmt-seq"
	case CmdStopDHCPMgmtSeq:
		s = "stop-dhcp-mgmt-seq"
	case CmdStartSecurityMgmtSeq:
		s = "start-sec-mgmt-seq"
	case CmdStopSecurityMgmtSeq:
		s = "stop-sec-mgmt-seq"
	case CmdStartARPMgmtSeq:
		s = "start-arp-mgmt-seq"
	case CmdStopARPMgmtSeq:
		s = "stop-arp-mgmt-seq"
	case CmdStartDNSMgmtSeq:
		s = "start-dns-mgmt-seq"
	case CmdStopDNSMgmtSeq:
		s = "stop-dns-mgmt-seq"
	case CmdSendDeauthDisassoc:
		s = "send-deauth-disassoc"
	case CmdSchedStateEvent:
		s = "sched-state-event"
	case CmdAddPeer:
		s = "add-peer"
	case CmdRemovePeer:
		s = "remove-peer"
	case CmdRoleEnable:
		s = "role-enable"
	case CmdRoleDisable:
		s = "role-disable"
	case CmdRoleStart:
		s = "role-start"
	case CmdRoleStop:
		s = "role-stop"
	case CmdSetTemplate:
		s = "set-template"
	case CmdDFSChannelConfig:
		s = "dfs-channel-config"
	case CmdSetBDAddr:
		s = "set-bd-addr"
	case CmdSetMaxBufferSize:
		s = "set-max-buffer-size"
	case CmdConfigure:
		s = "configure"
	case CmdInterrogate:
		s = "interrogate"
	case CmdDebug:
		s = "debug"
	case CmdDebugRead:
		s = "debug-read"
	case CmdTestMode:
		s = "test-mode"
	case CmdBMReadDeviceInfo:
		s = "bm-read-device-info"
	case CmdPlatformConfigure:
		s = "platform-configure"
	default:
		s = "cmd(" + strconv.Itoa(int(c)) + ")"
	}
	return s
}

// Intercepted reports whether the command is answered locally with success
// and never reaches firmware.
func (c Command) Intercepted() bool {
	switch c {
	case CmdEmpty,
		CmdStartDHCPMgmtSeq, CmdStopDHCPMgmtSeq,
		CmdStartSecurityMgmtSeq, CmdStopSecurityMgmtSeq,
		CmdStartARPMgmtSeq, CmdStopARPMgmtSeq,
		CmdStartDNSMgmtSeq, CmdStopDNSMgmtSeq,
		CmdSendDeauthDisassoc, CmdSchedStateEvent:
		return true
	}
	return false
}

// ReturnsResult reports whether a completion for the command carries data
// that is copied back to the caller.
func (c Command) ReturnsResult() bool {
	switch c {
	case CmdInterrogate, CmdDebugRead, CmdTestMode, CmdBMReadDeviceInfo:
		return true
	}
	return false
}

// CommandStatus is the status field of a command completion.
type CommandStatus uint16

const (
	StatusSuccess            CommandStatus = 1
	StatusUnknownCmd         CommandStatus = 2
	StatusUnknownIE          CommandStatus = 3
	StatusRejectMeasSGActive CommandStatus = 11
	StatusRxBusy             CommandStatus = 13
	StatusInvalidParam       CommandStatus = 14
	StatusTemplateTooLarge   CommandStatus = 15
	StatusOutOfMemory        CommandStatus = 16
	StatusStaTableFull       CommandStatus = 17
	StatusRadioError         CommandStatus = 18
	StatusWrongNesting       CommandStatus = 19
	StatusTimeout            CommandStatus = 21
	StatusFWReset            CommandStatus = 22
	StatusTemplateOOM        CommandStatus = 23
	StatusNoRxBASession      CommandStatus = 24

	// StatusCount bounds the bitmap of accepted statuses.
	StatusCount = 32
)

func (s CommandStatus) String() (str string) {
	switch s {
	case StatusSuccess:
		str = "success"
	case StatusUnknownCmd:
		str = "unknown command"
	case StatusUnknownIE:
		str = "unknown IE"
	case StatusRejectMeasSGActive:
		str = "reject meas sg active"
	case StatusRxBusy:
		str = "rx busy"
	case StatusInvalidParam:
		str = "invalid param"
	case StatusTemplateTooLarge:
		str = "template too large"
	case StatusOutOfMemory:
		str = "out of memory"
	case StatusStaTableFull:
		str = "station table full"
	case StatusRadioError:
		str = "radio error"
	case StatusWrongNesting:
		str = "wrong nesting"
	case StatusTimeout:
		str = "timeout"
	case StatusFWReset:
		str = "fw reset"
	case StatusTemplateOOM:
		str = "template out of memory"
	case StatusNoRxBASession:
		str = "no rx ba session"
	default:
		str = "status(" + strconv.Itoa(int(s)) + ")"
	}
	return str
}

// RoleType identifies the function a firmware role performs.
type RoleType uint8

const (
	RoleSTA RoleType = iota
	RoleIBSS
	RoleAP
	RoleDevice
	RoleP2PClient
	RoleP2PGO
	RoleMesh
	RoleTransceiver

	RoleInvalid RoleType = 0xff
)

func (r RoleType) String() (s string) {
	switch r {
	case RoleSTA:
		s = "sta"
	case RoleIBSS:
		s = "ibss"
	case RoleAP:
		s = "ap"
	case RoleDevice:
		s = "device"
	case RoleP2PClient:
		s = "p2p-cl"
	case RoleP2PGO:
		s = "p2p-go"
	case RoleMesh:
		s = "mesh"
	case RoleTransceiver:
		s = "transceiver"
	case RoleInvalid:
		s = "invalid"
	default:
		s = "role(" + strconv.Itoa(int(r)) + ")"
	}
	return s
}

// Band is a radio band.
type Band uint8

const (
	Band2GHz Band = iota
	Band5GHz
)

// MaxBufferSize selects which command size limit firmware should use.
type MaxBufferSize uint8

const (
	BufferSizeCmd MaxBufferSize = iota
	BufferSizeINI
)

// Limit returns the maximum command length for the selection.
func (m MaxBufferSize) Limit() int {
	if m == BufferSizeINI {
		return INICmdMaxSize
	}
	return CmdMaxSize
}
