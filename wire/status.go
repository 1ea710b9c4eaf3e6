package wire

import "strconv"

// Hint bits carried in CoreStatus.HostInterruptStatus.
type Hint uint32

const (
	HintCommandComplete          Hint = 1 << 0
	HintNewTxResult              Hint = 1 << 1
	HintRomLoaderInitComplete    Hint = 1 << 2
	HintSecondLoaderInitComplete Hint = 1 << 3
	HintFirmwareInitComplete     Hint = 1 << 4
	HintGeneralError             Hint = 1 << 31

	// HintBootTime groups the hints raised only during the boot handshake.
	HintBootTime = HintRomLoaderInitComplete | HintSecondLoaderInitComplete | HintFirmwareInitComplete
)

func (h Hint) HasAny(bits Hint) bool { return h&bits != 0 }

func (h Hint) String() string {
	if h == 0 {
		return "none"
	}
	var buf []byte
	add := func(bit Hint, name string) {
		if h&bit == 0 {
			return
		}
		if len(buf) > 0 {
			buf = append(buf, '|')
		}
		buf = append(buf, name...)
	}
	add(HintCommandComplete, "cmd-complete")
	add(HintNewTxResult, "tx-result")
	add(HintRomLoaderInitComplete, "rom-init")
	add(HintSecondLoaderInitComplete, "loader-init")
	add(HintFirmwareInitComplete, "fw-init")
	add(HintGeneralError, "general-error")
	rest := h &^ (HintCommandComplete | HintNewTxResult | HintBootTime | HintGeneralError)
	if rest != 0 {
		if len(buf) > 0 {
			buf = append(buf, '|')
		}
		buf = append(buf, "0x"...)
		buf = strconv.AppendUint(buf, uint64(rest), 16)
	}
	return string(buf)
}

const (
	// TxResultQueueSize is the length of the TX result ring in CoreStatus.
	// TxResultIndex is the ring position the firmware writes next.
	TxResultQueueSize = 16
	// TxResultDescMask selects the descriptor id of a TX result entry.
	TxResultDescMask uint8 = 0x7f
	// TxResultFailed is set in a TX result entry when the frame was not
	// acknowledged.
	TxResultFailed uint8 = 0x80
	// BlockPadPattern fills every CoreStatus padding word.
	BlockPadPattern uint32 = 0x55555555
	// RxByteCountMask selects the pending receive byte count in RxStatus.
	RxByteCountMask uint32 = 0xffff
)

// CoreStatus is the fixed-layout status block the device appends to each
// read of the control and data regions.
type CoreStatus struct {
	HostInterruptStatus Hint
	RxStatus            uint32
	TSF                 uint32
	TxResultIndex       uint8
	TxResults           [TxResultQueueSize]uint8
	BlockPad            [4]uint32
}

// RxByteCount returns the number of receive bytes pending in the device.
func (cs *CoreStatus) RxByteCount() uint32 { return cs.RxStatus & RxByteCountMask }

// PaddingValid reports whether every padding word holds BlockPadPattern.
// A mismatch indicates the block was corrupted in transit.
func (cs *CoreStatus) PaddingValid() bool {
	for _, w := range cs.BlockPad {
		if w != BlockPadPattern {
			return false
		}
	}
	return true
}

func DecodeCoreStatus(b []byte) (cs CoreStatus) {
	_ = b[CoreStatusLen-1]
	cs.HostInterruptStatus = Hint(order.Uint32(b))
	cs.RxStatus = order.Uint32(b[4:])
	cs.TSF = order.Uint32(b[8:])
	cs.TxResultIndex = b[12]
	copy(cs.TxResults[:], b[16:32])
	for i := range cs.BlockPad {
		cs.BlockPad[i] = order.Uint32(b[32+4*i:])
	}
	return cs
}

func (cs *CoreStatus) Put(dst []byte) {
	_ = dst[CoreStatusLen-1]
	order.PutUint32(dst, uint32(cs.HostInterruptStatus))
	order.PutUint32(dst[4:], cs.RxStatus)
	order.PutUint32(dst[8:], cs.TSF)
	dst[12] = cs.TxResultIndex
	dst[13], dst[14], dst[15] = 0, 0, 0
	copy(dst[16:32], cs.TxResults[:])
	for i, w := range cs.BlockPad {
		order.PutUint32(dst[32+4*i:], w)
	}
}

// ControlType is the record type of a control-message descriptor.
type ControlType uint8

const (
	ControlEvent           ControlType = 1
	ControlCommandComplete ControlType = 2
)

func (t ControlType) String() string {
	switch t {
	case ControlEvent:
		return "event"
	case ControlCommandComplete:
		return "cmd-complete"
	}
	return "ctrl(" + strconv.Itoa(int(t)) + ")"
}

// ControlDescriptor is the 16-bit record header of the control message
// stream: type in the low 4 bits, payload length in the high 12 bits.
type ControlDescriptor uint16

const ControlMaxRecordLen = 1<<12 - 1

func NewControlDescriptor(t ControlType, length int) ControlDescriptor {
	return ControlDescriptor(uint16(t)&0xf | uint16(length)<<4)
}

func (c ControlDescriptor) Type() ControlType { return ControlType(c & 0xf) }
func (c ControlDescriptor) Len() int          { return int(c >> 4) }

// NextRecord splits the first record off a control message. It returns the
// record type, its payload (aliasing msg) and the remainder of the message.
func NextRecord(msg []byte) (t ControlType, payload, rest []byte, err error) {
	if len(msg) < ControlDescLen {
		return 0, nil, nil, ErrTruncatedRecord
	}
	desc := ControlDescriptor(order.Uint16(msg))
	msg = msg[ControlDescLen:]
	n := desc.Len()
	if n > len(msg) {
		return 0, nil, nil, ErrRecordOverflow
	}
	return desc.Type(), msg[:n], msg[n:], nil
}

// AppendRecord appends a control record with the given payload to dst.
func AppendRecord(dst []byte, t ControlType, payload []byte) []byte {
	dst = order.AppendUint16(dst, uint16(NewControlDescriptor(t, len(payload))))
	return append(dst, payload...)
}

// EventID identifies an asynchronous firmware event.
type EventID uint32

const (
	EventScanComplete EventID = iota + 1
	EventRSSISnrTrigger
	EventBSSLoss
	EventMaxTxFailure
	EventInactiveStation
	EventChannelSwitchComplete
	EventRemainOnChannelComplete
	EventPeerRemoveComplete
	EventDFSConfigComplete
	EventBARxConstraint
	EventSmartConfigDecode
	EventFWLogger
)

func (e EventID) String() (s string) {
	switch e {
	case EventScanComplete:
		s = "scan-complete"
	case EventRSSISnrTrigger:
		s = "rssi-snr-trigger"
	case EventBSSLoss:
		s = "bss-loss"
	case EventMaxTxFailure:
		s = "max-tx-failure"
	case EventInactiveStation:
		s = "inactive-sta"
	case EventChannelSwitchComplete:
		s = "channel-switch-complete"
	case EventRemainOnChannelComplete:
		s = "roc-complete"
	case EventPeerRemoveComplete:
		s = "peer-remove-complete"
	case EventDFSConfigComplete:
		s = "dfs-config-complete"
	case EventBARxConstraint:
		s = "ba-rx-constraint"
	case EventSmartConfigDecode:
		s = "smart-config-decode"
	case EventFWLogger:
		s = "fw-logger"
	default:
		s = "event(" + strconv.Itoa(int(e)) + ")"
	}
	return s
}

// Event is a decoded event record. Data aliases the record payload.
type Event struct {
	ID   EventID
	Data []byte
}

func DecodeEvent(b []byte) (ev Event, err error) {
	if len(b) < 4 {
		return ev, ErrUnknownEventData
	}
	ev.ID = EventID(order.Uint32(b))
	ev.Data = b[4:]
	return ev, nil
}

func AppendEvent(dst []byte, id EventID, data []byte) []byte {
	dst = order.AppendUint32(dst, uint32(id))
	return append(dst, data...)
}
