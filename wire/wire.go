// Package wire implements the CC33xx host interface binary format: the NAB
// transport header, command framing, the core status block, control-message
// records and the role/peer command payloads exchanged with firmware.
//
// All multi-byte fields are little endian.
package wire

import (
	"encoding/binary"
	"errors"
)

var order = binary.LittleEndian

// Sync patterns stamped at the start of every NAB frame.
const (
	HostSyncPattern   uint32 = 0x5C5C5C5C
	DeviceSyncPattern uint32 = 0xABCDDCBA
)

// Fixed addresses of the device regions on the bus.
const (
	NABDataAddr    uint32 = 0x0000BFF8
	NABControlAddr uint32 = 0x0000BFF0
	NABStatusAddr  uint32 = 0x000038C8
)

const (
	NABHeaderLen     = 8
	NABExtraBytes    = 4
	CommandHeaderLen = NABHeaderLen + 4
	ACXHeaderLen     = 4
	CoreStatusLen    = 48
	ControlDescLen   = 2
	TxDescLen        = 8
	RxDescLen        = 4

	// BusBlockSize is the SDIO block size. Command mailbox writes are padded
	// to twice this value.
	BusBlockSize = 256

	// CmdMaxSize bounds regular commands and the control region read.
	CmdMaxSize = 1024
	// INICmdMaxSize bounds commands while the INI parameter download is active.
	INICmdMaxSize = 8*1024 + 8 + 4
	// ResultMaxSize is the capacity of the command-completion result buffer.
	ResultMaxSize = 512
	// RxPacketRAM is the device receive RAM and caps SDIO receive reads.
	RxPacketRAM = 9 * 1024
)

var (
	ErrShortBuffer      = errors.New("wire: buffer too short")
	ErrBadSync          = errors.New("wire: bad sync pattern")
	ErrRecordOverflow   = errors.New("wire: control record exceeds message")
	ErrTruncatedRecord  = errors.New("wire: truncated control record descriptor")
	ErrUnknownEventData = errors.New("wire: event record too short")
)

// NABHeader prefixes every frame exchanged over the data and control regions.
type NABHeader struct {
	Sync   uint32
	Len    uint16
	Opcode uint16
}

func DecodeNABHeader(b []byte) (hdr NABHeader) {
	_ = b[NABHeaderLen-1]
	hdr.Sync = order.Uint32(b)
	hdr.Len = order.Uint16(b[4:])
	hdr.Opcode = order.Uint16(b[6:])
	return hdr
}

// Put puts all 8 bytes of the header in dst. Panics if dst is shorter than 8 bytes.
func (h *NABHeader) Put(dst []byte) {
	_ = dst[NABHeaderLen-1]
	order.PutUint32(dst, h.Sync)
	order.PutUint16(dst[4:], h.Len)
	order.PutUint16(dst[6:], h.Opcode)
}

// CommandHeader is the header of a host command. Status is written back by
// firmware in the completion record.
type CommandHeader struct {
	NAB    NABHeader
	ID     Command
	Status CommandStatus
}

func DecodeCommandHeader(b []byte) (hdr CommandHeader) {
	_ = b[CommandHeaderLen-1]
	hdr.NAB = DecodeNABHeader(b)
	hdr.ID = Command(order.Uint16(b[8:]))
	hdr.Status = CommandStatus(order.Uint16(b[10:]))
	return hdr
}

func (h *CommandHeader) Put(dst []byte) {
	_ = dst[CommandHeaderLen-1]
	h.NAB.Put(dst)
	order.PutUint16(dst[8:], uint16(h.ID))
	order.PutUint16(dst[10:], uint16(h.Status))
}

// ACXHeader prefixes configure/interrogate payloads. Len excludes the header.
type ACXHeader struct {
	ID  uint16
	Len uint16
}

func (h *ACXHeader) Put(dst []byte) {
	_ = dst[ACXHeaderLen-1]
	order.PutUint16(dst, h.ID)
	order.PutUint16(dst[2:], h.Len)
}

func DecodeACXHeader(b []byte) (hdr ACXHeader) {
	_ = b[ACXHeaderLen-1]
	hdr.ID = order.Uint16(b)
	hdr.Len = order.Uint16(b[2:])
	return hdr
}

// Completion is the decoded payload of a command-complete control record.
type Completion struct {
	ID     Command
	Status CommandStatus
	Data   []byte
}

// DecodeCompletion splits a command-complete record payload. Data aliases b.
func DecodeCompletion(b []byte) (c Completion, err error) {
	if len(b) < 4 {
		return c, ErrShortBuffer
	}
	c.ID = Command(order.Uint16(b))
	c.Status = CommandStatus(order.Uint16(b[2:]))
	c.Data = b[4:]
	return c, nil
}

// AppendCompletion appends a command-complete record payload to dst.
func AppendCompletion(dst []byte, id Command, status CommandStatus, data []byte) []byte {
	dst = order.AppendUint16(dst, uint16(id))
	dst = order.AppendUint16(dst, uint16(status))
	return append(dst, data...)
}

const (
	// OpcodeTxData marks a NAB frame in the data region carrying TX
	// descriptors and frames instead of a command.
	OpcodeTxData uint16 = 0x8000
	// MaxTxDescriptors is the number of frames the firmware holds before
	// reporting a result.
	MaxTxDescriptors = 32
)

// TxDescriptor precedes each frame written to the data region.
type TxDescriptor struct {
	Length  uint16
	DescID  uint8
	HLID    uint8
	AC      uint8
	Session uint8
	_       [2]uint8
}

func (d *TxDescriptor) Put(dst []byte) {
	_ = dst[TxDescLen-1]
	order.PutUint16(dst, d.Length)
	dst[2] = d.DescID
	dst[3] = d.HLID
	dst[4] = d.AC
	dst[5] = d.Session
	dst[6] = 0
	dst[7] = 0
}

func DecodeTxDescriptor(b []byte) (d TxDescriptor) {
	_ = b[TxDescLen-1]
	d.Length = order.Uint16(b)
	d.DescID = b[2]
	d.HLID = b[3]
	d.AC = b[4]
	d.Session = b[5]
	return d
}

// RxDescriptor precedes each frame in the receive region.
type RxDescriptor struct {
	Length uint16
	HLID   uint8
	Status uint8
}

func (d *RxDescriptor) Put(dst []byte) {
	_ = dst[RxDescLen-1]
	order.PutUint16(dst, d.Length)
	dst[2] = d.HLID
	dst[3] = d.Status
}

func DecodeRxDescriptor(b []byte) (d RxDescriptor) {
	_ = b[RxDescLen-1]
	d.Length = order.Uint16(b)
	d.HLID = b[2]
	d.Status = b[3]
	return d
}
