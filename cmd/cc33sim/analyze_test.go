package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/soypat/cc33xx/wire"
)

func commandFrame(id wire.Command) []byte {
	b := make([]byte, wire.CommandHeaderLen+4)
	hdr := wire.CommandHeader{
		NAB: wire.NABHeader{Sync: wire.HostSyncPattern, Len: uint16(len(b) - wire.NABHeaderLen)},
		ID:  id,
	}
	hdr.Put(b)
	return b
}

func controlFrame(msg []byte) []byte {
	b := make([]byte, wire.NABHeaderLen+wire.NABExtraBytes, 64)
	hdr := wire.NABHeader{Sync: wire.DeviceSyncPattern, Len: uint16(wire.NABExtraBytes + len(msg))}
	hdr.Put(b)
	return append(b, msg...)
}

func TestDecodeNAB(t *testing.T) {
	// Bus command bytes ahead of the frame are skipped.
	f := decodeNAB(append([]byte{0xa0, 0x01, 0x02, 0x03}, commandFrame(wire.CmdRoleStart)...))
	if f.Kind != frameCommand || f.Device || f.Cmd != wire.CmdRoleStart {
		t.Errorf("command frame decoded as %s", f.String())
	}

	tx := make([]byte, wire.NABHeaderLen)
	for i := 0; i < 3; i++ {
		var d [wire.TxDescLen]byte
		desc := wire.TxDescriptor{Length: 6, DescID: uint8(i), HLID: 2}
		desc.Put(d[:])
		tx = append(tx, d[:]...)
		tx = append(tx, make([]byte, 6)...)
	}
	hdr := wire.NABHeader{Sync: wire.HostSyncPattern, Len: uint16(len(tx) - wire.NABHeaderLen), Opcode: wire.OpcodeTxData}
	hdr.Put(tx)
	if f := decodeNAB(tx); f.Kind != frameTxData || f.Frames != 3 {
		t.Errorf("tx frame decoded as %s", f.String())
	}

	var msg []byte
	msg = wire.AppendRecord(msg, wire.ControlCommandComplete, []byte{byte(wire.CmdRoleEnable), 0, byte(wire.StatusSuccess), 0})
	msg = wire.AppendRecord(msg, wire.ControlEvent, wire.AppendEvent(nil, wire.EventPeerRemoveComplete, []byte{1}))
	f = decodeNAB(controlFrame(msg))
	if f.Kind != frameControl || !f.Device || len(f.Records) != 2 {
		t.Fatalf("control frame decoded as %s", f.String())
	}
	if f.Records[1] != "event:"+wire.EventPeerRemoveComplete.String() {
		t.Errorf("records %v", f.Records)
	}

	rx := make([]byte, wire.NABHeaderLen+wire.RxDescLen+8)
	hdr = wire.NABHeader{Sync: wire.DeviceSyncPattern, Len: uint16(len(rx))}
	hdr.Put(rx)
	rx[wire.NABHeaderLen+wire.NABExtraBytes] = 0xff // not a record type
	if f := decodeNAB(rx); f.Kind != frameRxData {
		t.Errorf("rx frame decoded as %s", f.String())
	}

	if f := decodeNAB([]byte{1, 2, 3}); f.Kind != frameRaw || !bytes.Equal(f.Data, []byte{1, 2, 3}) {
		t.Errorf("raw data decoded as %s", f.String())
	}
}

func TestCoalesce(t *testing.T) {
	status := make([]byte, wire.CoreStatusLen)
	cmd := commandFrame(wire.CmdInterrogate)
	txs := []rawtx{
		{data: status, start: 0.1},
		{data: status, start: 0.2},
		{data: status, start: 0.3},
		{data: cmd, start: 0.4},
		{data: status, start: 0.5},
	}
	frames := coalesce(txs)
	if len(frames) != 3 {
		t.Fatalf("%d frames", len(frames))
	}
	if frames[0].Num != 3 || frames[0].Start != 0.1 || frames[1].Num != 1 || frames[2].Num != 1 {
		t.Errorf("counts %d %d %d", frames[0].Num, frames[1].Num, frames[2].Num)
	}
	var out bytes.Buffer
	if err := printFrames(&out, frames); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "id="+wire.CmdInterrogate.String()) {
		t.Errorf("output:\n%s", out.String())
	}
}
