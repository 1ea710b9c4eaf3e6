package simfw

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/soypat/cc33xx/wire"
)

func boot(t *testing.T) (*Firmware, chan struct{}) {
	t.Helper()
	f := New()
	irq := make(chan struct{}, 1)
	f.EnableIRQ(func() {
		select {
		case irq <- struct{}{}:
		default:
		}
	})
	t.Cleanup(f.DisableIRQ)
	if err := f.Power(true); err != nil {
		t.Fatal(err)
	}
	waitIRQ(t, irq)
	cs := readStatus(t, f)
	if cs.HostInterruptStatus&wire.HintBootTime == 0 {
		t.Fatal("no boot hint", cs.HostInterruptStatus)
	}
	return f, irq
}

func waitIRQ(t *testing.T, irq chan struct{}) {
	t.Helper()
	select {
	case <-irq:
	case <-time.After(time.Second):
		t.Fatal("no interrupt")
	}
}

func readStatus(t *testing.T, f *Firmware) wire.CoreStatus {
	t.Helper()
	var b [wire.CoreStatusLen]byte
	if err := f.Read(wire.NABStatusAddr, b[:], false); err != nil {
		t.Fatal(err)
	}
	cs := wire.DecodeCoreStatus(b[:])
	if !cs.PaddingValid() {
		t.Fatal("corrupt status")
	}
	return cs
}

func command(t *testing.T, f *Firmware, id wire.Command, payload []byte) {
	t.Helper()
	frame := make([]byte, wire.CommandHeaderLen+len(payload))
	hdr := wire.CommandHeader{
		NAB: wire.NABHeader{Sync: wire.HostSyncPattern, Len: uint16(len(frame) - wire.NABHeaderLen)},
		ID:  id,
	}
	hdr.Put(frame)
	copy(frame[wire.CommandHeaderLen:], payload)
	if err := f.Write(wire.NABDataAddr, frame, true); err != nil {
		t.Fatal(err)
	}
}

// readControl returns the control records of one control region read.
func readControl(t *testing.T, f *Firmware) (msg []byte, cs wire.CoreStatus) {
	t.Helper()
	buf := make([]byte, wire.CmdMaxSize)
	if err := f.Read(wire.NABControlAddr, buf, false); err != nil {
		t.Fatal(err)
	}
	hdr := wire.DecodeNABHeader(buf)
	if hdr.Sync != wire.DeviceSyncPattern {
		t.Fatalf("sync %#x", hdr.Sync)
	}
	msg = buf[wire.NABHeaderLen+wire.NABExtraBytes : wire.NABHeaderLen+int(hdr.Len)]
	return msg, wire.DecodeCoreStatus(buf[len(buf)-wire.CoreStatusLen:])
}

func TestPoweredOff(t *testing.T) {
	f := New()
	var b [wire.CoreStatusLen]byte
	if err := f.Read(wire.NABStatusAddr, b[:], false); !errors.Is(err, ErrPoweredOff) {
		t.Error("read while off:", err)
	}
	if err := f.Write(wire.NABDataAddr, make([]byte, 16), true); !errors.Is(err, ErrPoweredOff) {
		t.Error("write while off:", err)
	}
}

func TestHintsClearOnRead(t *testing.T) {
	f, _ := boot(t)
	if cs := readStatus(t, f); cs.HostInterruptStatus != 0 {
		t.Error("hints not cleared", cs.HostInterruptStatus)
	}
	if f.Boots() != 1 || !f.Powered() {
		t.Error("boots", f.Boots())
	}
}

func TestFailBoot(t *testing.T) {
	f := New()
	irq := make(chan struct{}, 1)
	f.EnableIRQ(func() { irq <- struct{}{} })
	defer f.DisableIRQ()
	f.FailBoots(1)
	f.Power(true)
	select {
	case <-irq:
		t.Fatal("failed boot raised interrupt")
	case <-time.After(30 * time.Millisecond):
	}
	f.Power(false)
	f.Power(true)
	waitIRQ(t, irq)
	if f.Boots() != 2 {
		t.Error("boots", f.Boots())
	}
}

func TestCommandCompletion(t *testing.T) {
	f, irq := boot(t)
	payload := []byte{1, 2, 3, 4}
	command(t, f, wire.CmdInterrogate, payload)
	waitIRQ(t, irq)
	cs := readStatus(t, f)
	if cs.HostInterruptStatus&wire.HintCommandComplete == 0 {
		t.Fatal("no command complete hint")
	}
	msg, _ := readControl(t, f)
	typ, rec, rest, err := wire.NextRecord(msg)
	if err != nil || typ != wire.ControlCommandComplete || len(rest) != 0 {
		t.Fatalf("record type=%s rest=%d err=%v", typ, len(rest), err)
	}
	comp, err := wire.DecodeCompletion(rec)
	if err != nil {
		t.Fatal(err)
	}
	if comp.ID != wire.CmdInterrogate || comp.Status != wire.StatusSuccess || !bytes.Equal(comp.Data, payload) {
		t.Errorf("completion %+v", comp)
	}
	if f.CommandCount(wire.CmdInterrogate) != 1 {
		t.Error("command not recorded")
	}
}

func TestCommandFaults(t *testing.T) {
	f, _ := boot(t)
	f.Silence(wire.CmdConfigure, 1)
	command(t, f, wire.CmdConfigure, []byte{0, 0, 0, 0})
	if msg, _ := readControl(t, f); len(msg) != 0 {
		t.Error("silenced command answered")
	}

	f.SetStatus(wire.CmdConfigure, wire.StatusInvalidParam)
	command(t, f, wire.CmdConfigure, []byte{0, 0, 0, 0})
	msg, _ := readControl(t, f)
	_, rec, _, _ := wire.NextRecord(msg)
	if comp, _ := wire.DecodeCompletion(rec); comp.Status != wire.StatusInvalidParam {
		t.Error("forced status", comp.Status)
	}
	f.ClearStatus(wire.CmdConfigure)

	var p [wire.DFSConfigLen]byte
	f.SkipEvent(wire.EventDFSConfigComplete, 1)
	command(t, f, wire.CmdDFSChannelConfig, p[:])
	msg, _ = readControl(t, f)
	if _, _, rest, _ := wire.NextRecord(msg); len(rest) != 0 {
		t.Error("skipped event posted")
	}
	command(t, f, wire.CmdDFSChannelConfig, p[:])
	msg, _ = readControl(t, f)
	_, _, rest, _ := wire.NextRecord(msg)
	typ, rec, _, err := wire.NextRecord(rest)
	if err != nil || typ != wire.ControlEvent {
		t.Fatal("no event after completion", typ, err)
	}
	if ev, _ := wire.DecodeEvent(rec); ev.ID != wire.EventDFSConfigComplete {
		t.Error("event", ev.ID)
	}
}

func TestControlHeaderFaults(t *testing.T) {
	f, _ := boot(t)
	buf := make([]byte, wire.CmdMaxSize)
	f.CorruptNextControlSync()
	if err := f.Read(wire.NABControlAddr, buf, false); err != nil {
		t.Fatal(err)
	}
	if hdr := wire.DecodeNABHeader(buf); hdr.Sync == wire.DeviceSyncPattern {
		t.Error("sync not corrupted")
	}
	f.SetNextControlLen(0xffff)
	f.Read(wire.NABControlAddr, buf, false)
	if hdr := wire.DecodeNABHeader(buf); hdr.Len != 0xffff {
		t.Error("length not overridden", hdr.Len)
	}
	// Faults apply to one read only.
	msg, _ := readControl(t, f)
	if len(msg) != 0 {
		t.Errorf("unexpected records %x", msg)
	}
}

func TestCorruptStatus(t *testing.T) {
	f, _ := boot(t)
	f.CorruptNextStatus()
	var b [wire.CoreStatusLen]byte
	f.Read(wire.NABStatusAddr, b[:], false)
	if cs := wire.DecodeCoreStatus(b[:]); cs.PaddingValid() {
		t.Error("status not corrupted")
	}
	readStatus(t, f)
}

func txData(frames int) []byte {
	buf := make([]byte, wire.NABHeaderLen, 512)
	for i := 0; i < frames; i++ {
		var d [wire.TxDescLen]byte
		desc := wire.TxDescriptor{Length: 4, DescID: uint8(i), HLID: 1}
		desc.Put(d[:])
		buf = append(buf, d[:]...)
		buf = append(buf, byte(i), 0, 0, 0)
	}
	hdr := wire.NABHeader{Sync: wire.HostSyncPattern, Len: uint16(len(buf) - wire.NABHeaderLen), Opcode: wire.OpcodeTxData}
	hdr.Put(buf)
	return buf
}

func TestTxResultRing(t *testing.T) {
	f, irq := boot(t)
	if err := f.Write(wire.NABDataAddr, txData(20), true); err != nil {
		t.Fatal(err)
	}
	if n := len(f.TxFrames()); n != 20 {
		t.Fatalf("%d frames", n)
	}
	waitIRQ(t, irq)
	cs := readStatus(t, f)
	if cs.TxResultIndex != wire.TxResultQueueSize-1 {
		t.Fatalf("ring index %d", cs.TxResultIndex)
	}
	for i := 0; i < wire.TxResultQueueSize-1; i++ {
		if cs.TxResults[i] != uint8(i) {
			t.Errorf("ring[%d]=%d", i, cs.TxResults[i])
		}
	}
	// The rest is published on the next read, wrapping the ring.
	waitIRQ(t, irq)
	cs = readStatus(t, f)
	if cs.TxResultIndex != 4 {
		t.Errorf("ring index %d after wrap", cs.TxResultIndex)
	}
	if cs.TxResults[15] != 15 || cs.TxResults[3] != 19 {
		t.Errorf("ring %v", cs.TxResults)
	}
}

func TestHoldTx(t *testing.T) {
	f, irq := boot(t)
	f.HoldTx()
	f.Write(wire.NABDataAddr, txData(2), true)
	if cs := readStatus(t, f); cs.TxResultIndex != 0 {
		t.Fatal("results published while held")
	}
	f.ReleaseTx()
	waitIRQ(t, irq)
	if cs := readStatus(t, f); cs.TxResultIndex != 2 {
		t.Error("ring index", cs.TxResultIndex)
	}
}

func TestRxQueue(t *testing.T) {
	f, irq := boot(t)
	f.QueueRx(2, []byte{1, 2, 3, 4, 5})
	waitIRQ(t, irq)
	cs := readStatus(t, f)
	if cs.RxByteCount() != wire.RxDescLen+8 {
		t.Fatal("rx byte count", cs.RxByteCount())
	}
	buf := make([]byte, 128)
	if err := f.Read(wire.NABDataAddr, buf, true); err != nil {
		t.Fatal(err)
	}
	hdr := wire.DecodeNABHeader(buf)
	if int(hdr.Len) != wire.NABHeaderLen+wire.RxDescLen+8 {
		t.Fatal("rx len", hdr.Len)
	}
	desc := wire.DecodeRxDescriptor(buf[wire.NABHeaderLen:])
	if desc.HLID != 2 || desc.Length != 5 {
		t.Errorf("descriptor %+v", desc)
	}
	if !bytes.Equal(buf[wire.NABHeaderLen+wire.RxDescLen:][:5], []byte{1, 2, 3, 4, 5}) {
		t.Error("frame mismatch")
	}
	tail := wire.DecodeCoreStatus(buf[len(buf)-wire.CoreStatusLen:])
	if tail.RxByteCount() != 0 {
		t.Error("rx left pending", tail.RxByteCount())
	}

	f.ZeroNextRx()
	f.QueueRx(2, []byte{9})
	f.Read(wire.NABDataAddr, buf, true)
	if hdr := wire.DecodeNABHeader(buf); hdr.Len != wire.NABHeaderLen {
		t.Error("zero rx len", hdr.Len)
	}
	if cs := readStatus(t, f); cs.RxByteCount() == 0 {
		t.Error("frame lost by zero read")
	}
}

func TestBusFailures(t *testing.T) {
	f, _ := boot(t)
	f.FailNextRead()
	var b [wire.CoreStatusLen]byte
	if err := f.Read(wire.NABStatusAddr, b[:], false); !errors.Is(err, ErrInjected) {
		t.Error("read:", err)
	}
	readStatus(t, f)
	f.FailNextWrite()
	if err := f.Write(wire.NABDataAddr, txData(1), true); !errors.Is(err, ErrInjected) {
		t.Error("write:", err)
	}
	if err := f.Write(0x1234, txData(1), true); err == nil {
		t.Error("write to unknown address")
	}
	bad := txData(1)
	bad[0] ^= 0xff
	if err := f.Write(wire.NABDataAddr, bad, true); !errors.Is(err, wire.ErrBadSync) {
		t.Error("bad sync:", err)
	}
}
