package cc33xx

import (
	"errors"
	"testing"
	"time"

	"github.com/soypat/lneto/ethernet"
)

func TestTxWatermark(t *testing.T) {
	h := newHarness(t, nil)
	sta := h.addStarted(IfaceStation, mac(1))
	// Keep frames in the host queues.
	h.dev.flags.set(flagFwTxBusy)
	h.transmit(sta, ACVoice, mac(0xb0), 4)
	if !h.dev.QueueStopped(sta, ACVoice) {
		t.Fatal("queue not stopped at high watermark")
	}
	if h.dev.QueueStopped(sta, ACBestEffort) {
		t.Error("unrelated queue stopped")
	}
	// The watermark stop is soft.
	h.transmit(sta, ACVoice, mac(0xb0), 1)
	if d := h.dev.QueueDepth(sta, ACVoice); d != 5 {
		t.Errorf("depth=%d, want 5", d)
	}

	h.dev.flags.clear(flagFwTxBusy)
	h.dev.txWork.queue()
	h.waitFor("tx results", func() bool { ok, _ := h.txCounts(); return ok == 5 })
	if h.dev.QueueStopped(sta, ACVoice) || h.dev.QueueDepth(sta, ACVoice) != 0 {
		t.Error("queue not woken after draining")
	}
	hlid := sta.StationLink()
	for _, f := range h.fw.TxFrames() {
		if LinkID(f.HLID) != hlid || AC(f.AC) != ACVoice {
			t.Errorf("frame on hlid=%d ac=%d", f.HLID, f.AC)
		}
	}
	info, _ := h.dev.Link(hlid)
	if info.TotalFreedPkts != 5 || info.AllocatedPkts != 0 {
		t.Errorf("link accounting %+v", info)
	}
}

func TestTxPendingCoalesces(t *testing.T) {
	h := newHarness(t, nil)
	sta := h.addStarted(IfaceStation, mac(1))
	// A TX run is already scheduled: admission does not queue another.
	h.dev.flags.set(flagTxPending)
	h.transmit(sta, ACBestEffort, mac(0xb0), 2)
	time.Sleep(20 * time.Millisecond)
	if d := h.dev.QueueDepth(sta, ACBestEffort); d != 2 {
		t.Fatalf("depth=%d, want 2", d)
	}
	h.dev.txWork.queue()
	h.waitFor("tx results", func() bool { ok, _ := h.txCounts(); return ok == 2 })
	if h.dev.flags.has(flagTxPending) {
		t.Error("pending flag kept after tx work ran")
	}
	h.transmit(sta, ACBestEffort, mac(0xb0), 1)
	h.waitFor("tx result", func() bool { ok, _ := h.txCounts(); return ok == 3 })
}

func TestTxDropped(t *testing.T) {
	h := newHarness(t, nil)
	sta, err := h.dev.AddInterface(IfaceStation, mac(1))
	if err != nil {
		t.Fatal(err)
	}
	// No link until the role starts.
	err = h.dev.Transmit(sta, ACBestEffort, ethFrame(t, mac(0xb0), mac(1), 64))
	if !errors.Is(err, ErrTxDropped) {
		t.Error("transmit without link:", err)
	}
	h.startRole(sta)
	err = h.dev.Transmit(sta, ACBestEffort, []byte{1, 2, 3})
	if !errors.Is(err, ErrTxDropped) {
		t.Error("malformed frame:", err)
	}

	h.dev.mu.Lock()
	h.dev.stopQueues(stopFWRestart)
	h.dev.mu.Unlock()
	err = h.dev.Transmit(sta, ACBestEffort, ethFrame(t, mac(0xb0), mac(1), 64))
	if !errors.Is(err, ErrTxDropped) {
		t.Error("transmit on stopped queue:", err)
	}
	_, fail := h.txCounts()
	if fail != 3 {
		t.Errorf("dropped frames reported %d, want 3", fail)
	}

	h.dev.mu.Lock()
	h.dev.wakeQueues(stopFWRestart)
	h.dev.mu.Unlock()
	h.transmit(sta, ACBestEffort, mac(0xb0), 1)
	h.waitFor("tx result", func() bool { ok, _ := h.txCounts(); return ok == 1 })
}

func TestClearLinkPurgesQueue(t *testing.T) {
	h := newHarness(t, nil)
	sta := h.addStarted(IfaceStation, mac(1))
	hlid := sta.StationLink()
	h.dev.flags.set(flagFwTxBusy)
	h.transmit(sta, ACBackground, mac(0xb0), 3)
	if err := h.dev.StopRole(sta); err != nil {
		t.Fatal(err)
	}
	ok, fail := h.txCounts()
	if ok != 0 || fail != 3 {
		t.Errorf("purged frames ok=%d fail=%d", ok, fail)
	}
	info, _ := h.dev.Link(hlid)
	if info.Allocated || info.Queued != 0 {
		t.Errorf("link still in use: %+v", info)
	}
	if h.dev.QueueDepth(sta, ACBackground) != 0 {
		t.Error("queue count not reset")
	}
	err := h.dev.Transmit(sta, ACBackground, ethFrame(t, mac(0xb0), mac(1), 64))
	if !errors.Is(err, ErrTxDropped) {
		t.Error("frame admitted on cleared link:", err)
	}
}

func TestTxAPLinkSelection(t *testing.T) {
	h := newHarness(t, nil)
	ap := h.addStarted(IfaceAP, mac(1))
	st := &Station{Addr: mac(0x51), AID: 1}
	if err := h.dev.AddStation(ap, st); err != nil {
		t.Fatal(err)
	}
	h.dev.flags.set(flagFwTxBusy)
	h.transmit(ap, ACBestEffort, ethernet.BroadcastAddr(), 1)
	h.transmit(ap, ACBestEffort, st.Addr, 2)
	h.transmit(ap, ACBestEffort, mac(0x77), 1)

	h.dev.mu.Lock()
	global := ap.globalHLID
	h.dev.mu.Unlock()
	for _, c := range []struct {
		hlid LinkID
		want int
	}{{ap.BroadcastLink(), 1}, {st.Link(), 2}, {global, 1}} {
		info, err := h.dev.Link(c.hlid)
		if err != nil || info.Queued != c.want {
			t.Errorf("link %d queued %d, want %d (%v)", c.hlid, info.Queued, c.want, err)
		}
	}
	h.dev.flags.clear(flagFwTxBusy)
	h.dev.txWork.queue()
	h.waitFor("tx results", func() bool { ok, _ := h.txCounts(); return ok == 4 })
}

func TestTxManyFrames(t *testing.T) {
	h := newHarness(t, nil)
	sta := h.addStarted(IfaceStation, mac(1))
	const n = 100
	for i := 0; i < n; i++ {
		h.transmit(sta, AC(i%NumACs), mac(0xb0), 1)
	}
	h.waitFor("tx results", func() bool { ok, _ := h.txCounts(); return ok == n })
	info, _ := h.dev.Link(sta.StationLink())
	if info.TotalFreedPkts != n || info.AllocatedPkts != 0 {
		t.Errorf("link accounting %+v", info)
	}
	if len(h.fw.TxFrames()) != n {
		t.Errorf("firmware got %d frames", len(h.fw.TxFrames()))
	}
}

func TestFlush(t *testing.T) {
	h := newHarness(t, nil)
	sta := h.addStarted(IfaceStation, mac(1))
	h.fw.HoldTx()
	h.transmit(sta, ACVideo, mac(0xb0), 3)
	if err := h.dev.Flush(30 * time.Millisecond); !errors.Is(err, ErrBusy) {
		t.Fatal("flush with frames held by firmware:", err)
	}
	h.fw.ReleaseTx()
	if err := h.dev.Flush(time.Second); err != nil {
		t.Fatal(err)
	}
	if ok, _ := h.txCounts(); ok != 3 {
		t.Errorf("ok=%d, want 3", ok)
	}
	if h.dev.QueueStopped(sta, ACVideo) {
		t.Error("queue left stopped after flush")
	}
}

func TestTxWatchdogRecovers(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.TxWatchdogTimeout = 50 * time.Millisecond })
	sta := h.addStarted(IfaceStation, mac(1))
	h.fw.HoldTx()
	h.transmit(sta, ACBestEffort, mac(0xb0), 1)
	h.waitRestart()
	ok, fail := h.txCounts()
	if ok != 0 || fail != 1 {
		t.Errorf("stuck frame ok=%d fail=%d", ok, fail)
	}
}
