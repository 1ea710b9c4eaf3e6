package cc33xx

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/soypat/cc33xx/internal/simfw"
	"github.com/soypat/lneto/ethernet"
)

func TestRecoveryStationSequence(t *testing.T) {
	for _, tc := range []struct {
		name    string
		gem     bool
		padding uint64
	}{
		{"default", false, txSQNPostRecoveryPadding},
		{"gem", true, txSQNPostRecoveryPaddingGEM},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil)
			sta := h.addStarted(IfaceStation, mac(1))
			sta.SetEncryptionGEM(tc.gem)
			if err := h.dev.SetAssociated(sta, true); err != nil {
				t.Fatal(err)
			}
			const sent = 5
			h.transmit(sta, ACBestEffort, mac(0xb0), sent)
			h.waitFor("tx results", func() bool { ok, _ := h.txCounts(); return ok == sent })
			info, _ := h.dev.Link(sta.StationLink())
			if info.TotalFreedPkts != sent {
				t.Fatalf("freed=%d before recovery", info.TotalFreedPkts)
			}

			h.fw.GeneralError()
			h.waitRestart()
			select {
			case lost := <-h.lost:
				if lost != sta {
					t.Error("connection loss reported for wrong interface")
				}
			default:
				t.Error("connection loss not reported")
			}
			want := sent + tc.padding
			if got := sta.FreedPackets(); got != want {
				t.Errorf("carried freed count %d, want %d", got, want)
			}
			if sta.StationLink() != InvalidLink {
				t.Error("station link survived recovery")
			}
			if !sta.Role().valid() {
				t.Error("role not restored")
			}

			h.startRole(sta)
			info, _ = h.dev.Link(sta.StationLink())
			if info.TotalFreedPkts != want {
				t.Errorf("restarted link freed=%d, want %d", info.TotalFreedPkts, want)
			}
			h.transmit(sta, ACBestEffort, mac(0xb0), 1)
			h.waitFor("tx result", func() bool { ok, _ := h.txCounts(); return ok == sent+1 })
			info, _ = h.dev.Link(sta.StationLink())
			if info.TotalFreedPkts != want+1 {
				t.Errorf("freed=%d after restart, want %d", info.TotalFreedPkts, want+1)
			}
		})
	}
}

func TestRecoveryAPSequence(t *testing.T) {
	h := newHarness(t, nil)
	ap := h.addStarted(IfaceAP, mac(1))
	st := &Station{Addr: mac(0x51), AID: 1, WMM: true}
	if err := h.dev.AddStation(ap, st); err != nil {
		t.Fatal(err)
	}
	h.transmit(ap, ACVoice, ethernet.BroadcastAddr(), 3)
	h.transmit(ap, ACVoice, st.Addr, 2)
	h.waitFor("tx results", func() bool { ok, _ := h.txCounts(); return ok == 5 })

	h.fw.GeneralError()
	h.waitRestart()
	if got := ap.FreedPackets(); got != 3+txSQNPostRecoveryPadding {
		t.Errorf("broadcast carried %d", got)
	}
	if got := st.FreedPackets(); got != 2+txSQNPostRecoveryPadding {
		t.Errorf("station carried %d", got)
	}
	if st.Link() != InvalidLink || len(ap.Stations()) != 0 {
		t.Error("station survived recovery")
	}

	h.startRole(ap)
	if err := h.dev.AddStation(ap, st); err != nil {
		t.Fatal(err)
	}
	bcast, _ := h.dev.Link(ap.BroadcastLink())
	sta, _ := h.dev.Link(st.Link())
	if bcast.TotalFreedPkts != 3+txSQNPostRecoveryPadding {
		t.Errorf("broadcast link restarted at %d", bcast.TotalFreedPkts)
	}
	if sta.TotalFreedPkts != 2+txSQNPostRecoveryPadding {
		t.Errorf("station link restarted at %d", sta.TotalFreedPkts)
	}
	h.dev.mu.Lock()
	global := ap.globalHLID
	h.dev.mu.Unlock()
	if g, _ := h.dev.Link(global); g.TotalFreedPkts != 0 {
		t.Errorf("global link carried %d", g.TotalFreedPkts)
	}
}

func TestRecoveryRestoresInterfaces(t *testing.T) {
	h := newHarness(t, nil)
	h.addStarted(IfaceStation, mac(1))
	ap := h.addStarted(IfaceAP, mac(2))
	if err := h.dev.Reserve(ap); err != nil {
		t.Fatal(err)
	}
	h.dev.queueRecovery()
	h.waitRestart()
	if n := len(h.dev.Interfaces()); n != 2 {
		t.Fatalf("%d interfaces after recovery", n)
	}
	if h.dev.RolesEnabled() != 2 || h.fw.RolesEnabled() != 2 {
		t.Errorf("roles host=%d firmware=%d", h.dev.RolesEnabled(), h.fw.RolesEnabled())
	}
	if h.dev.ActiveLinks() != 0 {
		t.Errorf("%d active links after recovery", h.dev.ActiveLinks())
	}
	if h.dev.ROCActive() {
		t.Error("reservation survived recovery")
	}
	info, _ := h.dev.Link(SystemLink)
	if !info.Allocated {
		t.Error("system link released")
	}
}

func TestRecoveryConcurrentTriggers(t *testing.T) {
	h := newHarness(t, nil)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.dev.queueRecovery()
		}()
	}
	wg.Wait()
	h.waitRestart()
	if n := h.dev.Recoveries(); n != 1 {
		t.Errorf("recoveries=%d, want 1", n)
	}
	select {
	case <-h.restarts:
		t.Error("second restart")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRecoveryDisabled(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.NoRecovery = true })
	h.addStarted(IfaceStation, mac(1))
	h.fw.GeneralError()
	h.waitFor("device off", func() bool {
		return h.dev.State() == StateOff && !h.dev.recoveryWork.busy()
	})
	if h.fw.Powered() || h.fw.Boots() != 1 {
		t.Errorf("powered=%v boots=%d", h.fw.Powered(), h.fw.Boots())
	}
	if len(h.dev.Interfaces()) != 0 {
		t.Error("interfaces left after teardown")
	}
	if _, err := h.dev.AddInterface(IfaceStation, mac(1)); !errors.Is(err, ErrNotOn) {
		t.Error("add interface on dead device:", err)
	}
	select {
	case <-h.restarts:
		t.Error("restart reported with recovery disabled")
	default:
	}
}

func TestBootTimeout(t *testing.T) {
	fw := simfw.New()
	fw.FailBoots(1)
	cfg := testConfig()
	cfg.BootTimeout = 50 * time.Millisecond
	dev := New(fw, cfg)
	defer dev.Close()
	err := dev.Start()
	if !errors.Is(err, ErrIO) || !errors.Is(err, errBootTimeout) {
		t.Fatal("expected boot timeout, got", err)
	}
	if dev.State() != StateOff || fw.Powered() {
		t.Errorf("state=%s powered=%v after failed boot", dev.State(), fw.Powered())
	}
	if err := dev.Start(); err != nil {
		t.Fatal("second start:", err)
	}
	if dev.State() != StateOn || fw.Boots() != 2 {
		t.Errorf("state=%s boots=%d", dev.State(), fw.Boots())
	}
}

func TestRecoveryBootFailure(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.BootTimeout = 50 * time.Millisecond })
	h.fw.FailBoots(1)
	h.fw.GeneralError()
	h.waitFor("recovery end", func() bool {
		return h.fw.Boots() == 2 && !h.dev.recoveryWork.busy()
	})
	if h.dev.State() != StateOff {
		t.Fatal("state after failed recovery:", h.dev.State())
	}
	if err := h.dev.Start(); err != nil {
		t.Fatal("manual restart:", err)
	}
}

func TestCloseTearsDown(t *testing.T) {
	h := newHarness(t, nil)
	sta := h.addStarted(IfaceStation, mac(1))
	h.dev.flags.set(flagFwTxBusy)
	h.transmit(sta, ACBestEffort, mac(0xb0), 2)
	if err := h.dev.Close(); err != nil {
		t.Fatal(err)
	}
	if h.dev.State() != StateOff || h.fw.Powered() {
		t.Error("device left on after close")
	}
	if _, fail := h.txCounts(); fail != 2 {
		t.Errorf("queued frames reported %d, want 2", fail)
	}
	if h.dev.queueRecovery(); h.dev.Recoveries() != 0 {
		t.Error("recovery queued on closed device")
	}
}
