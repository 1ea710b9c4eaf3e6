package cc33xx

import (
	"errors"
	"testing"
	"time"

	"github.com/soypat/cc33xx/wire"
)

func TestReserveRelease(t *testing.T) {
	h := newHarness(t, nil)
	sta := h.addStarted(IfaceStation, mac(1))
	if err := h.dev.Reserve(sta); err != nil {
		t.Fatal(err)
	}
	// A role already on channel is left alone.
	if err := h.dev.Reserve(sta); err != nil {
		t.Fatal(err)
	}
	if n := h.fw.CommandCount(wire.CmdRemainOnChannel); n != 1 {
		t.Errorf("roc sent %d times", n)
	}
	if !h.dev.ROCActive() || h.fw.ROCRoles() != 1<<sta.Role() {
		t.Errorf("firmware roc roles %b", h.fw.ROCRoles())
	}
	if err := h.dev.Release(sta); err != nil {
		t.Fatal(err)
	}
	if h.dev.ROCActive() || h.fw.ROCRoles() != 0 {
		t.Error("reservation kept")
	}
	if err := h.dev.Release(sta); err != nil {
		t.Error("release without reservation:", err)
	}

	p2p, err := h.dev.AddInterface(IfaceP2PDevice, mac(2))
	if err != nil {
		t.Fatal(err)
	}
	if err := h.dev.Reserve(p2p); !errors.Is(err, ErrInvalidRole) {
		t.Error("reserve without role:", err)
	}
}

func TestRemainOnChannelExpires(t *testing.T) {
	h := newHarness(t, nil)
	sta, err := h.dev.AddInterface(IfaceStation, mac(1))
	if err != nil {
		t.Fatal(err)
	}
	if err := h.dev.RemainOnChannel(sta, wire.Band2GHz, 1, 30*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if !h.dev.ROCActive() || h.dev.RolesEnabled() != 2 {
		t.Errorf("roc active=%v roles=%d", h.dev.ROCActive(), h.dev.RolesEnabled())
	}
	if err := h.dev.RemainOnChannel(sta, wire.Band2GHz, 6, time.Second); !errors.Is(err, ErrBusy) {
		t.Error("second request:", err)
	}
	select {
	case iface := <-h.expired:
		if iface != sta {
			t.Error("expiry reported for wrong interface")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("roc did not expire")
	}
	if h.dev.ROCActive() || h.dev.RolesEnabled() != 1 || sta.StationLink() != InvalidLink {
		t.Error("device role left behind")
	}
	if err := h.dev.RemainOnChannel(sta, wire.Band2GHz, 6, time.Second); err != nil {
		t.Error("request after expiry:", err)
	}
}

func TestRemainOnChannelBlockedByReservation(t *testing.T) {
	h := newHarness(t, nil)
	ap := h.addStarted(IfaceAP, mac(1))
	sta, err := h.dev.AddInterface(IfaceStation, mac(2))
	if err != nil {
		t.Fatal(err)
	}
	if err := h.dev.Reserve(ap); err != nil {
		t.Fatal(err)
	}
	if err := h.dev.RemainOnChannel(sta, wire.Band2GHz, 1, time.Second); !errors.Is(err, ErrBusy) {
		t.Error("roc while reserved:", err)
	}
	if err := h.dev.RemainOnChannel(ap, wire.Band2GHz, 1, time.Second); !errors.Is(err, ErrBusy) {
		t.Error("roc on AP while reserved:", err)
	}
}

func TestCancelRemainOnChannel(t *testing.T) {
	h := newHarness(t, nil)
	sta, err := h.dev.AddInterface(IfaceStation, mac(1))
	if err != nil {
		t.Fatal(err)
	}
	if err := h.dev.CancelRemainOnChannel(); err != nil {
		t.Error("cancel with nothing active:", err)
	}
	if err := h.dev.RemainOnChannel(sta, wire.Band5GHz, 36, 10*time.Second); err != nil {
		t.Fatal(err)
	}
	if err := h.dev.CancelRemainOnChannel(); err != nil {
		t.Fatal(err)
	}
	if h.dev.ROCActive() || h.fw.ROCRoles() != 0 {
		t.Error("reservation kept after cancel")
	}
	select {
	case <-h.expired:
		t.Error("canceled request reported as expired")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInConnStations(t *testing.T) {
	h := newHarness(t, nil)
	ap := h.addStarted(IfaceAP, mac(1))
	st1 := &Station{Addr: mac(0x51), AID: 1}
	st2 := &Station{Addr: mac(0x52), AID: 2}
	for _, st := range []*Station{st1, st2} {
		if err := h.dev.AddStation(ap, st); err != nil {
			t.Fatal(err)
		}
	}
	if err := h.dev.UpdateInConnStation(ap, st1, true); err != nil {
		t.Fatal(err)
	}
	if !h.dev.ROCActive() {
		t.Fatal("connecting station did not reserve channel")
	}
	h.dev.UpdateInConnStation(ap, st1, true) // counted once
	h.dev.UpdateInConnStation(ap, st2, true)
	if n := h.fw.CommandCount(wire.CmdRemainOnChannel); n != 1 {
		t.Errorf("roc sent %d times", n)
	}
	h.dev.UpdateInConnStation(ap, st1, false)
	if !h.dev.ROCActive() {
		t.Error("reservation released with a station still connecting")
	}
	h.dev.UpdateInConnStation(ap, st2, false)
	if h.dev.ROCActive() {
		t.Error("reservation kept after stations connected")
	}
	// Out of order updates are ignored.
	h.dev.UpdateInConnStation(ap, st2, false)
	if h.dev.ROCActive() {
		t.Error("spurious update reserved the channel")
	}
}

func TestRemoveStationEndsInConn(t *testing.T) {
	h := newHarness(t, nil)
	ap := h.addStarted(IfaceAP, mac(1))
	st := &Station{Addr: mac(0x51), AID: 1}
	if err := h.dev.AddStation(ap, st); err != nil {
		t.Fatal(err)
	}
	h.dev.UpdateInConnStation(ap, st, true)
	if err := h.dev.RemoveStation(st); err != nil {
		t.Fatal(err)
	}
	if h.dev.ROCActive() {
		t.Error("reservation kept after connecting station removed")
	}
}

func TestPendingAuthTimeout(t *testing.T) {
	h := newHarness(t, nil)
	ap := h.addStarted(IfaceAP, mac(1))
	if err := h.dev.PendingAuthReply(ap); err != nil {
		t.Fatal(err)
	}
	if !h.dev.ROCActive() {
		t.Fatal("auth reply did not reserve channel")
	}
	h.waitFor("pending auth timeout", func() bool { return !h.dev.ROCActive() })

	sta := h.addStarted(IfaceStation, mac(2))
	if err := h.dev.PendingAuthReply(sta); !errors.Is(err, errIfaceNotAdded) {
		t.Error("auth reply on station:", err)
	}
}

func TestROCTimeout(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.ROCTimeout = 100 * time.Millisecond })
	ap := h.addStarted(IfaceAP, mac(1))
	st := &Station{Addr: mac(0x51), AID: 1}
	if err := h.dev.AddStation(ap, st); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	h.dev.UpdateInConnStation(ap, st, true)
	if !h.dev.ROCActive() {
		t.Fatal("no reservation")
	}
	h.waitFor("roc timeout", func() bool { return !h.dev.ROCActive() })
	if took := time.Since(start); took < 50*time.Millisecond {
		t.Errorf("reservation canceled after %v", took)
	}
	if h.dev.Recoveries() != 0 {
		t.Error("roc timeout triggered recovery")
	}
}

func TestRecoveryEndsRemainOnChannel(t *testing.T) {
	h := newHarness(t, nil)
	sta, err := h.dev.AddInterface(IfaceStation, mac(1))
	if err != nil {
		t.Fatal(err)
	}
	if err := h.dev.RemainOnChannel(sta, wire.Band2GHz, 1, 10*time.Second); err != nil {
		t.Fatal(err)
	}
	h.fw.GeneralError()
	h.waitRestart()
	select {
	case iface := <-h.expired:
		if iface != sta {
			t.Error("expiry reported for wrong interface")
		}
	default:
		t.Error("recovery did not end the request")
	}
	if h.dev.ROCActive() {
		t.Error("reservation survived recovery")
	}
	if err := h.dev.RemainOnChannel(sta, wire.Band2GHz, 1, time.Second); err != nil {
		t.Error("request after recovery:", err)
	}
}
