package cc33xx

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/soypat/cc33xx/internal/simfw"
	"github.com/soypat/cc33xx/wire"
	"github.com/soypat/lneto/ethernet"
)

type harness struct {
	t   *testing.T
	fw  *simfw.Firmware
	dev *Device

	mu       sync.Mutex
	events   []wire.Event
	rx       [][]byte
	txOK     int
	txFail   int
	restarts chan struct{}
	expired  chan *Interface
	lost     chan *Interface
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CommandTimeout = 200 * time.Millisecond
	cfg.EventTimeout = 100 * time.Millisecond
	cfg.RecoveryDelay = 5 * time.Millisecond
	cfg.BootTimeout = 300 * time.Millisecond
	cfg.ROCTimeout = 300 * time.Millisecond
	cfg.PendingAuthTimeout = 100 * time.Millisecond
	cfg.HighWatermark = 4
	cfg.LowWatermark = 1
	if testing.Verbose() {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelTrace}))
	}
	return cfg
}

// newHarness boots a Device on simulated firmware. mod may adjust the
// configuration before the device is created.
func newHarness(t *testing.T, mod func(*Config)) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		fw:       simfw.New(),
		restarts: make(chan struct{}, 8),
		expired:  make(chan *Interface, 8),
		lost:     make(chan *Interface, 8),
	}
	cfg := testConfig()
	cfg.OnEvent = func(ev wire.Event) {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
	}
	cfg.OnRx = func(hlid LinkID, frame []byte) {
		h.mu.Lock()
		h.rx = append(h.rx, append([]byte(nil), frame...))
		h.mu.Unlock()
	}
	cfg.OnTxStatus = func(hlid LinkID, frame []byte, ok bool) {
		h.mu.Lock()
		if ok {
			h.txOK++
		} else {
			h.txFail++
		}
		h.mu.Unlock()
	}
	cfg.OnRestart = func() { h.restarts <- struct{}{} }
	cfg.OnROCExpired = func(iface *Interface) { h.expired <- iface }
	cfg.OnConnectionLoss = func(iface *Interface) { h.lost <- iface }
	if mod != nil {
		mod(&cfg)
	}
	h.dev = New(h.fw, cfg)
	err := h.dev.Start()
	if err != nil {
		t.Fatal("start:", err)
	}
	t.Cleanup(func() { h.dev.Close() })
	return h
}

func (h *harness) waitRestart() {
	h.t.Helper()
	select {
	case <-h.restarts:
	case <-time.After(2 * time.Second):
		h.t.Fatalf("no restart, state=%s recoveries=%d", h.dev.State(), h.dev.Recoveries())
	}
}

func (h *harness) waitFor(what string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			h.t.Fatal("timed out waiting for", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *harness) txCounts() (ok, fail int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.txOK, h.txFail
}

func (h *harness) eventIDs() (ids []wire.EventID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ev := range h.events {
		ids = append(ids, ev.ID)
	}
	return ids
}

func mac(last byte) [6]byte { return [6]byte{0x02, 0, 0, 0, 0, last} }

// addStarted adds an interface of kind and starts its role.
func (h *harness) addStarted(kind IfaceKind, addr [6]byte) *Interface {
	h.t.Helper()
	iface, err := h.dev.AddInterface(kind, addr)
	if err != nil {
		h.t.Fatal("add interface:", err)
	}
	h.startRole(iface)
	return iface
}

func (h *harness) startRole(iface *Interface) {
	h.t.Helper()
	err := h.dev.StartRole(iface, RoleParams{
		Band:           wire.Band2GHz,
		Channel:        6,
		BeaconInterval: 100,
		BasicRates:     0xf,
		BSSID:          mac(0xb0),
		SSID:           "test",
	})
	if err != nil {
		h.t.Fatal("start role:", err)
	}
}

func ethFrame(t *testing.T, dst, src [6]byte, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	efrm, err := ethernet.NewFrame(b)
	if err != nil {
		t.Fatal(err)
	}
	*efrm.DestinationHardwareAddr() = dst
	*efrm.SourceHardwareAddr() = src
	efrm.SetEtherType(ethernet.TypeIPv4)
	return b
}

func (h *harness) transmit(iface *Interface, ac AC, dst [6]byte, n int) {
	h.t.Helper()
	for i := 0; i < n; i++ {
		err := h.dev.Transmit(iface, ac, ethFrame(h.t, dst, iface.Addr(), 64))
		if err != nil {
			h.t.Fatal("transmit:", err)
		}
	}
}

func TestStartInfo(t *testing.T) {
	h := newHarness(t, nil)
	if h.dev.State() != StateOn {
		t.Fatal("device not on:", h.dev.State())
	}
	if h.dev.Info() != h.fw.Info {
		t.Errorf("device info %+v, want %+v", h.dev.Info(), h.fw.Info)
	}
	if err := h.dev.Start(); !errors.Is(err, errAlreadyStarted) {
		t.Error("second start:", err)
	}
	di, err := h.dev.ReadDeviceInfo()
	if err != nil || di.MAC != h.fw.Info.MAC {
		t.Error("read device info:", di, err)
	}
}

func TestInterrogateEcho(t *testing.T) {
	h := newHarness(t, nil)
	var buf [8]byte
	n, err := h.dev.Interrogate(0x1234, buf[:])
	if err != nil {
		t.Fatal(err)
	}
	if n != wire.ACXHeaderLen {
		t.Errorf("got %d result bytes", n)
	}
	if hdr := wire.DecodeACXHeader(buf[:]); hdr.ID != 0x1234 {
		t.Errorf("echoed acx id %#x", hdr.ID)
	}
	// A result larger than the buffer is truncated.
	var small [2]byte
	n, err = h.dev.Interrogate(0x55, small[:])
	if err != nil || n != 2 || binary.LittleEndian.Uint16(small[:]) != 0x55 {
		t.Errorf("truncated interrogate n=%d err=%v %x", n, err, small)
	}
}

func TestInterrogateConcurrent(t *testing.T) {
	h := newHarness(t, nil)
	const workers, calls = 8, 20
	var wg sync.WaitGroup
	errc := make(chan error, workers*calls)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < calls; i++ {
				id := uint16(w*100 + i)
				var buf [4]byte
				_, err := h.dev.Interrogate(id, buf[:])
				if err != nil {
					errc <- err
					return
				}
				if got := binary.LittleEndian.Uint16(buf[:]); got != id {
					errc <- errors.New("result of another command returned")
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errc)
	for err := range errc {
		t.Error(err)
	}
	if h.dev.Recoveries() != 0 {
		t.Error("unexpected recovery")
	}
}

func TestInterceptedCommands(t *testing.T) {
	h := newHarness(t, nil)
	before := len(h.fw.Commands())
	for _, cmd := range []wire.Command{wire.CmdStartDHCPMgmtSeq, wire.CmdSchedStateEvent, wire.CmdEmpty, wire.CmdLastSupported + 3} {
		if err := h.dev.Command(cmd, nil); err != nil {
			t.Errorf("%s: %v", cmd, err)
		}
	}
	st, _, err := h.dev.Send(wire.CmdLastSupported, nil, nil)
	if err != nil || st != wire.StatusSuccess {
		t.Error("unsupported opcode:", st, err)
	}
	if after := len(h.fw.Commands()); after != before {
		t.Errorf("intercepted commands reached firmware: %d -> %d", before, after)
	}
}

func TestSendRejectsMalformed(t *testing.T) {
	h := newHarness(t, nil)
	before := len(h.fw.Commands())
	_, _, err := h.dev.Send(wire.CmdConfigure, []byte{1, 2, 3}, nil)
	if !errors.Is(err, ErrIO) || !errors.Is(err, errCmdUnaligned) {
		t.Error("unaligned command:", err)
	}
	big := make([]byte, wire.CmdMaxSize)
	_, _, err = h.dev.Send(wire.CmdConfigure, big, nil)
	if !errors.Is(err, errCmdTooLong) {
		t.Error("oversized command:", err)
	}
	if len(h.fw.Commands()) != before {
		t.Error("malformed command reached firmware")
	}
	if h.dev.Recoveries() != 0 {
		t.Error("malformed command triggered recovery")
	}

	// The INI download limit admits the same command.
	if err := h.dev.SetMaxBufferSize(wire.BufferSizeINI); err != nil {
		t.Fatal(err)
	}
	st, _, err := h.dev.Send(wire.CmdConfigure, big, nil)
	if err != nil || st != wire.StatusSuccess {
		t.Error("large command with INI limit:", st, err)
	}
	if err := h.dev.SetMaxBufferSize(wire.BufferSizeCmd); err != nil {
		t.Fatal(err)
	}
	if _, _, err = h.dev.Send(wire.CmdConfigure, big, nil); !errors.Is(err, errCmdTooLong) {
		t.Error("limit not restored:", err)
	}
}

func TestStatusPolicy(t *testing.T) {
	h := newHarness(t, nil)
	h.fw.SetStatus(wire.CmdConfigure, wire.StatusInvalidParam)

	// Raw sends return the device status untouched.
	st, _, err := h.dev.Send(wire.CmdConfigure, []byte{1, 0, 0, 0}, nil)
	if err != nil || st != wire.StatusInvalidParam {
		t.Fatal("raw send:", st, err)
	}
	err = h.dev.ConfigureFailsafe(0x10, []byte{1}, AcceptStatus(wire.StatusInvalidParam))
	if err != nil {
		t.Fatal("accepted status rejected:", err)
	}
	if h.dev.Recoveries() != 0 {
		t.Fatal("accepted status triggered recovery")
	}

	err = h.dev.Configure(0x10, []byte{1})
	var se *statusError
	if !errors.Is(err, ErrIO) || !errors.As(err, &se) {
		t.Fatal("expected status error, got", err)
	}
	if h.dev.Recoveries() != 1 {
		t.Errorf("recoveries=%d, want 1", h.dev.Recoveries())
	}
	h.fw.ClearStatus(wire.CmdConfigure)
	h.waitRestart()
	if err := h.dev.Configure(0x10, []byte{1}); err != nil {
		t.Error("configure after recovery:", err)
	}
}

func TestCommandTimeoutRecoversOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.fw.Silence(wire.CmdInterrogate, 1)
	var buf [4]byte
	_, err := h.dev.Interrogate(1, buf[:])
	if !errors.Is(err, ErrIO) || !errors.Is(err, errCmdTimeout) {
		t.Fatal("expected timeout, got", err)
	}
	// Further requests in the same window are absorbed.
	for i := 0; i < 5; i++ {
		h.dev.queueRecovery()
	}
	h.waitRestart()
	if n := h.dev.Recoveries(); n != 1 {
		t.Errorf("recoveries=%d, want 1", n)
	}
	if h.fw.Boots() != 2 {
		t.Errorf("boots=%d, want 2", h.fw.Boots())
	}
	if _, err := h.dev.Interrogate(2, buf[:]); err != nil {
		t.Error("interrogate after recovery:", err)
	}
}

func TestWriteFailureRecovers(t *testing.T) {
	h := newHarness(t, nil)
	h.fw.FailNextWrite()
	err := h.dev.Command(wire.CmdSetTemplate, nil)
	if !errors.Is(err, ErrIO) || !errors.Is(err, simfw.ErrInjected) {
		t.Fatal("expected bus error, got", err)
	}
	h.waitRestart()
	if h.dev.State() != StateOn {
		t.Error("state after recovery:", h.dev.State())
	}
}

func TestNotOnRejected(t *testing.T) {
	fw := simfw.New()
	dev := New(fw, testConfig())
	if _, err := dev.AddInterface(IfaceStation, mac(1)); !errors.Is(err, ErrNotOn) {
		t.Error("add interface while off:", err)
	}
	if err := dev.Command(wire.CmdSetTemplate, nil); !errors.Is(err, ErrNotOn) {
		t.Error("command while off:", err)
	}
	if err := dev.Close(); err != nil {
		t.Error(err)
	}
	if err := dev.Start(); !errors.Is(err, errClosed) {
		t.Error("start after close:", err)
	}
}
