package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/soypat/cc33xx"
	"github.com/soypat/cc33xx/internal/simconfig"
	"github.com/soypat/cc33xx/internal/simfw"
	"github.com/soypat/cc33xx/internal/trace"
	"github.com/soypat/cc33xx/wire"
	"github.com/soypat/lneto/ethernet"
	"github.com/spf13/cobra"
)

var (
	tracePath string
	mqttAddr  string
	mqttTopic string
)

var runCmd = &cobra.Command{
	Use:   "run <scenario.yaml>",
	Short: "Run a scenario against simulated firmware",
	Long: `Boot the control plane on simulated firmware, bring up the scenario's
interfaces and stations, send and receive the configured traffic and inject
faults. Every command, event, received frame, TX status and restart is
recorded to the trace file.`,
	Args: cobra.ExactArgs(1),
	RunE: runScenario,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&tracePath, "trace", "t", "cc33sim.cbor", "Trace output file")
	runCmd.Flags().StringVar(&mqttAddr, "mqtt", "", "MQTT broker address (host:port) to stream trace records to")
	runCmd.Flags().StringVar(&mqttTopic, "topic", "cc33sim/trace", "MQTT topic of streamed trace records")
}

type stats struct {
	txOK, txFail, rx atomic.Int64
}

// scenario holds the state of one run.
type scenario struct {
	cfg      *simconfig.Config
	log      *slog.Logger
	fw       *simfw.Firmware
	dev      *cc33xx.Device
	rec      *trace.Recorder
	ifaces   []*cc33xx.Interface
	stations map[*cc33xx.Interface][]*cc33xx.Station
	restart  chan struct{}
	st       stats
}

func runScenario(cmd *cobra.Command, args []string) error {
	cfg, err := simconfig.Load(args[0])
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	if err := simconfig.Validate(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	out, err := os.Create(tracePath)
	if err != nil {
		return err
	}
	defer out.Close()

	s := &scenario{
		cfg:      cfg,
		log:      logger,
		fw:       simfw.New(),
		rec:      trace.NewRecorder(out),
		stations: make(map[*cc33xx.Interface][]*cc33xx.Station),
		restart:  make(chan struct{}, 1),
	}
	s.fw.OnCommand = s.rec.Command
	var pub *publisher
	if mqttAddr != "" {
		pub, err = dialMQTT(mqttAddr, mqttTopic, logger)
		if err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
		s.rec.OnRecord = pub.offer
		defer pub.close()
	}

	dcfg := cfg.DeviceConfig()
	dcfg.Logger = logger
	dcfg.OnEvent = s.rec.Event
	dcfg.OnRx = func(hlid cc33xx.LinkID, frame []byte) {
		s.st.rx.Add(1)
		s.rec.Rx(uint8(hlid), frame)
	}
	dcfg.OnTxStatus = func(hlid cc33xx.LinkID, frame []byte, ok bool) {
		if ok {
			s.st.txOK.Add(1)
		} else {
			s.st.txFail.Add(1)
		}
		s.rec.TxStatus(uint8(hlid), frame, ok)
	}
	dcfg.OnROCExpired = func(*cc33xx.Interface) {
		s.rec.Record(trace.Record{Kind: trace.KindROCExpired})
	}
	dcfg.OnRestart = func() {
		s.rec.Record(trace.Record{Kind: trace.KindRestart})
		select {
		case s.restart <- struct{}{}:
		default:
		}
	}
	s.dev = cc33xx.New(s.fw, dcfg)

	start := time.Now()
	if err := s.dev.Start(); err != nil {
		return fmt.Errorf("device start: %w", err)
	}
	defer s.dev.Close()
	info := s.dev.Info()
	logger.Info("device up", slog.Uint64("hw", uint64(info.HWVersion)), slog.String("mac", fmt.Sprintf("%x", info.MAC)))

	if err := s.configureChannels(); err != nil {
		return err
	}
	if err := s.bringUp(); err != nil {
		return err
	}
	s.scheduleFaults()
	s.traffic()

	duration := time.Duration(cfg.Scenario.DurationMs) * time.Millisecond
	if duration == 0 {
		duration = time.Second
	}
	deadline := time.NewTimer(duration)
	defer deadline.Stop()
	for done := false; !done; {
		select {
		case <-s.restart:
			if err := s.bringUp(); err != nil {
				logger.Error("bring up after restart", slog.String("err", err.Error()))
				continue
			}
			s.traffic()
		case <-deadline.C:
			done = true
		}
	}
	if err := s.dev.Flush(500 * time.Millisecond); err != nil && !errors.Is(err, cc33xx.ErrNotOn) {
		logger.Warn("flush", slog.String("err", err.Error()))
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "ran %v: state=%s recoveries=%d boots=%d\n",
		time.Since(start).Round(time.Millisecond), s.dev.State(), s.dev.Recoveries(), s.fw.Boots())
	fmt.Fprintf(w, "tx ok=%d failed=%d rx=%d commands=%d\n",
		s.st.txOK.Load(), s.st.txFail.Load(), s.st.rx.Load(), len(s.fw.Commands()))
	fmt.Fprintf(w, "trace: %d records in %s\n", s.rec.Count(), tracePath)
	if pub != nil {
		s.dev.Close()
		pub.close()
		fmt.Fprintf(w, "mqtt: published=%d dropped=%d\n", pub.published.Load(), pub.dropped.Load())
	}
	return s.rec.Err()
}

func (s *scenario) configureChannels() error {
	if len(s.cfg.Scenario.Channels) == 0 {
		return nil
	}
	for _, c := range s.cfg.Scenario.Channels {
		band, _ := simconfig.ParseBand(c.Band)
		s.dev.SetPendingRegDomainChannel(band, c.Channel)
	}
	return s.dev.ConfigureRegDomain()
}

// bringUp adds the scenario interfaces on first use and starts their roles
// and stations. After a restart the interfaces already exist and only roles
// and stations are brought back.
func (s *scenario) bringUp() error {
	first := s.ifaces == nil
	for i, ic := range s.cfg.Scenario.Interfaces {
		kind, _ := simconfig.ParseKind(ic.Kind)
		mac, _ := simconfig.ParseMAC(ic.MAC)
		band, _ := simconfig.ParseBand(ic.Band)
		var iface *cc33xx.Interface
		if first {
			var err error
			iface, err = s.dev.AddInterface(kind, mac)
			if err != nil {
				return fmt.Errorf("interface %d: %w", i, err)
			}
			s.ifaces = append(s.ifaces, iface)
		} else {
			iface = s.ifaces[i]
		}
		if kind == cc33xx.IfaceP2PDevice {
			if err := s.dev.StartDevice(iface, band, ic.Channel); err != nil {
				return fmt.Errorf("interface %d: start device: %w", i, err)
			}
			continue
		}
		err := s.dev.StartRole(iface, cc33xx.RoleParams{
			Band:           band,
			Channel:        ic.Channel,
			BeaconInterval: 100,
			DTIMPeriod:     2,
			BasicRates:     0xf,
			BSSID:          mac,
			SSID:           ic.SSID,
		})
		if err != nil {
			return fmt.Errorf("interface %d: start role: %w", i, err)
		}
		if first {
			for n := 0; n < ic.Stations; n++ {
				st := &cc33xx.Station{
					Addr: [6]byte{0x02, 0x5a, 0, 0, byte(i), byte(n + 1)},
					AID:  uint16(n + 1),
					WMM:  true,
				}
				s.stations[iface] = append(s.stations[iface], st)
			}
		}
		for _, st := range s.stations[iface] {
			if err := s.dev.AddStation(iface, st); err != nil {
				return fmt.Errorf("interface %d: add station: %w", i, err)
			}
			if err := s.dev.SetPeerState(iface, st.Link()); err != nil {
				return err
			}
		}
		if kind == cc33xx.IfaceStation {
			s.dev.SetAssociated(iface, true)
		}
	}
	return nil
}

// traffic sends the configured frames on the first interface and queues
// received frames in the firmware.
func (s *scenario) traffic() {
	tr := s.cfg.Scenario.Traffic
	if len(s.ifaces) == 0 {
		return
	}
	iface := s.ifaces[0]
	ac := cc33xx.ACBestEffort
	if tr.AC != "" {
		ac, _ = simconfig.ParseAC(tr.AC)
	}
	dst := ethernet.BroadcastAddr()
	if sts := s.stations[iface]; !tr.Broadcast && len(sts) > 0 {
		dst = sts[0].Addr
	}
	for i := 0; i < tr.Frames; i++ {
		frame := make([]byte, tr.FrameLen)
		efrm, err := ethernet.NewFrame(frame)
		if err != nil {
			s.log.Error("build frame", slog.String("err", err.Error()))
			return
		}
		*efrm.DestinationHardwareAddr() = dst
		*efrm.SourceHardwareAddr() = iface.Addr()
		efrm.SetEtherType(ethernet.TypeIPv4)
		err = s.dev.Transmit(iface, ac, frame)
		if err != nil && !errors.Is(err, cc33xx.ErrTxDropped) {
			s.log.Error("transmit", slog.String("err", err.Error()))
		}
	}
	hlid := iface.StationLink()
	if iface.Kind() == cc33xx.IfaceAP || iface.Kind() == cc33xx.IfaceP2PGO {
		hlid = iface.BroadcastLink()
	}
	for i := 0; i < tr.RxFrames; i++ {
		frame := make([]byte, 64+i%64)
		frame[0] = byte(i)
		s.fw.QueueRx(uint8(hlid), frame)
	}
}

func (s *scenario) scheduleFaults() {
	for _, f := range s.cfg.Scenario.Faults {
		f := f
		count := max(f.Count, 1)
		time.AfterFunc(time.Duration(f.AfterMs)*time.Millisecond, func() {
			s.log.Info("injecting fault", slog.String("kind", f.Kind))
			switch f.Kind {
			case "silence":
				cmd, _ := simconfig.ParseCommand(f.Command)
				s.fw.Silence(cmd, count)
				s.probe(cmd)
			case "status":
				cmd, _ := simconfig.ParseCommand(f.Command)
				s.fw.SetStatus(cmd, wire.CommandStatus(f.Status))
				s.probe(cmd)
				s.fw.ClearStatus(cmd)
			case "skip-event":
				ev, _ := simconfig.ParseEvent(f.Event)
				s.fw.SkipEvent(ev, count)
			case "general-error":
				s.fw.GeneralError()
			case "corrupt-status":
				s.fw.CorruptNextStatus()
				s.dev.Poll()
			case "zero-rx":
				s.fw.ZeroNextRx()
				s.fw.QueueRx(0, make([]byte, 16))
			}
		})
	}
}

// probe issues cmd so a fault planted on it takes effect.
func (s *scenario) probe(cmd wire.Command) {
	switch cmd {
	case wire.CmdInterrogate:
		var buf [8]byte
		s.dev.Interrogate(0x10, buf[:])
	case wire.CmdConfigure:
		s.dev.Configure(0x10, []byte{1, 0, 0, 0})
	default:
		s.dev.Command(cmd, nil)
	}
}
