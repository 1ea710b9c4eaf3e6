package simconfig

import (
	"fmt"
	"net"
	"strings"

	"github.com/soypat/cc33xx"
	"github.com/soypat/cc33xx/wire"
)

// Validate checks configuration correctness.
// It MUST NOT mutate configuration.
func Validate(cfg *Config) error {
	d := cfg.Device
	switch d.Bus {
	case "", "sdio", "spi":
	default:
		return fmt.Errorf("device: unknown bus %q", d.Bus)
	}
	if d.HighWatermark < 0 || d.LowWatermark < 0 {
		return fmt.Errorf("device: negative watermark")
	}
	if d.HighWatermark > 0 && d.LowWatermark >= d.HighWatermark {
		return fmt.Errorf("device: low_watermark %d must be below high_watermark %d", d.LowWatermark, d.HighWatermark)
	}

	s := cfg.Scenario
	if len(s.Interfaces) > cc33xx.MaxRoles {
		return fmt.Errorf("scenario: %d interfaces exceed the %d role limit", len(s.Interfaces), cc33xx.MaxRoles)
	}
	macs := make(map[string]int)
	for i, ifc := range s.Interfaces {
		kind, err := ParseKind(ifc.Kind)
		if err != nil {
			return fmt.Errorf("interface %d: %w", i, err)
		}
		if _, err := ParseMAC(ifc.MAC); err != nil {
			return fmt.Errorf("interface %d: %w", i, err)
		}
		if prev, ok := macs[strings.ToLower(ifc.MAC)]; ok {
			return fmt.Errorf("interface %d: mac %s already used by interface %d", i, ifc.MAC, prev)
		}
		macs[strings.ToLower(ifc.MAC)] = i
		if _, err := ParseBand(ifc.Band); err != nil {
			return fmt.Errorf("interface %d: %w", i, err)
		}
		isAP := kind == cc33xx.IfaceAP || kind == cc33xx.IfaceP2PGO
		if isAP && ifc.SSID == "" {
			return fmt.Errorf("interface %d: access point requires ssid", i)
		}
		if ifc.Stations > 0 && !isAP {
			return fmt.Errorf("interface %d: stations are only valid for access points", i)
		}
		if len(ifc.SSID) > wire.MaxSSIDLen {
			return fmt.Errorf("interface %d: ssid longer than %d bytes", i, wire.MaxSSIDLen)
		}
	}

	tr := s.Traffic
	if tr.Frames < 0 || tr.RxFrames < 0 {
		return fmt.Errorf("traffic: negative frame count")
	}
	if tr.Frames > 0 && (tr.FrameLen < 14 || tr.FrameLen > 1600) {
		return fmt.Errorf("traffic: frame_len %d out of range [14, 1600]", tr.FrameLen)
	}
	if tr.AC != "" {
		if _, err := ParseAC(tr.AC); err != nil {
			return fmt.Errorf("traffic: %w", err)
		}
	}

	for i, f := range s.Faults {
		switch f.Kind {
		case "silence", "status":
			if _, err := ParseCommand(f.Command); err != nil {
				return fmt.Errorf("fault %d: %w", i, err)
			}
			if f.Kind == "status" && f.Status == uint16(wire.StatusSuccess) {
				return fmt.Errorf("fault %d: status fault with success status", i)
			}
		case "skip-event":
			if _, err := ParseEvent(f.Event); err != nil {
				return fmt.Errorf("fault %d: %w", i, err)
			}
		case "general-error", "corrupt-status", "zero-rx":
		default:
			return fmt.Errorf("fault %d: unknown kind %q", i, f.Kind)
		}
		if f.AfterMs < 0 || f.Count < 0 {
			return fmt.Errorf("fault %d: negative after_ms or count", i)
		}
	}

	for i, c := range s.Channels {
		band, err := ParseBand(c.Band)
		if err != nil {
			return fmt.Errorf("channel %d: %w", i, err)
		}
		if band == wire.Band2GHz && (c.Channel < 1 || c.Channel > 14) {
			return fmt.Errorf("channel %d: %d is not a 2.4GHz channel", i, c.Channel)
		}
	}
	if s.DurationMs < 0 {
		return fmt.Errorf("scenario: negative duration_ms")
	}
	return nil
}

// ParseKind maps an interface kind name to its value.
func ParseKind(name string) (cc33xx.IfaceKind, error) {
	for k := cc33xx.IfaceStation; k <= cc33xx.IfaceP2PDevice; k++ {
		if k.String() == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown interface kind %q", name)
}

// ParseAC maps bk, be, vi or vo to an access category.
func ParseAC(name string) (cc33xx.AC, error) {
	for ac := cc33xx.ACBackground; ac < cc33xx.NumACs; ac++ {
		if strings.EqualFold(ac.String(), name) {
			return ac, nil
		}
	}
	return 0, fmt.Errorf("unknown access category %q", name)
}

// ParseBand maps 2.4 (or empty) and 5 to a band.
func ParseBand(name string) (wire.Band, error) {
	switch name {
	case "", "2.4", "2.4GHz":
		return wire.Band2GHz, nil
	case "5", "5GHz":
		return wire.Band5GHz, nil
	}
	return 0, fmt.Errorf("unknown band %q", name)
}

func ParseMAC(s string) (mac [6]byte, err error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return mac, err
	}
	if len(hw) != 6 {
		return mac, fmt.Errorf("mac %q is not 6 bytes", s)
	}
	copy(mac[:], hw)
	return mac, nil
}

// ParseCommand maps a command name as printed by wire.Command to its opcode.
func ParseCommand(name string) (wire.Command, error) {
	for c := wire.CmdEmpty; c < wire.CmdLastSupported; c++ {
		if c.String() == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown command %q", name)
}

// ParseEvent maps an event name as printed by wire.EventID to its id.
func ParseEvent(name string) (wire.EventID, error) {
	for e := wire.EventScanComplete; e <= wire.EventFWLogger; e++ {
		if e.String() == name {
			return e, nil
		}
	}
	return 0, fmt.Errorf("unknown event %q", name)
}
