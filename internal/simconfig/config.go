// Package simconfig loads the YAML description of a simulator run: device
// tunables, the interfaces to bring up, traffic to generate and faults to
// inject.
package simconfig

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/soypat/cc33xx"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	Scenario ScenarioConfig `yaml:"scenario"`
}

// ---- DEVICE ----

type DeviceConfig struct {
	Bus               string `yaml:"bus"` // sdio or spi
	MaxTransactionLen int    `yaml:"max_transaction_len"`

	CommandTimeoutMs     int `yaml:"command_timeout_ms"`
	EventTimeoutMs       int `yaml:"event_timeout_ms"`
	TxWatchdogTimeoutMs  int `yaml:"tx_watchdog_timeout_ms"`
	RecoveryDelayMs      int `yaml:"recovery_delay_ms"`
	BootTimeoutMs        int `yaml:"boot_timeout_ms"`
	ROCTimeoutMs         int `yaml:"roc_timeout_ms"`
	PendingAuthTimeoutMs int `yaml:"pending_auth_timeout_ms"`

	HighWatermark int  `yaml:"high_watermark"`
	LowWatermark  int  `yaml:"low_watermark"`
	MaxAPStations int  `yaml:"max_ap_stations"`
	NoRecovery    bool `yaml:"no_recovery"`
}

// ---- SCENARIO ----

type ScenarioConfig struct {
	Interfaces []InterfaceConfig `yaml:"interfaces"`
	Traffic    TrafficConfig     `yaml:"traffic"`
	Faults     []FaultConfig     `yaml:"faults"`
	// Channels are marked in use for the regulatory configuration.
	Channels []ChannelConfig `yaml:"channels"`
	// DurationMs bounds the whole run.
	DurationMs int `yaml:"duration_ms"`
}

type InterfaceConfig struct {
	Kind    string `yaml:"kind"` // station, ap, ibss, p2p-device, ...
	MAC     string `yaml:"mac"`
	SSID    string `yaml:"ssid"`
	Band    string `yaml:"band"` // 2.4 or 5
	Channel uint8  `yaml:"channel"`
	// Stations is the number of peers added to an access point.
	Stations int `yaml:"stations"`
}

type TrafficConfig struct {
	Frames    int    `yaml:"frames"`
	FrameLen  int    `yaml:"frame_len"`
	AC        string `yaml:"ac"` // bk, be, vi, vo
	Broadcast bool   `yaml:"broadcast"`
	RxFrames  int    `yaml:"rx_frames"`
}

type FaultConfig struct {
	// Kind is one of silence, status, general-error, corrupt-status,
	// skip-event, zero-rx.
	Kind    string `yaml:"kind"`
	AfterMs int    `yaml:"after_ms"`
	// Command names the opcode for silence and status faults.
	Command string `yaml:"command"`
	Status  uint16 `yaml:"status"`
	Event   string `yaml:"event"`
	Count   int    `yaml:"count"`
}

type ChannelConfig struct {
	Band    string `yaml:"band"`
	Channel uint8  `yaml:"channel"`
}

// Load reads and decodes the file at path. The result is not validated.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes a YAML document. Unknown keys are rejected.
func Parse(b []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("simconfig: %w", err)
	}
	return &cfg, nil
}

// DeviceConfig returns the cc33xx configuration the file describes. Zero
// values keep the cc33xx defaults.
func (c *Config) DeviceConfig() cc33xx.Config {
	cfg := cc33xx.DefaultConfig()
	d := c.Device
	if d.Bus == "spi" {
		cfg.Bus = cc33xx.BusSPI
	}
	cfg.MaxTransactionLen = d.MaxTransactionLen
	setms(&cfg.CommandTimeout, d.CommandTimeoutMs)
	setms(&cfg.EventTimeout, d.EventTimeoutMs)
	setms(&cfg.TxWatchdogTimeout, d.TxWatchdogTimeoutMs)
	setms(&cfg.RecoveryDelay, d.RecoveryDelayMs)
	setms(&cfg.BootTimeout, d.BootTimeoutMs)
	setms(&cfg.ROCTimeout, d.ROCTimeoutMs)
	setms(&cfg.PendingAuthTimeout, d.PendingAuthTimeoutMs)
	if d.HighWatermark > 0 {
		cfg.HighWatermark = d.HighWatermark
	}
	if d.LowWatermark > 0 {
		cfg.LowWatermark = d.LowWatermark
	}
	if d.MaxAPStations > 0 {
		cfg.MaxAPStations = d.MaxAPStations
	}
	cfg.NoRecovery = d.NoRecovery
	return cfg
}

func setms(dst *time.Duration, ms int) {
	if ms > 0 {
		*dst = time.Duration(ms) * time.Millisecond
	}
}
