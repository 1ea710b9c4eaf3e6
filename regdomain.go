package cc33xx

import (
	"log/slog"

	"github.com/soypat/cc33xx/wire"
)

// regChannelBits is the size of the firmware channel bitmap.
const regChannelBits = 64

// regdomain tracks the channels configured in firmware. Channels are first
// marked pending and move to last once firmware confirms the configuration.
type regdomain struct {
	pending uint64
	last    uint64
	allowed uint64
	region  uint8
}

// regChannelBit maps band and channel to the bit firmware expects.
func regChannelBit(band wire.Band, ch uint8) (int, bool) {
	switch band {
	case wire.Band2GHz:
		if ch >= 1 && ch <= 14 {
			return int(ch) - 1, true
		}
	case wire.Band5GHz:
		switch {
		case ch >= 8 && ch <= 16:
			return 18 + int(ch-8)/4, true
		case ch >= 34 && ch <= 48:
			return 21 + int(ch-34)/2, true
		case ch >= 52 && ch <= 64:
			return 29 + int(ch-52)/4, true
		case ch >= 100 && ch <= 140:
			return 33 + int(ch-100)/4, true
		case ch >= 149 && ch <= 165:
			return 44 + int(ch-149)/4, true
		}
	}
	return -1, false
}

// Channel is a band and channel number pair.
type Channel struct {
	Band    wire.Band
	Channel uint8
}

// SetRegDomain sets the DFS region and the channels the regulatory domain
// allows. It takes effect on the next ConfigureRegDomain.
func (d *Device) SetRegDomain(region uint8, allowed []Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.regdom.region = region
	d.regdom.allowed = 0
	for _, c := range allowed {
		if bit, ok := regChannelBit(c.Band, c.Channel); ok {
			d.regdom.allowed |= 1 << bit
		}
	}
}

// SetPendingRegDomainChannel marks a channel in use so it is included in
// the next regulatory configuration even if the domain does not list it.
func (d *Device) SetPendingRegDomainChannel(band wire.Band, ch uint8) {
	bit, ok := regChannelBit(band, ch)
	if !ok {
		d.logerr("unknown band/channel", slog.Int("band", int(band)), slog.Int("ch", int(ch)))
		return
	}
	d.mu.Lock()
	d.regdom.pending |= 1 << bit
	d.mu.Unlock()
}

// RegDomainChannels returns the pending and the last configured channel bitmaps.
func (d *Device) RegDomainChannels() (pending, last uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regdom.pending, d.regdom.last
}

// ConfigureRegDomain sends the channel configuration to firmware and waits
// for it to be applied. Nothing is sent if firmware already has it.
func (d *Device) ConfigureRegDomain() error {
	if err := d.acquire(); err != nil {
		return err
	}
	defer d.release()
	return d.configureRegDomain()
}

func (d *Device) configureRegDomain() error {
	bitmap := d.regdom.pending | d.regdom.allowed
	if bitmap == d.regdom.last {
		return nil
	}
	cmd := wire.DFSConfig{
		ChannelBitmap1: uint32(bitmap),
		ChannelBitmap2: uint32(bitmap >> 32),
		Region:         d.regdom.region,
	}
	d.debug("reg domain config",
		slog.Uint64("bitmap1", uint64(cmd.ChannelBitmap1)),
		slog.Uint64("bitmap2", uint64(cmd.ChannelBitmap2)),
	)
	var p [wire.DFSConfigLen]byte
	cmd.Put(p[:])
	w := d.waiters.add(wire.EventDFSConfigComplete)
	if _, err := d.cmdSend(wire.CmdDFSChannelConfig, p[:], nil); err != nil {
		d.waiters.remove(w)
		d.logerr("reg domain config failed", errattr(err))
		return err
	}
	if _, err := d.waitEvent(w, d.cfg.EventTimeout); err != nil {
		d.logerr("reg domain config completion error", errattr(err))
		return err
	}
	d.regdom.last = bitmap
	d.regdom.pending = 0
	return nil
}
