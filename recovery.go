package cc33xx

import (
	"log/slog"
	"time"

	"github.com/soypat/cc33xx/wire"
)

// queueRecovery requests a whole-device restart. Only the first request of
// a fault window moves the device to restarting; later ones are no-ops until
// the device is on again.
func (d *Device) queueRecovery() {
	if !d.state.transition(StateOn, StateRestarting) {
		d.trace("recovery already pending", slog.String("state", d.state.get().String()))
		return
	}
	d.flags.set(flagRecoveryInProgress)
	d.recoveries.Add(1)
	d.warn("recovery queued")
	d.recoveryWork.queue()
}

// Recoveries returns the number of recoveries requested since New.
func (d *Device) Recoveries() int { return int(d.recoveries.Load()) }

// recover tears down every interface, power cycles the firmware and
// restores the interface contexts. Upper layers restart their roles from
// OnRestart.
func (d *Device) recover() {
	start := time.Now()
	d.info("recovery:start")

	d.mu.Lock()
	ifaces := append([]*Interface(nil), d.reg.ifaces...)
	d.stopQueues(stopFWRestart)
	for _, iface := range ifaces {
		if iface.kind.isSTA() && iface.associated && d.cfg.OnConnectionLoss != nil {
			d.cfg.OnConnectionLoss(iface)
		}
	}
	for len(d.reg.ifaces) > 0 {
		d.removeInterface(d.reg.ifaces[0], true)
	}
	d.mu.Unlock()

	if d.cfg.NoRecovery || d.closed.Load() {
		d.logerr("recovery disabled, device left off")
		d.turnOff()
		d.flags.clear(flagRecoveryInProgress)
		return
	}
	d.turnOff()
	time.Sleep(d.cfg.RecoveryDelay)

	d.mu.Lock()
	if d.closed.Load() {
		d.mu.Unlock()
		d.flags.clear(flagRecoveryInProgress)
		return
	}
	err := d.initFW()
	if err != nil {
		d.mu.Unlock()
		d.logerr("recovery: firmware init failed", errattr(err))
		d.flags.clear(flagRecoveryInProgress)
		return
	}
	for _, iface := range ifaces {
		err = d.initInterface(iface)
		if err != nil {
			d.logerr("recovery: could not restore interface", slog.String("kind", iface.kind.String()), errattr(err))
			continue
		}
		iface.removed = false
		d.reg.ifaces = append(d.reg.ifaces, iface)
	}
	d.flags.clear(flagRecoveryInProgress)
	d.mu.Unlock()

	d.info("recovery:done", slog.Duration("took", time.Since(start)), slog.Int("ifaces", len(ifaces)))
	if d.cfg.OnRestart != nil {
		d.cfg.OnRestart()
	}
}

// turnOff powers the device down and resets all host state derived from
// firmware. Channel configuration already applied is kept pending so the
// next boot reapplies it.
func (d *Device) turnOff() {
	d.mu.Lock()
	if d.state.get() == StateOff {
		d.mu.Unlock()
		return
	}
	d.state.force(StateOff)
	d.bus.DisableIRQ()
	d.mu.Unlock()

	// Deferred work observes the off state and returns; wait for in-flight
	// instances before resetting what they touch.
	if !d.flags.has(flagRecoveryInProgress) {
		d.recoveryWork.cancelSync()
	}
	d.irqWork.cancelSync()
	d.txWork.cancelSync()
	d.txWatchdog.cancelSync()
	d.rocCompleteWork.cancelSync()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.txReset()
	if err := d.bus.Power(false); err != nil {
		d.warn("turn off: power", errattr(err))
	}
	d.events.drain()
	d.hints.take()
	d.status.reset()
	d.reg.reset()
	d.rocVif = nil
	d.cmd.mu.Lock()
	d.cmd.maxSize = wire.CmdMaxSize
	d.cmd.mu.Unlock()
	d.regdom.pending |= d.regdom.last
	d.regdom.last = 0
	d.debug("device off")
}

// initFW powers the device and runs the boot handshake. Called with mu held
// and the device off.
func (d *Device) initFW() error {
	start := time.Now()
	select {
	case <-d.bootDone:
	default:
	}
	d.status.reset()
	if err := d.bus.Power(true); err != nil {
		return errjoin(ErrIO, err)
	}
	d.bus.EnableIRQ(d.handleIRQ)

	timer := time.NewTimer(d.cfg.BootTimeout)
	defer timer.Stop()
	select {
	case <-d.bootDone:
	case <-timer.C:
		d.logerr("boot: no firmware ready interrupt", slog.Duration("timeout", d.cfg.BootTimeout))
		d.bus.DisableIRQ()
		d.bus.Power(false)
		return errjoin(ErrIO, errBootTimeout)
	}

	di, err := d.readDeviceInfo()
	if err != nil {
		d.bus.DisableIRQ()
		d.bus.Power(false)
		return err
	}
	d.devInfo = di
	d.state.transition(StateOff, StateOn)
	if d.regdom.pending|d.regdom.allowed != d.regdom.last {
		if err = d.configureRegDomain(); err != nil {
			d.warn("boot: reg domain config", errattr(err))
		}
	}
	d.wakeQueues(stopFWRestart)
	d.info("boot:done",
		slog.Duration("took", time.Since(start)),
		slog.Uint64("hw", uint64(di.HWVersion)),
		slog.Uint64("pg", uint64(di.PGVersion)),
	)
	return nil
}

// handleBootIRQ is called by the status reader for boot-time hints.
func (d *Device) handleBootIRQ(hint wire.Hint) {
	d.debug("boot irq", slog.String("hint", hint.String()))
	if hint&wire.HintFirmwareInitComplete == 0 {
		return
	}
	select {
	case d.bootDone <- hint:
	default:
	}
}

// ReadDeviceInfo reads the device identification from firmware.
func (d *Device) ReadDeviceInfo() (wire.DeviceInfo, error) {
	if err := d.acquire(); err != nil {
		return wire.DeviceInfo{}, err
	}
	defer d.release()
	di, err := d.readDeviceInfo()
	if err == nil {
		d.devInfo = di
	}
	return di, err
}
