package cc33xx

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/soypat/cc33xx/wire"
	"github.com/soypat/lneto/ethernet"
)

// AC is a WMM access category. Lower values are dequeued last.
type AC uint8

const (
	ACBackground AC = iota
	ACBestEffort
	ACVideo
	ACVoice
	NumACs = 4
)

func (ac AC) String() string {
	switch ac {
	case ACBackground:
		return "BK"
	case ACBestEffort:
		return "BE"
	case ACVideo:
		return "VI"
	case ACVoice:
		return "VO"
	}
	return "ac(" + strconv.Itoa(int(ac)) + ")"
}

// stopReason is a bitmap of reasons a queue is stopped.
type stopReason uint8

const (
	// stopWatermark is a soft stop: frames are still admitted.
	stopWatermark stopReason = 1 << iota
	stopFWRestart
	stopFlush
)

const (
	// txAggrMaxLen bounds one data region write.
	txAggrMaxLen  = 16 * wire.BusBlockSize
	txMaxFrameLen = txAggrMaxLen - wire.NABHeaderLen - wire.TxDescLen
	flushPoll     = 10 * time.Millisecond
)

type txFrame struct {
	iface   *Interface
	hlid    LinkID
	session uint8
	ac      AC
	data    []byte
}

// txState holds the admission queues and the frames handed to firmware.
// mu guards the link queues, queue counters and stop reasons and is taken
// by Transmit without the configuration lock. The descriptor table is
// guarded by the configuration lock.
type txState struct {
	mu         sync.Mutex
	queueCount [NumACs]int

	descs     [wire.MaxTxDescriptors]*txFrame
	descMap   idset[uint8]
	allocated int
	// lastLink is where the next round-robin dequeue starts.
	lastLink LinkID
	buf      []byte
	// results is scratch for the entries taken from the status reader.
	results []uint8
}

func (tx *txState) init() {
	tx.buf = make([]byte, txAggrMaxLen)
}

// Transmit admits an Ethernet frame for transmission on iface. The target
// link is resolved from the frame's destination address. The frame is
// copied. A frame that is not admitted is reported through OnTxStatus as
// not transmitted and ErrTxDropped is returned.
func (d *Device) Transmit(iface *Interface, ac AC, frame []byte) error {
	if ac >= NumACs {
		ac = ACBestEffort
	}
	efrm, err := ethernet.NewFrame(frame)
	if err != nil || len(frame) > txMaxFrameLen {
		d.debug("tx: drop malformed frame", slog.Int("len", len(frame)))
		d.txStatus(InvalidLink, frame, false)
		return errjoin(ErrTxDropped, err)
	}
	dst := *efrm.DestinationHardwareAddr()

	d.tx.mu.Lock()
	hlid := d.txLinkLocked(iface, dst)
	stopped := iface.stopReasons[ac]
	if hlid == InvalidLink || !iface.linksMap.has(hlid) || stopped&^stopWatermark != 0 {
		d.tx.mu.Unlock()
		if d._traceenabled {
			d.trace("tx: drop", slog.Int("hlid", int(hlid)), slog.String("ac", ac.String()))
		}
		d.txStatus(hlid, frame, false)
		return errjoin(ErrTxDropped, errNoLinkForFrame)
	}
	lnk := &d.reg.links[hlid]
	lnk.queue[ac] = append(lnk.queue[ac], &txFrame{
		iface:   iface,
		hlid:    hlid,
		session: lnk.session,
		ac:      ac,
		data:    append([]byte(nil), frame...),
	})
	d.tx.queueCount[ac]++
	iface.queueCount[ac]++
	if iface.queueCount[ac] >= d.cfg.HighWatermark && stopped&stopWatermark == 0 {
		d.debug("tx: stopping queue", slog.String("ac", ac.String()), slog.Int("depth", iface.queueCount[ac]))
		iface.stopReasons[ac] |= stopWatermark
	}
	d.tx.mu.Unlock()

	d.kickTx()
	return nil
}

// kickTx queues the TX work unless firmware is out of descriptors or a run
// is already pending.
func (d *Device) kickTx() {
	if d.flags.has(flagFwTxBusy) || d.flags.testAndSet(flagTxPending) {
		return
	}
	d.txWork.queue()
}

// txLinkLocked picks the link a frame to dst is sent on. Called with tx.mu held.
func (d *Device) txLinkLocked(iface *Interface, dst [6]byte) LinkID {
	switch {
	case iface.kind.isAP():
		if dst[0]&1 != 0 || dst == ethernet.BroadcastAddr() {
			return iface.bcastHLID
		}
		for id := LinkID(0); id < MaxLinks; id++ {
			if iface.linksMap.has(id) && id != iface.bcastHLID && id != iface.globalHLID &&
				d.reg.links[id].addr == dst {
				return id
			}
		}
		return iface.globalHLID
	case iface.staHLID != InvalidLink:
		return iface.staHLID
	}
	return iface.devHLID
}

func (d *Device) txStatus(hlid LinkID, frame []byte, transmitted bool) {
	if d.cfg.OnTxStatus != nil {
		d.cfg.OnTxStatus(hlid, frame, transmitted)
	}
}

// QueueDepth returns the number of frames iface has queued on ac.
func (d *Device) QueueDepth(iface *Interface, ac AC) int {
	d.tx.mu.Lock()
	defer d.tx.mu.Unlock()
	return iface.queueCount[ac%NumACs]
}

// QueueStopped reports whether the ac queue of iface is stopped for any
// reason, including the soft watermark stop.
func (d *Device) QueueStopped(iface *Interface, ac AC) bool {
	d.tx.mu.Lock()
	defer d.tx.mu.Unlock()
	return iface.stopReasons[ac%NumACs] != 0
}

func (d *Device) txQueuedTotal() (n int) {
	d.tx.mu.Lock()
	defer d.tx.mu.Unlock()
	for _, c := range d.tx.queueCount {
		n += c
	}
	return n
}

// dequeueLocked removes one frame of lnk, highest access category first,
// and wakes a watermark-stopped queue that drained. Called with tx.mu held.
func (d *Device) dequeueLocked(lnk *link) *txFrame {
	for ac := NumACs - 1; ac >= 0; ac-- {
		q := lnk.queue[ac]
		if len(q) == 0 {
			continue
		}
		f := q[0]
		q[0] = nil
		lnk.queue[ac] = q[1:]
		d.tx.queueCount[ac]--
		f.iface.queueCount[ac]--
		if f.iface.queueCount[ac] <= d.cfg.LowWatermark && f.iface.stopReasons[ac]&stopWatermark != 0 {
			f.iface.stopReasons[ac] &^= stopWatermark
			d.debug("tx: waking queue", slog.String("ac", AC(ac).String()))
		}
		return f
	}
	return nil
}

// resetLinkQueuesLocked empties the queues of link id and returns the
// removed frames. Called with tx.mu held.
func (d *Device) resetLinkQueuesLocked(id LinkID) (purged []*txFrame) {
	lnk := &d.reg.links[id]
	for ac := range lnk.queue {
		for _, f := range lnk.queue[ac] {
			d.tx.queueCount[ac]--
			f.iface.queueCount[ac]--
			purged = append(purged, f)
		}
		lnk.queue[ac] = nil
	}
	return purged
}

// completePurged reports purged frames as not transmitted.
func (d *Device) completePurged(id LinkID, frames []*txFrame) {
	for _, f := range frames {
		d.txStatus(id, f.data, false)
	}
}

func (d *Device) txWorkFn() {
	d.flags.clear(flagTxPending)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.get() != StateOn {
		return
	}
	err := d.txWorkLocked()
	if err != nil {
		d.logerr("tx work", errattr(err))
		d.queueRecovery()
	}
}

// txWorkLocked moves queued frames into firmware descriptors, aggregating
// as many as fit in one data region write per bus transaction. Called with
// mu held.
func (d *Device) txWorkLocked() error {
	for {
		frames, n := d.txAggregate()
		if len(frames) == 0 {
			break
		}
		buf := d.tx.buf[:n]
		hdr := wire.NABHeader{
			Sync:   wire.HostSyncPattern,
			Len:    uint16(n - wire.NABHeaderLen),
			Opcode: wire.OpcodeTxData,
		}
		hdr.Put(buf)
		writeLen := alignup(n, 4)
		if d.cfg.Bus == BusSDIO {
			writeLen = alignup(n, wire.BusBlockSize)
		}
		clear(d.tx.buf[n:writeLen])
		armed := d.tx.allocated > 0
		d.tx.allocated += len(frames)
		err := d.busWrite(wire.NABDataAddr, d.tx.buf[:writeLen], true)
		if err != nil {
			return err
		}
		if !armed {
			d.rearmTxWatchdog()
		}
		if d._traceenabled {
			d.trace("tx: aggregate", slog.Int("frames", len(frames)), slog.Int("len", writeLen))
		}
	}
	if d.tx.descMap.count() >= wire.MaxTxDescriptors {
		d.flags.set(flagFwTxBusy)
	} else {
		d.flags.clear(flagFwTxBusy)
	}
	return nil
}

// txAggregate fills the TX buffer round robin across links and returns
// the frames placed and the bytes used including the NAB header.
func (d *Device) txAggregate() (frames []*txFrame, n int) {
	n = wire.NABHeaderLen
	d.tx.mu.Lock()
	defer d.tx.mu.Unlock()
	for progress := true; progress; {
		progress = false
		for i := 1; i <= MaxLinks; i++ {
			id := (d.tx.lastLink + LinkID(i)) % MaxLinks
			lnk := &d.reg.links[id]
			if !d.reg.linksMap.has(id) || !lnk.hasQueued() {
				continue
			}
			desc, ok := d.tx.descMap.firstFree(wire.MaxTxDescriptors)
			if !ok {
				return frames, n
			}
			f := lnk.peek()
			need := wire.TxDescLen + alignup(len(f.data), 4)
			if n+need > len(d.tx.buf) {
				return frames, n
			}
			f = d.dequeueLocked(lnk)
			td := wire.TxDescriptor{
				Length:  uint16(len(f.data)),
				DescID:  desc,
				HLID:    uint8(id),
				AC:      uint8(f.ac),
				Session: f.session,
			}
			td.Put(d.tx.buf[n:])
			copy(d.tx.buf[n+wire.TxDescLen:], f.data)
			clear(d.tx.buf[n+wire.TxDescLen+len(f.data) : n+need])
			n += need
			d.tx.descMap.set(desc)
			d.tx.descs[desc] = f
			lnk.allocatedPkts++
			frames = append(frames, f)
			d.tx.lastLink = id
			progress = true
		}
	}
	return frames, n
}

func (l *link) hasQueued() bool {
	for ac := range l.queue {
		if len(l.queue[ac]) > 0 {
			return true
		}
	}
	return false
}

func (l *link) peek() *txFrame {
	for ac := NumACs - 1; ac >= 0; ac-- {
		if len(l.queue[ac]) > 0 {
			return l.queue[ac][0]
		}
	}
	return nil
}

// txImmediateComplete consumes the TX results collected by the status
// reader. Called with mu held.
func (d *Device) txImmediateComplete() {
	d.status.mu.Lock()
	d.tx.results = append(d.tx.results[:0], d.status.txResults...)
	d.status.txResults = d.status.txResults[:0]
	d.status.mu.Unlock()
	if len(d.tx.results) == 0 {
		return
	}
	freed := 0
	for _, entry := range d.tx.results {
		if d.txComplete(entry) {
			freed++
		}
	}
	if freed == 0 {
		return
	}
	if d.tx.allocated == 0 {
		d.txWatchdog.cancel()
	} else {
		d.rearmTxWatchdog()
	}
	if d.flags.has(flagFwTxBusy) && d.tx.descMap.count() < wire.MaxTxDescriptors {
		d.flags.clear(flagFwTxBusy)
	}
	if d.txQueuedTotal() > 0 {
		d.kickTx()
	}
}

// txComplete releases the descriptor in a TX result entry.
func (d *Device) txComplete(entry uint8) bool {
	id := entry & wire.TxResultDescMask
	if id >= wire.MaxTxDescriptors || d.tx.descs[id] == nil {
		d.warn("tx: result for free descriptor", slog.Int("desc", int(id)))
		return false
	}
	f := d.tx.descs[id]
	d.tx.descs[id] = nil
	d.tx.descMap.clear(id)
	d.tx.allocated--
	lnk := &d.reg.links[f.hlid]
	// The link may have been reset and reallocated while the frame was in
	// the device; its counters then belong to the new owner.
	if d.reg.linksMap.has(f.hlid) && lnk.session == f.session && lnk.iface == f.iface {
		lnk.allocatedPkts--
		lnk.totalFreedPkts++
	}
	d.txStatus(f.hlid, f.data, entry&wire.TxResultFailed == 0)
	return true
}

// rearmTxWatchdog restarts the TX watchdog if frames are in the device.
func (d *Device) rearmTxWatchdog() {
	if d.tx.allocated == 0 {
		return
	}
	d.txWatchdog.schedule(d.cfg.TxWatchdogTimeout)
}

func (d *Device) txWatchdogExpired() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.get() != StateOn || d.tx.allocated == 0 {
		return
	}
	if !d.reg.rocMap.empty() {
		d.debug("tx watchdog: roc active, rearming", slog.Int("allocated", d.tx.allocated))
		d.rearmTxWatchdog()
		return
	}
	if d.reg.apStations > 0 {
		d.debug("tx watchdog: ap stations connected, rearming", slog.Int("stations", d.reg.apStations))
		d.rearmTxWatchdog()
		return
	}
	d.logerr("tx watchdog: frames stuck in firmware", slog.Int("allocated", d.tx.allocated))
	d.queueRecovery()
}

// txReset drops everything queued and every frame held by firmware. Called
// with mu held on turn-off.
func (d *Device) txReset() {
	var purged []*txFrame
	d.tx.mu.Lock()
	for id := LinkID(0); id < MaxLinks; id++ {
		purged = append(purged, d.resetLinkQueuesLocked(id)...)
	}
	d.tx.queueCount = [NumACs]int{}
	d.tx.lastLink = 0
	d.tx.mu.Unlock()
	for _, f := range purged {
		d.txStatus(f.hlid, f.data, false)
	}
	for i, f := range d.tx.descs {
		if f == nil {
			continue
		}
		d.tx.descs[i] = nil
		d.txStatus(f.hlid, f.data, false)
	}
	d.tx.descMap = 0
	d.tx.allocated = 0
	d.flags.clear(flagFwTxBusy | flagTxPending)
}

// txResetInterface clears the queue accounting of a removed interface.
func (d *Device) txResetInterface(iface *Interface) {
	d.tx.mu.Lock()
	defer d.tx.mu.Unlock()
	for ac := range iface.queueCount {
		if iface.queueCount[ac] != 0 {
			d.warn("tx: interface queue count not zero", slog.Int("ac", ac), slog.Int("count", iface.queueCount[ac]))
			d.tx.queueCount[ac] -= iface.queueCount[ac]
		}
		iface.queueCount[ac] = 0
		iface.stopReasons[ac] = 0
	}
}

// stopQueues stops every queue of every interface for reason. Called with
// mu held.
func (d *Device) stopQueues(reason stopReason) {
	d.tx.mu.Lock()
	defer d.tx.mu.Unlock()
	for _, iface := range d.reg.ifaces {
		for ac := range iface.stopReasons {
			iface.stopReasons[ac] |= reason
		}
	}
}

// wakeQueues clears reason from every queue. Called with mu held.
func (d *Device) wakeQueues(reason stopReason) {
	d.tx.mu.Lock()
	for _, iface := range d.reg.ifaces {
		for ac := range iface.stopReasons {
			iface.stopReasons[ac] &^= reason
		}
	}
	d.tx.mu.Unlock()
	if d.txQueuedTotal() > 0 {
		d.kickTx()
	}
}

// Flush stops the queues and pushes queued frames to firmware until
// nothing is queued or held by firmware, or timeout elapses.
func (d *Device) Flush(timeout time.Duration) error {
	if err := d.acquire(); err != nil {
		return err
	}
	d.stopQueues(stopFlush)
	d.release()
	defer func() {
		d.mu.Lock()
		d.wakeQueues(stopFlush)
		d.mu.Unlock()
	}()
	deadline := time.Now().Add(timeout)
	for {
		if err := d.acquire(); err != nil {
			return err
		}
		err := d.txWorkLocked()
		queued, allocated := d.txQueuedTotal(), d.tx.allocated
		d.release()
		if err != nil {
			d.queueRecovery()
			return err
		}
		if queued == 0 && allocated == 0 {
			return nil
		}
		if time.Since(deadline) > 0 {
			d.warn("flush: timeout", slog.Int("queued", queued), slog.Int("allocated", allocated))
			return ErrBusy
		}
		time.Sleep(flushPoll)
	}
}
