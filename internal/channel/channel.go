package channel

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/wmanley/vqec-dp/internal/fec"
	"github.com/wmanley/vqec-dp/internal/is"
	"github.com/wmanley/vqec-dp/internal/metrics"
	"github.com/wmanley/vqec-dp/internal/mpegts"
	"github.com/wmanley/vqec-dp/internal/oscheduler"
	"github.com/wmanley/vqec-dp/internal/pak"
	"github.com/wmanley/vqec-dp/internal/pcm"
	"github.com/wmanley/vqec-dp/internal/rcc"
	"github.com/wmanley/vqec-dp/internal/rtp"
	"github.com/wmanley/vqec-dp/internal/upcall"
	"github.com/wmanley/vqec-dp/internal/vqerr"
)

// appChunkBytes is the fixed per-packet size spec.md §4.9 carves the
// decoded TS-RAP buffer into: NUM_TSPKTS_PER_DP_PAK (7) MPEG-TS packets.
const appChunkBytes = 7 * mpegts.PacketLen

// Device IS IDs used to frame eject messages per (channel, input-stream).
const (
	isIDPrimary uint32 = iota
	isIDRepair
	isIDFECColumn
	isIDFECRow
)

// OutputSink is the final destination for packets the Output Scheduler
// dequeues and for UDP-encapsulated primary packets pushed directly past
// PCM. Network transmission itself is out of scope (spec.md §1 Non-goals);
// a real deployment wires a UDP socket here, tests wire a capture sink.
type OutputSink interface {
	SendPacket(pk *pak.Pak)
}

// Config bundles a Channel's construction-time parameters.
type Config struct {
	ID         uint32
	CPHandle   uint32
	Generation uint32

	MinBackfill time.Duration
	MaxFastfill time.Duration

	RAPConfig mpegts.RAPConfig
	PCM       pcm.Config
	Scheduler oscheduler.Config

	PrimaryReorderTime    time.Duration
	RepairRTPSeqNumOffset uint32

	FECEnabled    bool
	FECDualStream bool

	Metrics      *metrics.Registry
	EjectSink    upcall.Sink
	Output       OutputSink
	NotifyUpcall func(upcall.Message)

	Now func() time.Time
}

// AppParams is process_app's app_params argument (spec.md §4.9): the RCC
// timing parameters and backfill accounting recorded from one APP message.
type AppParams struct {
	StartSeqNum         uint32
	FirstRepairDeadline time.Time
	DtEarliestJoin      time.Duration
	ErHoldoffTime       time.Duration
	DtRepairEnd         time.Duration

	ActMinBackfill     time.Duration
	ActBackfillAtJoin  time.Duration
	FastFillTimeServer time.Duration
}

type packetKind int

const (
	kindRepair packetKind = iota
	kindFEC
)

type pcmSnapshot struct {
	at    time.Time
	stats pcm.Stats
}

// Channel is the coordinator of spec.md §4.9: it owns one PCM, one Output
// Scheduler, its Input Streams, one RCC state machine, and an optional FEC
// engine, and wires them together through the small interface seams those
// packages expose for exactly this purpose (avoiding an import cycle).
type Channel struct {
	cfg        Config
	id         uint32
	cpHandle   uint32
	generation uint32

	now func() time.Time
	pool *pak.Pool

	cache  *pcm.PCM
	sched  *oscheduler.Scheduler
	timers *Timers
	sm     *rcc.SM

	primaryReceiver *rtp.Receiver
	primary         *is.Primary

	repairReceiver *rtp.Receiver
	repair         *is.Repair
	filter         is.FirstSeqFilter

	fecEngine         *fec.Engine
	fecColumnReceiver *rtp.Receiver
	fecColumn         *is.FEC
	fecRowReceiver    *rtp.Receiver
	fecRow            *is.FEC

	irq          *upcall.Set
	upcallGen    uint32
	metrics      *metrics.Registry
	notifyUpcall func(upcall.Message)

	rccEnabled  bool
	rccInAbort  bool
	appPaks     []*pak.Pak
	lastStartSeqNum uint32
	fastFillTime    time.Duration

	repairHdrTemplate     [rtp.MinHeaderLen]byte
	haveRepairHdrTemplate bool

	haveFirstPrimary     bool
	firstPrimaryTS       time.Time
	firstPrimarySeq      uint32
	primInactiveLatched  bool
	haveJoinIssueTime    bool
	joinIssueTime        time.Time

	havePAT bool
	patVal  mpegts.PAT
	pmtVal  mpegts.PMT
	havePMT bool
	pcrVal       uint64
	havePCR      bool
	ptsVal       uint64
	havePTS      bool

	lastGenNumSyncAt time.Time

	haveFECUpdate bool
	fecL, fecD    int

	tr135Interval      time.Duration
	tr135IntervalStart time.Time

	joinSnapshot, firstPrimarySnapshot, successSnapshot, abortSnapshot, enableERSnapshot pcmSnapshot
}

// New creates a Channel drawing APP-derived packet buffers from pool.
func New(pool *pak.Pool, cfg Config) *Channel {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	c := &Channel{
		cfg:          cfg,
		id:           cfg.ID,
		cpHandle:     cfg.CPHandle,
		generation:   cfg.Generation,
		now:          now,
		pool:         pool,
		irq:          upcall.NewSet(),
		metrics:      cfg.Metrics,
		notifyUpcall: cfg.NotifyUpcall,
	}
	c.cache = pcm.New(cfg.PCM)
	c.timers = NewTimers(now)
	c.sm = rcc.New(c, c.timers, now)

	c.primaryReceiver = rtp.NewReceiver()
	primEject := upcall.NewEjecter(cfg.ID, cfg.CPHandle, isIDPrimary, cfg.EjectSink)
	c.primary = is.NewPrimary(is.PrimaryConfig{ReorderTime: cfg.PrimaryReorderTime}, c.primaryReceiver, c.cache, primEject, c, c.sm, c)

	c.repairReceiver = rtp.NewReceiver()
	repEject := upcall.NewEjecter(cfg.ID, cfg.CPHandle, isIDRepair, cfg.EjectSink)
	c.repair = is.NewRepair(is.RepairConfig{RTPSeqNumOffset: cfg.RepairRTPSeqNumOffset, ERHoldoffPassed: c.erHoldoffPassed}, c.repairReceiver, c.cache, repEject, c, c, &c.filter)

	if cfg.FECEnabled {
		c.fecEngine = fec.NewEngine(c.onFECUpdate)
		c.fecColumnReceiver = rtp.NewReceiver()
		c.fecColumn = is.NewFEC(c.fecColumnReceiver, c.fecEngine.StreamAdapter(fec.RoleColumn), c, true)
		if cfg.FECDualStream {
			c.fecRowReceiver = rtp.NewReceiver()
			c.fecRow = is.NewFEC(c.fecRowReceiver, c.fecEngine.StreamAdapter(fec.RoleRow), c, true)
		}
	}

	c.sched = oscheduler.New(cfg.Scheduler, c.cache, c)
	return c
}

// ID returns the channel's control-plane-assigned identifier.
func (c *Channel) ID() uint32 { return c.id }

// Start/Pause forward to the Output Scheduler (spec.md §4.7 step 1).
func (c *Channel) Start() { c.sched.Start() }
func (c *Channel) Pause() { c.sched.Pause() }

// Emit satisfies oscheduler.Sink: packets the scheduler dequeues are handed
// to the configured OutputSink, or freed if none is wired (e.g. in tests
// that only inspect PCM/state-machine behavior).
func (c *Channel) Emit(pk *pak.Pak) {
	if c.cfg.Output != nil {
		c.cfg.Output.SendPacket(pk)
		return
	}
	pk.Unref()
}

// PushUDP satisfies is.UDPSink: UDP-encapsulated primary packets bypass PCM
// entirely (spec.md §4.3 step 3) and go straight to the output sink.
func (c *Channel) PushUDP(pk *pak.Pak) {
	if c.cfg.Output != nil {
		c.cfg.Output.SendPacket(pk)
		return
	}
	pk.Unref()
}

// DoneWithFastfill satisfies oscheduler.FastFillDoneNotifier.
func (c *Channel) DoneWithFastfill() {
	c.upcallEv(upcall.DeviceDPChan, upcall.ReasonChanFastFillDone)
}

// erHoldoffPassed satisfies is.RepairConfig.ERHoldoffPassed: true once the
// state machine has advanced past TimeToEnableER.
func (c *Channel) erHoldoffPassed() bool {
	return c.sm.State() >= rcc.WaitEndBurst
}

// onFECUpdate is the fec.Engine inference callback: it latches the
// inferred (L, D) payload so a control plane acking CHAN_FEC_UPDATE can
// retrieve it via GetFECParams (spec.md §6 "ack_upcall_irq ... returns
// the accumulated cause bitmap and the associated payload").
func (c *Channel) onFECUpdate(l, d int) {
	c.fecL, c.fecD = l, d
	c.haveFECUpdate = true
	c.upcallEv(upcall.DeviceDPChan, upcall.ReasonChanFECUpdate)
}

// GetFECParams returns the most recently inferred FEC (L, D) parameters,
// the payload associated with a CHAN_FEC_UPDATE upcall.
func (c *Channel) GetFECParams() (l, d int, ok bool) {
	return c.fecL, c.fecD, c.haveFECUpdate
}

// RecordFirstPrimary satisfies is.FirstPrimaryHook (spec.md §4.3
// "first-primary recording"): captures the first-ever accepted primary
// packet's timestamp/sequence and observes the join-delay histogram.
func (c *Channel) RecordFirstPrimary(ts time.Time, seq uint32, evTS time.Time) {
	_ = evTS
	if c.haveFirstPrimary {
		return
	}
	c.haveFirstPrimary = true
	c.firstPrimaryTS = ts
	c.firstPrimarySeq = seq
	base := ts
	if c.haveJoinIssueTime {
		base = c.joinIssueTime
	}
	delay := ts.Sub(base)
	if delay < 0 {
		delay = 0
	}
	if c.metrics != nil {
		c.metrics.JoinDelaySeconds.Observe(delay.Seconds())
	}
}

// ReceivePrimaryVec is the ingress entry point for a batch of primary
// packets (receive_vec, spec.md §4.3).
func (c *Channel) ReceivePrimaryVec(paks []*pak.Pak, curTime time.Time, sim is.DropSimulator) {
	c.primary.ReceiveVec(paks, curTime, sim)
}

// ReceiveRepair is the ingress entry point for one repair packet
// (receive_one, spec.md §4.4). It captures the packet's 12-byte RTP header
// as a template before delegating, so that if this packet turns out to be
// the one matching the armed first-sequence filter, the template is
// already available to ConstructSyntheticRTPHeader.
func (c *Channel) ReceiveRepair(pk *pak.Pak, curTime time.Time, sim is.DropSimulator) {
	if d := pk.Data(); len(d) >= rtp.MinHeaderLen {
		copy(c.repairHdrTemplate[:], d[:rtp.MinHeaderLen])
		c.haveRepairHdrTemplate = true
	}
	c.repair.ReceiveOne(pk, curTime, sim)
}

// ReceiveFEC is the ingress entry point for one FEC packet on the given
// stream role (receive_one, spec.md §4.5).
func (c *Channel) ReceiveFEC(role fec.StreamRole, pk *pak.Pak, curTime time.Time) {
	switch role {
	case fec.RoleColumn:
		if c.fecColumn != nil {
			c.fecColumn.ReceiveOne(pk, curTime)
			return
		}
	case fec.RoleRow:
		if c.fecRow != nil {
			c.fecRow.ReceiveOne(pk, curTime)
			return
		}
	}
	pk.Unref()
}

// QueryRepair satisfies is.RepairGate.
func (c *Channel) QueryRepair(osn uint32) is.Decision {
	return c.pakEvent(kindRepair, osn)
}

// QueryFEC satisfies is.FECGate.
func (c *Channel) QueryFEC(seq uint32) is.Decision {
	return c.pakEvent(kindFEC, seq)
}

// pakEvent is pak_event (spec.md §4.9): the shared per-packet admission
// decision the Repair and FEC Input Streams consult before inserting into
// PCM, and the path through which the state machine first learns about a
// repair packet.
func (c *Channel) pakEvent(kind packetKind, seq uint32) is.Decision {
	if !c.rccEnabled {
		return is.DecisionAccept
	}
	st := c.sm.State()
	if st >= rcc.FinSuccess {
		return is.DecisionAccept
	}
	if st == rcc.Init {
		if kind == kindRepair {
			return is.DecisionQueue
		}
		return is.DecisionDrop
	}
	if kind == kindRepair {
		c.sm.NoteRepairPacket()
		c.sm.Deliver(rcc.FirstRepair)
	}
	return is.DecisionAccept
}

// ConstructSyntheticRTPHeader satisfies is.SyntheticHeaderBuilder (spec.md
// §4.9 construct_rtp_hdr_over_ts_app): prepends a 12-byte RTP header, built
// from the repair stream's header template, over every queued APP-derived
// TS packet.
func (c *Channel) ConstructSyntheticRTPHeader(firstOSN uint32) error {
	_ = firstOSN
	if !c.haveRepairHdrTemplate {
		return fmt.Errorf("channel: %w: no repair header template captured yet", vqerr.ErrInternal)
	}
	for _, pk := range c.appPaks {
		room, err := pk.RoomBefore(rtp.MinHeaderLen)
		if err != nil {
			c.sm.Deliver(rcc.InternalError)
			return fmt.Errorf("channel: %w: %v", vqerr.ErrNoResourceForRTPHeader, err)
		}
		copy(room, c.repairHdrTemplate[:])
		room[0] = 0x80 // version=2, padding=0, extension=0, CC=0
		room[1] = 0x80 | rtp.PayloadTypeMP2T
		binary.BigEndian.PutUint16(room[2:4], uint16(pk.ExtSeq))
		if err := pk.ShiftHeadBackward(rtp.MinHeaderLen); err != nil {
			c.sm.Deliver(rcc.InternalError)
			return fmt.Errorf("channel: %w: %v", vqerr.ErrNoResourceForRTPHeader, err)
		}
		pk.MpegPayloadOff = rtp.MinHeaderLen
	}
	return nil
}

// InsertQueuedAppPackets satisfies rcc.Notifier: inserts every channel-
// queued APP-derived packet into PCM in extended-sequence order.
func (c *Channel) InsertQueuedAppPackets() bool {
	if len(c.appPaks) == 0 {
		return true
	}
	accepted := c.cache.InsertBatch(c.appPaks)
	ok := accepted == len(c.appPaks)
	c.appPaks = nil
	return ok
}

// NotifyJoin satisfies rcc.Notifier (spec.md §4.8 WaitJoin→WaitEnableER
// action): records the join-issue timestamp and snapshots PCM. It performs
// no primary bind step.
func (c *Channel) NotifyJoin() {
	c.haveJoinIssueTime = true
	c.joinIssueTime = c.now()
	c.joinSnapshot = c.snapshotPCM()
}

// NotifySendNCSI satisfies rcc.Notifier: raised on the first primary packet
// seen while waiting to finish the RCC burst.
func (c *Channel) NotifySendNCSI() {
	c.upcallEv(upcall.DeviceDPChan, upcall.ReasonChanRCCNCSI)
	c.firstPrimarySnapshot = c.snapshotPCM()
}

// NotifyEnableER satisfies rcc.Notifier: drains anything still buffered in
// the repair hold queue and a pending primary failover, then enables
// error-repair on PCM.
func (c *Channel) NotifyEnableER() {
	now := c.now()
	if c.repair != nil {
		c.repair.DrainHoldQueue(now, nil)
	}
	if c.primary != nil {
		_ = c.primary.CompleteFailover(now, nil)
	}
	c.cache.EnableER(true)
	c.resetRepairStream(false)
	c.enableERSnapshot = c.snapshotPCM()
}

// NotifySuccess satisfies rcc.Notifier: the RCC burst completed cleanly.
func (c *Channel) NotifySuccess() {
	c.resetRepairStream(false)
	c.upcallEv(upcall.DeviceDPChan, upcall.ReasonChanBurstDone)
	c.successSnapshot = c.snapshotPCM()
}

// NotifyAbort satisfies rcc.Notifier. Idempotent per spec.md §8 P5: only
// the first call after process_app (re-)arms RCC performs the abort side
// effects and raises the RCC_ABORT upcall.
func (c *Channel) NotifyAbort() {
	if c.rccInAbort {
		return
	}
	c.rccInAbort = true

	for _, pk := range c.appPaks {
		pk.Unref()
	}
	c.appPaks = nil
	c.fastFillTime = 0
	c.sched.ArmFastfill(0, nil)

	overlapLo := c.lastStartSeqNum
	overlapHi := c.lastStartSeqNum
	if c.haveFirstPrimary {
		overlapHi = c.firstPrimarySeq
	}
	c.cache.SetPostAbortFilter(true, overlapLo, overlapHi)
	c.cache.EnableER(true)
	c.resetRepairStream(true)

	c.upcallEv(upcall.DeviceDPChan, upcall.ReasonChanRCCAbort)
	c.abortSnapshot = c.snapshotPCM()
}

// resetRepairStream clears the repair stream's first-sequence filter and,
// if discard is set, drops everything still held in its hold queue
// (spec.md §4.9 "reset repair stream").
func (c *Channel) resetRepairStream(discard bool) {
	if discard && c.repair != nil {
		c.repair.FlushHoldQueueUnconditional()
	}
	c.filter.Active = false
}

func (c *Channel) snapshotPCM() pcmSnapshot {
	return pcmSnapshot{at: c.now(), stats: c.cache.Snapshot(false)}
}

// computeFastFillTime implements spec.md §4.9's fast-fill-time formula when
// the channel is memory-optimized (a positive max-fastfill budget, a
// positive ER holdoff time and a positive actual backfill at join); otherwise the
// control-plane-supplied server value is used verbatim.
func computeFastFillTime(minBackfill, maxFastfill time.Duration, p AppParams) time.Duration {
	if maxFastfill <= 0 || p.ErHoldoffTime <= 0 || p.ActBackfillAtJoin <= 0 {
		return p.FastFillTimeServer
	}
	diff := float64(p.ActMinBackfill - minBackfill)
	scaled := diff + diff*float64(p.DtEarliestJoin)/float64(p.ActBackfillAtJoin)
	ff := time.Duration(scaled)
	if ff < 0 {
		ff = 0
	}
	if ff > maxFastfill {
		ff = maxFastfill
	}
	return ff
}

// ProcessApp is process_app (spec.md §4.9): decodes the TS-RAP TLV message
// into TS-APP dataplane packets, queues them, captures PSI state, and
// starts the RCC state machine.
func (c *Channel) ProcessApp(tlv []byte, params AppParams) error {
	tsBuf, pat, pmt, err := mpegts.DecodeTSRAP(tlv, c.cfg.RAPConfig)
	if err != nil {
		return fmt.Errorf("channel: %w: %v", vqerr.ErrInvalidApp, err)
	}
	c.capturePSI(tsBuf, pat, pmt)

	n := 0
	if len(tsBuf) > 0 {
		n = (len(tsBuf) + appChunkBytes - 1) / appChunkBytes
	}

	newPaks := make([]*pak.Pak, 0, n)
	for i := 0; i < n; i++ {
		pk, err := c.pool.Get()
		if err != nil {
			for _, p := range newPaks {
				p.Unref()
			}
			return fmt.Errorf("channel: %w", vqerr.ErrNoResource)
		}
		if err := pk.SetLen(appChunkBytes); err != nil {
			pk.Unref()
			for _, p := range newPaks {
				p.Unref()
			}
			return fmt.Errorf("channel: %w: %v", vqerr.ErrInternal, err)
		}
		start := i * appChunkBytes
		end := start + appChunkBytes
		dst := pk.Data()
		if end <= len(tsBuf) {
			copy(dst, tsBuf[start:end])
		} else {
			copy(dst, tsBuf[start:])
			for j := len(tsBuf) - start; j < appChunkBytes; j++ {
				dst[j] = 0xFF
			}
		}
		pk.PakType = pak.TypeAPP
		pk.ExtSeq = params.StartSeqNum - uint32(n-i)
		newPaks = append(newPaks, pk)
	}

	c.appPaks = newPaks
	c.lastStartSeqNum = params.StartSeqNum
	c.rccEnabled = true
	c.rccInAbort = false
	c.haveFirstPrimary = false
	c.haveJoinIssueTime = false
	c.primInactiveLatched = false
	c.filter.Active = false
	c.fastFillTime = computeFastFillTime(c.cfg.MinBackfill, c.cfg.MaxFastfill, params)

	c.sm.SetParams(rcc.Params{
		FirstRepairDeadline: params.FirstRepairDeadline,
		DtEarliestJoin:      params.DtEarliestJoin,
		ErHoldoffTime:       params.ErHoldoffTime,
		DtRepairEnd:         params.DtRepairEnd,
	})
	c.sm.Deliver(rcc.StartRCC)

	if !c.rccInAbort {
		c.filter.Active = true
		c.filter.OSN = params.StartSeqNum & 0xFFFF
	}
	return nil
}

// capturePSI populates the channel's PAT/PMT/PCR/PTS cache from the
// decoded TS-RAP buffer (spec.md §4.9 "PSI capture"). DecodeTSRAP already
// parses PAT/PMT while building the buffer; PCR and PTS are recovered by
// walking the reconstructed packets for the first adaptation-field PCR and
// the first PES header carrying a presentation timestamp.
func (c *Channel) capturePSI(tsBuf []byte, pat mpegts.PAT, pmt mpegts.PMT) {
	c.patVal = pat
	c.pmtVal = pmt
	c.havePAT = true
	c.havePMT = true
	c.pcrVal, c.havePCR = 0, false
	c.ptsVal, c.havePTS = 0, false

	n := len(tsBuf) / mpegts.PacketLen
	for i := 0; i < n; i++ {
		pkt := tsBuf[i*mpegts.PacketLen : (i+1)*mpegts.PacketLen]
		p, err := mpegts.ParsePacket(pkt)
		if err != nil {
			continue
		}
		if p.HasPCR && !c.havePCR {
			c.pcrVal, c.havePCR = p.PCR, true
		}
		if !c.havePTS && p.PUSI && p.PayloadPresent && p.PayloadOffset < len(pkt) {
			if pts, _, hasPTS, _ := mpegts.ParsePTSDTS(pkt[p.PayloadOffset:]); hasPTS {
				c.ptsVal, c.havePTS = pts, true
			}
		}
		if c.havePCR && c.havePTS {
			break
		}
	}
}

// GetPAT, GetPMT, GetPCR, GetPTS are get_pat/get_pmt/get_pcr/get_pts
// (spec.md §4.9 PSI capture accessors).
func (c *Channel) GetPAT() (mpegts.PAT, bool) { return c.patVal, c.havePAT }
func (c *Channel) GetPMT() (mpegts.PMT, bool) { return c.pmtVal, c.havePMT }
func (c *Channel) GetPCR() (uint64, bool)     { return c.pcrVal, c.havePCR }
func (c *Channel) GetPTS() (uint64, bool)     { return c.ptsVal, c.havePTS }

// AbortRCC is the control-plane entry point that cancels an in-progress
// RCC burst directly (spec.md §6).
func (c *Channel) AbortRCC() {
	c.sm.Deliver(rcc.AbortEv)
}

// ChannelUpdateSource is channel_update_source (SPEC_FULL SUPPLEMENT#5):
// re-points the primary source filter at whatever source next sends a
// packet, without destroying and recreating the channel, by arming a
// failover away from the current packet-flow-permitted source.
func (c *Channel) ChannelUpdateSource() error {
	src, ok := c.primaryReceiver.ActiveSource()
	if !ok {
		return fmt.Errorf("channel: %w: no active primary source to update from", vqerr.ErrNotFound)
	}
	c.primary.BeginFailover(src.Key)
	return nil
}

// Tick is poll_ev_handler (spec.md §4.9): the periodic pump that fires due
// timers, runs one Output Scheduler iteration, detects a primary source
// going quiet, and periodically raises the generation-number-sync upcall.
func (c *Channel) Tick(now time.Time) {
	c.timers.Pump(now)
	c.sched.Tick(now)

	if c.primary != nil && c.haveFirstPrimary {
		if ts, have := c.primary.LastPakTS(); have {
			quiet := now.Sub(ts) >= 500*time.Millisecond
			if quiet && !c.primInactiveLatched {
				c.primInactiveLatched = true
				c.upcallEv(upcall.DeviceDPChan, upcall.ReasonChanPrimInactive)
			} else if !quiet {
				c.primInactiveLatched = false
			}
		}
	}

	if c.lastGenNumSyncAt.IsZero() || now.Sub(c.lastGenNumSyncAt) >= 10*time.Second {
		c.lastGenNumSyncAt = now
		c.upcallEv(upcall.DeviceDPChan, upcall.ReasonChanGenNumSync)
	}
}

// Status is the get_status snapshot (spec.md §6).
type Status struct {
	ID               uint32
	RCCState         string
	RCCEnabled       bool
	FastFillTime     time.Duration
	HaveFirstPrimary bool
	SchedulerStarted bool
	PCM              pcm.Stats
}

// GetStatus is get_status (spec.md §6).
func (c *Channel) GetStatus() Status {
	return Status{
		ID:               c.id,
		RCCState:         c.sm.State().String(),
		RCCEnabled:       c.rccEnabled,
		FastFillTime:     c.fastFillTime,
		HaveFirstPrimary: c.haveFirstPrimary,
		SchedulerStarted: c.sched.Started(),
		PCM:              c.cache.Snapshot(false),
	}
}

// GetRTPStats is get_rtp_stats (SPEC_FULL SUPPLEMENT#2): per-input-stream
// RTP source tables.
func (c *Channel) GetRTPStats() map[string][]rtp.Source {
	out := map[string][]rtp.Source{
		"primary": c.primaryReceiver.SourceTable(),
		"repair":  c.repairReceiver.SourceTable(),
	}
	if c.fecColumnReceiver != nil {
		out["fec_column"] = c.fecColumnReceiver.SourceTable()
	}
	if c.fecRowReceiver != nil {
		out["fec_row"] = c.fecRowReceiver.SourceTable()
	}
	return out
}

// ClearRTPStats is clear_rtp_stats (SPEC_FULL SUPPLEMENT#2).
func (c *Channel) ClearRTPStats() {
	c.primaryReceiver.Clear()
	c.repairReceiver.Clear()
	if c.fecColumnReceiver != nil {
		c.fecColumnReceiver.Clear()
	}
	if c.fecRowReceiver != nil {
		c.fecRowReceiver.Clear()
	}
}

// ClearStats is clear_stats (spec.md §6): resets every reset-on-read
// counter this channel owns.
func (c *Channel) ClearStats() {
	c.sched.SnapshotXR()
	c.sched.Snapshot(true)
	c.cache.Snapshot(true)
	c.primary.Snapshot(true)
	c.repair.Snapshot(true)
	if c.fecColumn != nil {
		c.fecColumn.Snapshot(true)
	}
	if c.fecRow != nil {
		c.fecRow.Snapshot(true)
	}
	if c.fecEngine != nil {
		c.fecEngine.Snapshot(true)
	}
	c.ClearRTPStats()
	c.tr135IntervalStart = c.now()
}
