package is

import (
	"encoding/binary"
	"time"

	"github.com/wmanley/vqec-dp/internal/pak"
	"github.com/wmanley/vqec-dp/internal/pcm"
	"github.com/wmanley/vqec-dp/internal/rtp"
)

// Decision is the state machine's per-packet admission verdict for a
// repair packet (spec.md §4.4 steps 5 and 8).
type Decision int

const (
	DecisionAccept Decision = iota
	DecisionDrop
	DecisionQueue
)

// RepairGate is the channel-mediated query into the RCC state machine used
// to accept/drop/queue a repair packet.
type RepairGate interface {
	QueryRepair(osn uint32) Decision
}

// SyntheticHeaderBuilder constructs the synthetic RTP header over the
// channel's queued APP-derived TS packets once the first repair packet
// (matching the armed filter OSN) arrives (spec.md §4.9
// construct_rtp_hdr_over_ts_app).
type SyntheticHeaderBuilder interface {
	ConstructSyntheticRTPHeader(firstOSN uint32) error
}

// FirstSeqFilter is the channel's first-sequence filter state, shared with
// the repair IS so the "filter" in spec.md §4.4 step 4 is the same object
// the channel arms in process_app.
type FirstSeqFilter struct {
	Active bool
	OSN    uint32
}

// RepairConfig bundles Repair IS construction-time knobs.
type RepairConfig struct {
	RTPSeqNumOffset uint32
	ERHoldoffPassed func() bool // true once the ER-enable time has passed
}

// Repair is the Repair Input Stream for one channel.
type Repair struct {
	cfg      RepairConfig
	receiver *rtp.Receiver
	cache    *pcm.PCM
	eject    Ejecter
	gate     RepairGate
	builder  SyntheticHeaderBuilder
	filter   *FirstSeqFilter

	holdQueue []*pak.Pak
	holdqFilterArmed bool
	holdqFilterSeq   uint32

	rtpParseDrops uint64
	pakseqDrops   uint64
	simDrops      uint64
}

// NewRepair creates a Repair IS bound to its collaborators. filter is
// shared with the channel so process_app can arm it directly.
func NewRepair(cfg RepairConfig, receiver *rtp.Receiver, cache *pcm.PCM, eject Ejecter, gate RepairGate, builder SyntheticHeaderBuilder, filter *FirstSeqFilter) *Repair {
	return &Repair{
		cfg: cfg, receiver: receiver, cache: cache, eject: eject, gate: gate, builder: builder, filter: filter,
	}
}

// ReceiveOne is receive_one (spec.md §4.4).
func (r *Repair) ReceiveOne(pk *pak.Pak, curTime time.Time, sim DropSimulator) {
	hdr, err := rtp.ParseHeader(pk.Data())
	if err != nil {
		if rtp.LooksLikeSTUN(pk.Data()) {
			if r.eject.EjectPacket(pk) == nil {
				return
			}
		}
		r.rtpParseDrops++
		pk.Unref()
		return
	}

	payload := pk.Data()[hdr.HeaderLen:]
	if len(payload) < 2 {
		r.rtpParseDrops++
		pk.Unref()
		return
	}
	osn := uint32(binary.BigEndian.Uint16(payload[:2]))

	if r.holdqFilterArmed && osn == r.holdqFilterSeq {
		// A prior FilterHoldq(startSeq) call found no match in the hold
		// queue at the time and armed this latch; the live arrival now
		// supplies the match, so queue it and re-run the same two-phase
		// walk that would have found it.
		r.holdqFilterArmed = false
		r.holdQueue = append(r.holdQueue, pk)
		pk.Ref()
		r.FilterHoldq(osn, curTime, sim)
		return
	}

	if r.filter != nil && r.filter.Active {
		if osn == r.filter.OSN {
			r.filter.Active = false
			if r.builder != nil {
				// Stamp the synthetic header over the channel's queued
				// APP-derived packets while they are still queued, before
				// the gate call below can move them into PCM (spec.md §4.4
				// step 4 precedes step 5).
				_ = r.builder.ConstructSyntheticRTPHeader(osn)
			}
			if r.gate != nil {
				// Notify the state machine this is the first repair packet
				// (spec.md §4.4 step 5) before admitting it; the filter match
				// itself already decided to accept, so the returned Decision
				// is not acted on here, only the FirstRepair side effect.
				r.gate.QueryRepair(osn)
			}
			r.admitAndInsert(pk, hdr, osn, curTime, sim)
			r.flushHoldQueue(curTime, sim)
			return
		}
		r.holdQueue = append(r.holdQueue, pk)
		pk.Ref()
		return
	}

	if r.gate != nil {
		switch r.gate.QueryRepair(osn) {
		case DecisionDrop:
			pk.Unref()
			return
		case DecisionQueue:
			r.holdQueue = append(r.holdQueue, pk)
			pk.Ref()
			return
		}
	}

	if !r.receiver.ProcessRepair(hdr, pk.SrcAddr, pk.SrcPort, false) {
		pk.Unref()
		return
	}

	if sim != nil && sim(pk) {
		r.simDrops++
		pk.Unref()
		return
	}

	if r.gate != nil && r.gate.QueryRepair(osn) == DecisionDrop {
		pk.Unref()
		return
	}

	r.admitAndInsert(pk, hdr, osn, curTime, sim)
}

// admitAndInsert re-homes the packet buffer (strip OSN, patch header) and
// inserts it into PCM, per spec.md §4.4 step 9-11.
func (r *Repair) admitAndInsert(pk *pak.Pak, hdr rtp.Header, osn uint32, curTime time.Time, sim DropSimulator) {
	data := pk.Data()
	if len(data) < rtp.MinHeaderLen+2 {
		r.rtpParseDrops++
		pk.Unref()
		return
	}
	// Wire layout is [12B RTP hdr][2B OSN][TS payload] (spec.md §4.4 step 9,
	// §6 "Wire"); relocate the header forward over the OSN before advancing
	// head, so the new head lands on the relocated header rather than on
	// the OSN's high byte.
	copy(data[2:2+rtp.MinHeaderLen], data[0:rtp.MinHeaderLen])
	if err := pk.ShiftHeadForward(2); err != nil {
		r.rtpParseDrops++
		pk.Unref()
		return
	}
	out := hdr
	out.Version = 2
	out.PayloadType = rtp.PayloadTypeMP2T
	out.SequenceNumber = uint16(osn) // P6: output seq field == OSN mod 2^16
	if err := rtp.WriteMinimalHeader(pk.Data(), out); err != nil {
		r.rtpParseDrops++
		pk.Unref()
		return
	}

	last, have := r.cache.LastRxSeq()
	var base uint32
	if have {
		base = last
	}
	pk.ExtSeq = pak.NextExtendedSeq(base, uint16(osn+r.cfg.RTPSeqNumOffset))
	r.cache.AdvanceLastRxSeq(pk.ExtSeq)

	if r.cfg.ERHoldoffPassed != nil && r.cfg.ERHoldoffPassed() {
		pk.Flags |= pak.FlagAfterErrorCorrection
	}
	pk.PakType = pak.TypeRepair

	if r.cache.RejectsRepairPostAbort(pk.ExtSeq) {
		r.pakseqDrops++
		pk.Unref()
		return
	}

	if !r.cache.InsertOne(pk) {
		r.pakseqDrops++
	}
}

// flushHoldQueue drains the hold queue in order, re-feeding each packet
// through ReceiveOne (spec.md §4.4 step 12).
func (r *Repair) flushHoldQueue(curTime time.Time, sim DropSimulator) {
	queued := r.holdQueue
	r.holdQueue = nil
	for _, pk := range queued {
		r.ReceiveOne(pk, curTime, sim)
		pk.Unref()
	}
}

// FilterHoldq implements filter_holdq(start_seq) (spec.md §4.4): a
// two-phase walk. Phase A finds the packet whose OSN equals startSeq and
// triggers the synthetic-header construction; phase B inserts the rest in
// order. If startSeq is not present, the filter is armed so a future
// matching arrival triggers the flush.
func (r *Repair) FilterHoldq(startSeq uint32, curTime time.Time, sim DropSimulator) {
	idx := -1
	for i, pk := range r.holdQueue {
		hdr, err := rtp.ParseHeader(pk.Data())
		if err != nil {
			continue
		}
		payload := pk.Data()[hdr.HeaderLen:]
		if len(payload) < 2 {
			continue
		}
		osn := uint32(binary.BigEndian.Uint16(payload[:2]))
		if osn == startSeq {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.holdqFilterArmed = true
		r.holdqFilterSeq = startSeq
		return
	}
	if r.builder != nil {
		_ = r.builder.ConstructSyntheticRTPHeader(startSeq)
	}
	toProcess := append([]*pak.Pak{}, r.holdQueue[idx:]...)
	before := append([]*pak.Pak{}, r.holdQueue[:idx]...)
	for _, pk := range before {
		// Each held packet carries two references: the one transferred in
		// when it was enqueued and the hold queue's own Ref() at that time
		// (the same convention flushHoldQueue's ReceiveOne-then-Unref pair
		// relies on). Dropping it here needs both released.
		pk.Unref()
		pk.Unref()
	}
	r.holdQueue = nil
	for _, pk := range toProcess {
		hdr, err := rtp.ParseHeader(pk.Data())
		if err != nil {
			r.rtpParseDrops++
			pk.Unref()
			continue
		}
		payload := pk.Data()[hdr.HeaderLen:]
		osn := uint32(binary.BigEndian.Uint16(payload[:2]))
		r.admitAndInsert(pk, hdr, osn, curTime, sim)
		pk.Unref()
	}
}

// FlushHoldQueueUnconditional drops all held packets, used on RCC abort
// (spec.md §4.4 "Hold-queue flush (unconditional)").
func (r *Repair) FlushHoldQueueUnconditional() {
	for _, pk := range r.holdQueue {
		pk.Unref()
	}
	r.holdQueue = nil
	r.holdqFilterArmed = false
}

// DrainHoldQueue re-feeds every currently held packet through ReceiveOne, in
// order, without requiring a specific startSeq match first. Used when the
// channel enables error-repair and wants one more pass at anything still
// stuck in the hold queue (spec.md §4.9 enable_er notification: "poll the
// repair and primary ISs to drain buffered packets").
func (r *Repair) DrainHoldQueue(curTime time.Time, sim DropSimulator) {
	r.flushHoldQueue(curTime, sim)
}

// HoldQueueLen reports the number of packets currently held.
func (r *Repair) HoldQueueLen() int {
	return len(r.holdQueue)
}

// RepairStats is a reset-on-read snapshot of Repair IS counters.
type RepairStats struct {
	RTPParseDrops uint64
	PakseqDrops   uint64
	SimDrops      uint64
}

// Snapshot returns and optionally resets Repair IS counters.
func (r *Repair) Snapshot(reset bool) RepairStats {
	s := RepairStats{RTPParseDrops: r.rtpParseDrops, PakseqDrops: r.pakseqDrops, SimDrops: r.simDrops}
	if reset {
		r.rtpParseDrops, r.pakseqDrops, r.simDrops = 0, 0, 0
	}
	return s
}
