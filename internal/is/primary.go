// Package is implements the three Input Streams of spec.md §4.3-§4.5:
// Primary, Repair, and FEC. Each owns its ingress entry point
// (receive_vec/receive_one) and the per-packet admission pipeline described
// there; all three share the RTP receiver and PCM from their sibling
// packages but have no dependency on internal/channel, which owns and
// wires them instead (avoiding an import cycle).
package is

import (
	"fmt"
	"time"

	"github.com/wmanley/vqec-dp/internal/pak"
	"github.com/wmanley/vqec-dp/internal/pcm"
	"github.com/wmanley/vqec-dp/internal/rtp"
	"github.com/wmanley/vqec-dp/internal/vqerr"
)

// Encap is the primary stream's encapsulation mode (spec.md §4.3).
type Encap int

const (
	EncapUnknown Encap = iota
	EncapUDP
	EncapRTP
)

// underrunGrace is the extra margin spec.md §4.3 step 2 adds to
// last_pak_ts + reorder_time before declaring an underrun.
const underrunGrace = 20 * time.Millisecond

// Ejecter is the upcall packet-eject path a misdirected STUN packet is sent
// to (spec.md §4.3 step 2). Implemented by internal/upcall.
type Ejecter interface {
	EjectPacket(pk *pak.Pak) error
}

// UDPSink receives UDP-encapsulated packets directly, bypassing PCM
// (spec.md §4.3 step 3 "UDP").
type UDPSink interface {
	PushUDP(pk *pak.Pak)
}

// RCCPort is the subset of the RCC state machine the Primary IS drives.
type RCCPort interface {
	Active() bool
	Finalised() bool
	NoteFirstPrimary()
}

// FirstPrimaryHook lets the channel coordinator capture first-primary
// recording (spec.md §4.3 "First-primary recording") without the IS owning
// histogram/timestamp storage directly.
type FirstPrimaryHook interface {
	RecordFirstPrimary(ts time.Time, seq uint32, evTS time.Time)
}

// PrimaryConfig bundles the Primary IS's construction-time parameters.
type PrimaryConfig struct {
	ReorderTime time.Duration
}

// Primary is the Primary Input Stream for one channel.
type Primary struct {
	cfg      PrimaryConfig
	receiver *rtp.Receiver
	cache    *pcm.PCM
	eject    Ejecter
	udp      UDPSink
	rccPort  RCCPort
	hook     FirstPrimaryHook

	encap         Encap
	lastPakTS     time.Time
	haveLastPakTS bool
	primInactive  bool

	haveFirstPrimary bool

	// failoverQueue buffers packets from a newly observed source while the
	// previously packet-flow-permitted source is still draining
	// (SPEC_FULL SUPPLEMENT#1).
	failoverQueue       []*pak.Pak
	failoverQueueActive bool
	failoverNewSource   rtp.SourceKey
	retiringSource      rtp.SourceKey
	haveRetiringSource  bool

	ejectOK, ejectFail uint64
	syncDrops          uint64
	simDrops           uint64
}

// NewPrimary creates a Primary IS bound to receiver/cache and the ejection
// and UDP sinks. rccPort/hook may be nil if RCC/first-primary recording is
// not wired (e.g. in isolated unit tests).
func NewPrimary(cfg PrimaryConfig, receiver *rtp.Receiver, cache *pcm.PCM, eject Ejecter, udp UDPSink, rccPort RCCPort, hook FirstPrimaryHook) *Primary {
	return &Primary{
		cfg:          cfg,
		receiver:     receiver,
		cache:        cache,
		eject:        eject,
		udp:          udp,
		rccPort:      rccPort,
		hook:         hook,
		primInactive: true,
	}
}

// DropSimulator matches packets that should be counted and discarded
// before any processing (spec.md §4.3 step 1), e.g. for fault-injection in
// tests.
type DropSimulator func(pk *pak.Pak) bool

// ReceiveVec is receive_vec (spec.md §4.3): processes a batch of packets
// delivered together by the ingress shim.
func (p *Primary) ReceiveVec(paks []*pak.Pak, curTime time.Time, sim DropSimulator) {
	if len(paks) == 0 {
		return
	}

	if p.encap == EncapUnknown || p.underrun(curTime) {
		p.redetectEncap(paks)
	}

	var pcmBatch []*pak.Pak
	acceptedAny := false
	var lastNonSTUNTS time.Time
	haveLastNonSTUNTS := false

	for _, pk := range paks {
		if sim != nil && sim(pk) {
			p.simDrops++
			pk.Unref()
			continue
		}

		if rtp.LooksLikeSTUN(pk.Data()) && p.encap != EncapUDP {
			if err := p.eject.EjectPacket(pk); err != nil {
				p.ejectFail++
			} else {
				p.ejectOK++
			}
			continue
		}

		lastNonSTUNTS = curTime
		haveLastNonSTUNTS = true

		switch p.encap {
		case EncapUDP:
			pk.PakType = pak.TypeUDP
			p.udp.PushUDP(pk)
			acceptedAny = true
		case EncapRTP:
			if p.processRTPPacket(pk, curTime) {
				pcmBatch = append(pcmBatch, pk)
				acceptedAny = true
			}
		default:
			p.syncDrops++
			pk.Unref()
		}
	}

	if len(pcmBatch) > 0 {
		if err := p.assertSingleSource(pcmBatch); err != nil {
			panic(err.Error())
		}
		p.cache.InsertBatch(pcmBatch)
	}

	if haveLastNonSTUNTS {
		p.lastPakTS = lastNonSTUNTS
		p.haveLastPakTS = true
	}
	if acceptedAny {
		p.primInactive = false
	}
}

func (p *Primary) underrun(curTime time.Time) bool {
	if !p.haveLastPakTS {
		return false
	}
	return p.lastPakTS.Add(p.cfg.ReorderTime).Add(underrunGrace).Before(curTime)
}

// redetectEncap inspects the first non-STUN byte of the batch to classify
// encapsulation (spec.md §4.3 step 2). RTP's two leading bits are always
// 10; anything else that isn't STUN is presumed raw UDP/MPEG-TS.
func (p *Primary) redetectEncap(paks []*pak.Pak) {
	for _, pk := range paks {
		d := pk.Data()
		if len(d) == 0 || rtp.LooksLikeSTUN(d) {
			continue
		}
		if d[0]>>6 == 2 {
			p.encap = EncapRTP
		} else {
			p.encap = EncapUDP
		}
		return
	}
}

// processRTPPacket validates and source-tracks a single RTP-encapsulated
// primary packet, handling the failover queue and first-primary recording.
// Returns true if pk should join this batch's PCM insert.
func (p *Primary) processRTPPacket(pk *pak.Pak, curTime time.Time) bool {
	hdr, err := rtp.ParseHeader(pk.Data())
	if err != nil {
		p.receiver.AddParseDrop()
		pk.Unref()
		return false
	}

	key := rtp.SourceKey{SSRC: hdr.SSRC, Addr: pk.SrcAddr.String(), Port: pk.SrcPort}
	res := p.receiver.ProcessPrimary(hdr, pk.SrcAddr, pk.SrcPort)
	if !res.Accepted {
		pk.Unref()
		return false
	}

	if p.failoverQueueActive && key == p.failoverNewSource {
		p.failoverQueue = append(p.failoverQueue, pk)
		return false
	}
	if p.haveRetiringSource && key != p.retiringSource && !p.failoverQueueActive {
		// A third source appeared while a failover is not yet armed for
		// it: arm the failover queue for this new source.
		p.failoverQueueActive = true
		p.failoverNewSource = key
		p.failoverQueue = append(p.failoverQueue, pk)
		return false
	}

	pk.PakType = pak.TypePrimary
	last, have := p.cache.LastRxSeq()
	var base uint32
	if have {
		base = last
	}
	pk.ExtSeq = pak.NextExtendedSeq(base, hdr.SequenceNumber)
	p.cache.AdvanceLastRxSeq(pk.ExtSeq)

	if !p.haveFirstPrimary {
		p.haveFirstPrimary = true
		if p.hook != nil {
			p.hook.RecordFirstPrimary(curTime, pk.ExtSeq, curTime)
		}
		if p.rccPort != nil && p.rccPort.Active() && !p.rccPort.Finalised() {
			p.rccPort.NoteFirstPrimary()
		}
	}
	return true
}

// assertSingleSource enforces spec.md §4.3's fatal invariant: every packet
// accepted into one PCM insert batch must come from the same
// packet-flow-permitted RTP source.
func (p *Primary) assertSingleSource(batch []*pak.Pak) error {
	active, ok := p.receiver.ActiveSource()
	if !ok {
		return fmt.Errorf("primary_is: %w: no active source but batch non-empty", vqerr.ErrInternal)
	}
	for _, pk := range batch {
		if pk.SrcAddr.String() != active.Key.Addr || pk.SrcPort != active.Key.Port {
			return fmt.Errorf("primary_is: %w: batch mixes sources", vqerr.ErrInternal)
		}
	}
	return nil
}

// BeginFailover marks oldSource as retiring: subsequent packets from the
// first other source seen are queued rather than admitted, until
// CompleteFailover is called. The queue has no size limit, and nothing here
// checks whether oldSource's packets have drained from PCM.
func (p *Primary) BeginFailover(oldSource rtp.SourceKey) {
	p.retiringSource = oldSource
	p.haveRetiringSource = true
}

// CompleteFailover replays the failover queue through the ordinary
// receive path and promotes the queued source to packet-flow-permitted
// (SUPPLEMENT#1).
func (p *Primary) CompleteFailover(curTime time.Time, sim DropSimulator) error {
	if !p.failoverQueueActive {
		return nil
	}
	if err := p.receiver.PromoteSource(p.failoverNewSource); err != nil {
		return err
	}
	queued := p.failoverQueue
	p.failoverQueue = nil
	p.failoverQueueActive = false
	p.haveRetiringSource = false
	p.ReceiveVec(queued, curTime, sim)
	return nil
}

// FailoverQueueLen reports how many packets are currently held pending a
// source failover (diagnostic/test use).
func (p *Primary) FailoverQueueLen() int {
	return len(p.failoverQueue)
}

// Stats is a reset-on-read snapshot of Primary IS counters.
type Stats struct {
	EjectOK, EjectFail uint64
	SyncDrops          uint64
	SimDrops           uint64
}

// Snapshot returns and optionally resets Primary IS counters.
func (p *Primary) Snapshot(reset bool) Stats {
	s := Stats{EjectOK: p.ejectOK, EjectFail: p.ejectFail, SyncDrops: p.syncDrops, SimDrops: p.simDrops}
	if reset {
		p.ejectOK, p.ejectFail, p.syncDrops, p.simDrops = 0, 0, 0, 0
	}
	return s
}

// Encap reports the current detected encapsulation.
func (p *Primary) Encap() Encap {
	return p.encap
}

// PrimInactive reports whether no packet has been accepted since this
// Primary IS was created; it is never set back to true.
func (p *Primary) PrimInactive() bool {
	return p.primInactive
}

// LastPakTS returns the receive timestamp of the last non-STUN packet
// received (whether or not it was accepted), used by the channel's poll_ev_handler (spec.md §4.9) to detect
// a primary source going quiet for >= 500ms.
func (p *Primary) LastPakTS() (time.Time, bool) {
	return p.lastPakTS, p.haveLastPakTS
}
