// Package pcm implements the Packet Cache Module of spec.md §4.6: an
// ordered jitter buffer keyed by extended sequence number, with reorder
// deadline, dedup, and gap logging. Output is driven by the Output
// Scheduler, which peeks the head and asks PCM to dequeue once the
// scheduled emission time is reached.
package pcm

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wmanley/vqec-dp/internal/pak"
	"github.com/wmanley/vqec-dp/internal/vqerr"
)

// GapEntry records one detected sequence gap, for get_gap_report.
type GapEntry struct {
	FromSeq uint32
	ToSeq   uint32
	At      time.Time
}

const maxGapLog = 256

// PCM is the ordered packet cache for one channel.
type PCM struct {
	mu sync.Mutex

	packets map[uint32]*pak.Pak // keyed by extended sequence
	head    uint32              // lowest undispensed sequence
	haveHead bool
	tail    uint32
	highestRx uint32
	haveHighestRx bool

	lastRxSeq     uint32
	haveLastRxSeq bool

	reorderDeadline time.Duration
	jitterDelay     time.Duration

	// arrival records when each cached packet entered PCM, to evaluate the
	// reorder deadline in Dequeue/NextDueAt.
	arrival map[uint32]time.Time

	erEnabled       bool
	postERAdvanced  bool // state machine has advanced past ER-enable
	postAbortActive bool
	primaryOverlapLo, primaryOverlapHi uint32
	havePrimaryOverlap bool

	gapLog []GapEntry

	lateDrops      uint64
	dupDrops       uint64
	pakseqAccepted uint64
}

// Config bundles PCM construction knobs.
type Config struct {
	ReorderDeadline time.Duration
	JitterDelay     time.Duration
}

// New creates an empty PCM.
func New(cfg Config) *PCM {
	return &PCM{
		packets:         make(map[uint32]*pak.Pak),
		arrival:         make(map[uint32]time.Time),
		reorderDeadline: cfg.ReorderDeadline,
		jitterDelay:     cfg.JitterDelay,
	}
}

// Head returns the lowest undispensed extended sequence, if any packet is
// cached.
func (p *PCM) Head() (uint32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.head, p.haveHead
}

// Len returns the number of cached packets.
func (p *PCM) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.packets)
}

// EnableER records that error-repair is enabled and whether the state
// machine is post-ER-enable (spec.md §4.6). Insertion does not consult
// these flags: a packet below head is always late-dropped.
func (p *PCM) EnableER(postER bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.erEnabled = true
	p.postERAdvanced = postER
}

// SetPostAbortFilter arms or clears the RCC post-abort process filter,
// which rejects any repair packet whose sequence lies within the
// primary-overlap region (spec.md §4.6, §4.9 abort notification).
func (p *PCM) SetPostAbortFilter(active bool, overlapLo, overlapHi uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.postAbortActive = active
	p.primaryOverlapLo, p.primaryOverlapHi = overlapLo, overlapHi
	p.havePrimaryOverlap = active
}

// RejectsRepairPostAbort reports whether seq should be rejected by the
// RCC post-abort process (spec.md §4.4 step 10).
func (p *PCM) RejectsRepairPostAbort(seq uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.postAbortActive || !p.havePrimaryOverlap {
		return false
	}
	return seq >= p.primaryOverlapLo && seq <= p.primaryOverlapHi
}

// LastRxSeq returns the last-received extended sequence used for mapping
// raw RTP sequences (repair's OSN + offset, primary's 16-bit seq) onto the
// extended space via pak.NextExtendedSeq.
func (p *PCM) LastRxSeq() (uint32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRxSeq, p.haveLastRxSeq
}

// AdvanceLastRxSeq records seq as the new last-received extended sequence,
// monotonically: it only moves forward.
func (p *PCM) AdvanceLastRxSeq(seq uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.haveLastRxSeq || int32(seq-p.lastRxSeq) > 0 {
		p.lastRxSeq = seq
		p.haveLastRxSeq = true
	}
}

// InsertOne inserts a single packet (already extended-sequence-stamped).
// Returns true if accepted. Late/duplicate packets are dropped and
// counted, never returned as an error (spec.md §7 "per-packet failures are
// counted").
func (p *PCM) InsertOne(pk *pak.Pak) bool {
	return p.insertLocked(pk)
}

// InsertBatch inserts paks as one batch and returns the number accepted.
// All packets in a batch must be pre-validated by the caller to come from
// the same packet-flow-permitted source (spec.md §4.3 invariant) — PCM
// itself has no notion of source, only sequence.
func (p *PCM) InsertBatch(paks []*pak.Pak) int {
	accepted := 0
	for _, pk := range paks {
		if p.insertLocked(pk) {
			accepted++
		}
	}
	return accepted
}

func (p *PCM) insertLocked(pk *pak.Pak) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	seq := pk.ExtSeq

	if p.haveHead && int32(seq-p.head) < 0 {
		// (I2) late: sequence < head.
		p.lateDrops++
		pk.Unref()
		return false
	}
	if _, dup := p.packets[seq]; dup {
		// (I1) no two packets with identical extended sequence coexist.
		p.dupDrops++
		pk.Unref()
		return false
	}

	if !p.haveHead {
		p.head = seq
		p.haveHead = true
		p.tail = seq
	} else {
		if int32(seq-p.tail) > 0 {
			if seq != p.tail+1 {
				p.logGapLocked(p.tail+1, seq-1)
			}
			p.tail = seq
		}
	}
	if !p.haveHighestRx || int32(seq-p.highestRx) > 0 {
		p.highestRx = seq
		p.haveHighestRx = true
	}

	p.packets[seq] = pk
	p.arrival[seq] = time.Now()
	p.pakseqAccepted++
	return true
}

func (p *PCM) logGapLocked(from, to uint32) {
	p.gapLog = append(p.gapLog, GapEntry{FromSeq: from, ToSeq: to, At: time.Now()})
	if len(p.gapLog) > maxGapLog {
		p.gapLog = p.gapLog[len(p.gapLog)-maxGapLog:]
	}
}

// GapReport returns a copy of the gap log (get_gap_report, spec.md §6).
func (p *PCM) GapReport() []GapEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]GapEntry, len(p.gapLog))
	copy(out, p.gapLog)
	return out
}

// ReadyToDequeue reports whether the head packet may be dispensed now:
// either its reorder deadline has passed, or it is consecutive with a
// packet already known to be ready (spec.md I3). now is the scheduler's
// current time.
func (p *PCM) ReadyToDequeue(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readyToDequeueLocked(now)
}

func (p *PCM) readyToDequeueLocked(now time.Time) bool {
	if !p.haveHead {
		return false
	}
	if _, ok := p.packets[p.head]; !ok {
		return false
	}
	if _, ok := p.packets[p.head+1]; ok {
		return true
	}
	arr, ok := p.arrival[p.head]
	if !ok {
		return true
	}
	return now.Sub(arr) >= p.reorderDeadline
}

// Dequeue removes and returns the head packet if ReadyToDequeue, advancing
// head to the next undispensed sequence. Returns nil, false if not ready or
// empty.
func (p *PCM) Dequeue(now time.Time) (*pak.Pak, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.readyToDequeueLocked(now) {
		return nil, false
	}
	pk := p.packets[p.head]
	delete(p.packets, p.head)
	delete(p.arrival, p.head)
	p.head++
	// haveHead stays true: once established, head is the next expected
	// sequence and never resets just because the cache drained, or a late
	// packet below it (I2) would be wrongly accepted as a new head.
	if len(p.packets) > 0 {
		// head may need to skip forward to the next actually-cached seq if
		// there's a persistent gap that never fills (handled by the
		// reorder-deadline path re-evaluating readiness against the new
		// head on the scheduler's next tick).
		if _, ok := p.packets[p.head]; !ok {
			p.head = p.lowestCachedSeqLocked()
		}
	}
	return pk, true
}

func (p *PCM) lowestCachedSeqLocked() uint32 {
	seqs := make([]uint32, 0, len(p.packets))
	for s := range p.packets {
		seqs = append(seqs, s)
	}
	sort.Slice(seqs, func(i, j int) bool { return int32(seqs[i]-seqs[j]) < 0 })
	if len(seqs) == 0 {
		return p.head
	}
	return seqs[0]
}

// Reset clears all cached packets (freeing their refs), gap log, and
// sequence state, without destroying configuration. Used on channel
// teardown and RCC reset-repair-stream notifications.
func (p *PCM) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pk := range p.packets {
		pk.Unref()
	}
	p.packets = make(map[uint32]*pak.Pak)
	p.arrival = make(map[uint32]time.Time)
	p.haveHead = false
	p.haveHighestRx = false
	p.haveLastRxSeq = false
	p.gapLog = nil
}

// Stats is a reset-on-read snapshot of PCM-level counters.
type Stats struct {
	LateDrops      uint64
	DupDrops       uint64
	PakseqAccepted uint64
	Cached         int
}

// Snapshot returns PCM counters, resetting the cumulative ones if reset.
func (p *PCM) Snapshot(reset bool) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		LateDrops:      p.lateDrops,
		DupDrops:       p.dupDrops,
		PakseqAccepted: p.pakseqAccepted,
		Cached:         len(p.packets),
	}
	if reset {
		p.lateDrops, p.dupDrops, p.pakseqAccepted = 0, 0, 0
	}
	return s
}

// ValidateNoGapAssertion is a fatal assertion helper: callers doing a batch
// insert from a single source must never observe the head jump backward,
// i.e. PCM state must remain internally consistent. Exposed for tests.
func (p *PCM) ValidateNoGapAssertion() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.haveHead && p.haveHighestRx && int32(p.highestRx-p.head) < 0 {
		return fmt.Errorf("pcm: %w: highestRx %d precedes head %d", vqerr.ErrInternal, p.highestRx, p.head)
	}
	return nil
}
