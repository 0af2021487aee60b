package rtp

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/wmanley/vqec-dp/internal/vqerr"
)

// SourceKey identifies an observed RTP source per spec.md §3: an entry per
// observed (ssrc, source-address, source-port).
type SourceKey struct {
	SSRC uint32
	Addr string
	Port int
}

// Source tracks per-source counters: late and duplicate packets, and
// whether it is currently the packet-flow-permitted source.
type Source struct {
	Key              SourceKey
	PacketFlowActive bool
	LastSeen         time.Time
	LateCount        uint64
	DupCount         uint64
	highestSeq       uint32
	haveHighest      bool
}

// SessionStats are the cumulative/incremental counters for a single stream
// (spec.md §4.2, "Session-scope counters are snapshotted on demand").
type SessionStats struct {
	InputCount    uint64
	ParseDrops    uint64
	DropsByReason map[string]uint64
}

// Snapshot returns a copy, and if reset is true, zeroes the live counters
// (cumulative vs. incremental reads).
func (s *SessionStats) Snapshot(reset bool) SessionStats {
	cp := SessionStats{
		InputCount:    s.InputCount,
		ParseDrops:    s.ParseDrops,
		DropsByReason: make(map[string]uint64, len(s.DropsByReason)),
	}
	for k, v := range s.DropsByReason {
		cp.DropsByReason[k] = v
	}
	if reset {
		s.InputCount = 0
		s.ParseDrops = 0
		s.DropsByReason = make(map[string]uint64)
	}
	return cp
}

func (s *SessionStats) addDrop(reason string) {
	if s.DropsByReason == nil {
		s.DropsByReason = make(map[string]uint64)
	}
	s.DropsByReason[reason]++
}

// Receiver validates RTP headers for one stream, tracks sources, and
// designates one source at a time as packet-flow-permitted, per spec.md
// §4.2.
type Receiver struct {
	mu      sync.Mutex
	sources map[SourceKey]*Source
	active  SourceKey
	hasActive bool
	stats   SessionStats
}

// NewReceiver creates an empty per-stream RTP receiver.
func NewReceiver() *Receiver {
	return &Receiver{sources: make(map[SourceKey]*Source)}
}

// ProcessPrimaryResult is returned by ProcessPrimary.
type ProcessPrimaryResult struct {
	Accepted bool
	DropFlag string // reason, empty if accepted
	Source   *Source
}

// ProcessPrimary validates and source-tracks a primary packet. Exactly one
// source at a time is packet-flow-permitted; a new source is recognised but
// not automatically promoted — that is the primary IS's failover-queue
// decision (internal/is.Primary).
func (r *Receiver) ProcessPrimary(hdr Header, addr net.IP, port int) ProcessPrimaryResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.InputCount++

	key := SourceKey{SSRC: hdr.SSRC, Addr: addr.String(), Port: port}
	src, ok := r.sources[key]
	if !ok {
		src = &Source{Key: key}
		r.sources[key] = src
		if !r.hasActive {
			src.PacketFlowActive = true
			r.active = key
			r.hasActive = true
		}
	}
	src.LastSeen = time.Now()

	if src.haveHighest {
		dist := int32(hdr.SequenceNumber) - int32(uint16(src.highestSeq))
		if dist <= 0 && -dist < 0x8000 {
			// Sequence regressed relative to the highest seen: late or dup.
			if hdr.SequenceNumber == uint16(src.highestSeq) {
				src.DupCount++
				r.stats.addDrop("duplicate")
				return ProcessPrimaryResult{Accepted: false, DropFlag: "duplicate", Source: src}
			}
			src.LateCount++
			r.stats.addDrop("late")
			return ProcessPrimaryResult{Accepted: false, DropFlag: "late", Source: src}
		}
	}
	src.highestSeq = uint32(hdr.SequenceNumber)
	src.haveHighest = true
	return ProcessPrimaryResult{Accepted: true, Source: src}
}

// ProcessRepair validates and source-tracks a repair packet. bypassSM lets
// the caller (channel pak_event) skip the session-acceptability gate when
// the state machine has already made the accept/drop/queue decision.
func (r *Receiver) ProcessRepair(hdr Header, addr net.IP, port int, bypassSM bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.InputCount++
	key := SourceKey{SSRC: hdr.SSRC, Addr: addr.String(), Port: port}
	src, ok := r.sources[key]
	if !ok {
		src = &Source{Key: key, PacketFlowActive: true}
		r.sources[key] = src
	}
	src.LastSeen = time.Now()
	if bypassSM {
		return true
	}
	if src.haveHighest {
		dist := int32(hdr.SequenceNumber) - int32(uint16(src.highestSeq))
		if dist <= 0 && -dist < 0x8000 {
			if hdr.SequenceNumber == uint16(src.highestSeq) {
				src.DupCount++
				r.stats.addDrop("duplicate")
				return false
			}
			src.LateCount++
			r.stats.addDrop("late")
			return false
		}
	}
	src.highestSeq = uint32(hdr.SequenceNumber)
	src.haveHighest = true
	return true
}

// ProcessFEC validates and accounts an FEC packet; FEC streams have no
// per-source late/dup semantics in this core (spec.md §4.5 delegates
// ordering entirely to the FEC engine).
func (r *Receiver) ProcessFEC(hdr Header) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.InputCount++
	return true
}

// AddParseDrop counts an RTP header parse failure.
func (r *Receiver) AddParseDrop() {
	r.mu.Lock()
	r.stats.ParseDrops++
	r.mu.Unlock()
}

// Stats returns a snapshot of session counters, optionally resetting them.
func (r *Receiver) Stats(reset bool) SessionStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats.Snapshot(reset)
}

// Clear resets all counters and forgets all sources.
func (r *Receiver) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = make(map[SourceKey]*Source)
	r.hasActive = false
	r.stats = SessionStats{}
}

// ActiveSource returns the current packet-flow-permitted source, if any.
func (r *Receiver) ActiveSource() (*Source, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasActive {
		return nil, false
	}
	return r.sources[r.active], true
}

// PromoteSource marks key as the sole packet-flow-permitted source,
// demoting any previous holder. Used by the primary IS when a failover
// completes.
func (r *Receiver) PromoteSource(key SourceKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[key]
	if !ok {
		return fmt.Errorf("rtp: %w: unknown source", vqerr.ErrNotFound)
	}
	if r.hasActive {
		if old, ok := r.sources[r.active]; ok {
			old.PacketFlowActive = false
		}
	}
	src.PacketFlowActive = true
	r.active = key
	r.hasActive = true
	return nil
}

// SourceTable exposes all observed sources for get_rtp_stats (spec.md §6,
// SPEC_FULL SUPPLEMENT#2).
func (r *Receiver) SourceTable() []Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Source, 0, len(r.sources))
	for _, s := range r.sources {
		out = append(out, *s)
	}
	return out
}
