// Package fec implements the channel's FEC engine: acceptance bookkeeping
// for one or two FEC streams (column/row), and the inferred L/D parameter
// change detection of SPEC_FULL.md SUPPLEMENT#4 (`CHAN_FEC_UPDATE`). Actual
// XOR-based loss recovery is not part of the dataplane core as specified
// (spec.md describes the FEC Input Stream as forwarding to "the FEC
// engine" without detailing the repair math); this package owns exactly
// the insertion-acceptance and parameter-inference surface spec.md names.
package fec

import (
	"sync"

	"github.com/wmanley/vqec-dp/internal/pak"
)

// maxCached bounds the FEC engine's per-stream sequence memory, used only
// for duplicate rejection and diagnostic snapshotting.
const maxCached = 512

// StreamRole distinguishes the column (L-period) and row (D-period) FEC
// streams a channel may carry (spec.md §1: "one or two FEC streams").
type StreamRole int

const (
	RoleColumn StreamRole = iota
	RoleRow
)

// UpdateFunc is called whenever the inferred L or D parameter changes,
// so the channel can post a CHAN_FEC_UPDATE upcall.
type UpdateFunc func(l, d int)

// Engine is the channel's FEC engine: one instance serves both the column
// and row FEC streams, since inference of L and D is only meaningful
// relative to each other.
type Engine struct {
	mu sync.Mutex

	onUpdate UpdateFunc

	haveColumnSeq bool
	lastColumnSeq uint32
	inferredL     int

	haveRowSeq bool
	lastRowSeq uint32
	inferredD  int

	seen    map[StreamRole]map[uint32]struct{}
	accepted, rejected uint64
}

// NewEngine creates an FEC engine. onUpdate may be nil.
func NewEngine(onUpdate UpdateFunc) *Engine {
	return &Engine{
		onUpdate: onUpdate,
		seen: map[StreamRole]map[uint32]struct{}{
			RoleColumn: make(map[uint32]struct{}),
			RoleRow:    make(map[uint32]struct{}),
		},
	}
}

// Insert accepts or rejects one FEC packet for the given stream role,
// updating the inferred L/D parameters from the observed sequence delta.
// Returns false (rejected, counted as a pakseq_drop by the caller IS) on
// duplicate sequence.
func (e *Engine) Insert(role StreamRole, pk *pak.Pak) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	seq := pk.ExtSeq
	set := e.seen[role]
	if _, dup := set[seq]; dup {
		e.rejected++
		pk.Unref()
		return false
	}
	set[seq] = struct{}{}
	if len(set) > maxCached {
		// Bounded memory: once full, drop just over half of the bookkeeping,
		// picking entries in map iteration order (not by age).
		// Diagnostic-only state, so an approximate eviction is fine.
		n := 0
		for k := range set {
			delete(set, k)
			n++
			if n > maxCached/2 {
				break
			}
		}
	}

	switch role {
	case RoleColumn:
		if e.haveColumnSeq {
			delta := int(int32(seq - e.lastColumnSeq))
			if delta > 0 && delta != e.inferredL {
				e.inferredL = delta
				e.notifyLocked()
			}
		}
		e.lastColumnSeq = seq
		e.haveColumnSeq = true
	case RoleRow:
		if e.haveRowSeq {
			delta := int(int32(seq - e.lastRowSeq))
			if delta > 0 && delta != e.inferredD {
				e.inferredD = delta
				e.notifyLocked()
			}
		}
		e.lastRowSeq = seq
		e.haveRowSeq = true
	}

	e.accepted++
	pk.Unref()
	return true
}

func (e *Engine) notifyLocked() {
	if e.onUpdate != nil {
		e.onUpdate(e.inferredL, e.inferredD)
	}
}

// InferredParams returns the current inferred column (L) and row (D)
// periods; 0 means not yet inferred.
func (e *Engine) InferredParams() (l, d int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inferredL, e.inferredD
}

// Stats is a reset-on-read snapshot of FEC engine counters.
type Stats struct {
	Accepted uint64
	Rejected uint64
}

// Snapshot returns and optionally resets the engine's counters.
func (e *Engine) Snapshot(reset bool) Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Stats{Accepted: e.accepted, Rejected: e.rejected}
	if reset {
		e.accepted, e.rejected = 0, 0
	}
	return s
}

// StreamAdapter returns an is.FECEngine-compatible view bound to one
// stream role, so the channel can hand each FEC Input Stream its own
// single-argument Insert without either IS knowing about the other's
// role (internal/is has no dependency on internal/fec's StreamRole type).
func (e *Engine) StreamAdapter(role StreamRole) *StreamAdapter {
	return &StreamAdapter{engine: e, role: role}
}

// StreamAdapter implements is.FECEngine for one stream role.
type StreamAdapter struct {
	engine *Engine
	role   StreamRole
}

// Insert satisfies is.FECEngine.
func (a *StreamAdapter) Insert(pk *pak.Pak) bool {
	return a.engine.Insert(a.role, pk)
}
