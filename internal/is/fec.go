package is

import (
	"time"

	"github.com/wmanley/vqec-dp/internal/pak"
	"github.com/wmanley/vqec-dp/internal/rtp"
)

// FECGate mirrors RepairGate for the FEC admission path (spec.md §4.5
// step 3).
type FECGate interface {
	QueryFEC(seq uint32) Decision
}

// FECEngine is the channel's FEC engine (internal/fec.Engine), kept as an
// interface here to avoid an import cycle.
type FECEngine interface {
	Insert(pk *pak.Pak) bool
}

// FEC is the FEC Input Stream for one channel.
type FEC struct {
	receiver *rtp.Receiver
	engine   FECEngine
	gate     FECGate
	enabled  bool

	rtpParseDrops uint64
	smDrops       uint64
	pakseqDrops   uint64
}

// NewFEC creates an FEC IS. enabled mirrors the channel's global FEC
// enable/disable knob (spec.md §4.5 step 1).
func NewFEC(receiver *rtp.Receiver, engine FECEngine, gate FECGate, enabled bool) *FEC {
	return &FEC{receiver: receiver, engine: engine, gate: gate, enabled: enabled}
}

// SetEnabled toggles FEC processing globally for this stream.
func (f *FEC) SetEnabled(enabled bool) {
	f.enabled = enabled
}

// ReceiveOne is receive_one for the FEC stream (spec.md §4.5).
func (f *FEC) ReceiveOne(pk *pak.Pak, curTime time.Time) {
	if !f.enabled {
		pk.Unref()
		return
	}

	hdr, err := rtp.ParseHeader(pk.Data())
	if err != nil {
		f.rtpParseDrops++
		pk.Unref()
		return
	}
	if !f.receiver.ProcessFEC(hdr) {
		f.rtpParseDrops++
		pk.Unref()
		return
	}

	if f.gate != nil && f.gate.QueryFEC(uint32(hdr.SequenceNumber)) == DecisionDrop {
		f.smDrops++
		pk.Unref()
		return
	}

	pk.PakType = pak.TypeFEC
	if !f.engine.Insert(pk) {
		f.pakseqDrops++
	}
}

// FECStats is a reset-on-read snapshot of FEC IS counters.
type FECStats struct {
	RTPParseDrops uint64
	SMDrops       uint64
	PakseqDrops   uint64
}

// Snapshot returns and optionally resets FEC IS counters.
func (f *FEC) Snapshot(reset bool) FECStats {
	s := FECStats{RTPParseDrops: f.rtpParseDrops, SMDrops: f.smDrops, PakseqDrops: f.pakseqDrops}
	if reset {
		f.rtpParseDrops, f.smDrops, f.pakseqDrops = 0, 0, 0
	}
	return s
}
