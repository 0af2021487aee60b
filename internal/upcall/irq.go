// Package upcall implements the dataplane-to-control-plane notification
// surface of spec.md §3 and §4.9: the per-(channel, device) IRQ descriptor
// with its pending/cause latch, the one-way upcall wire message, and the
// packet-eject channel used to forward misdirected STUN packets to the
// control plane.
package upcall

import (
	"sync"
)

// Device identifies which of a channel's IRQ-bearing components raised a
// reason (spec.md §3: "one IRQ descriptor per (channel, device) pair").
type Device int

const (
	DevicePrimary Device = iota
	DeviceRepair
	DeviceDPChan
)

func (d Device) String() string {
	switch d {
	case DevicePrimary:
		return "primary"
	case DeviceRepair:
		return "repair"
	case DeviceDPChan:
		return "dpchan"
	default:
		return "unknown"
	}
}

// Reason is a bitmask of upcall reason codes (spec.md §6).
type Reason uint32

const (
	ReasonPrimaryActive Reason = 1 << iota
	ReasonPrimaryInactive
	ReasonRepairActive
	ReasonRepairInactive
	ReasonChanRCCNCSI
	ReasonChanRCCAbort
	ReasonChanFastFillDone
	ReasonChanFECUpdate
	ReasonChanBurstDone
	ReasonChanPrimInactive
	ReasonChanGenNumSync
)

// Descriptor is the per-(channel, device) IRQ latch of spec.md §3: while
// Pending is true, TxUpcallEv accumulates reason bits into Cause but emits
// no further notification; AckUpcallIRQ clears both and returns the
// accumulated cause.
type Descriptor struct {
	mu      sync.Mutex
	pending bool
	cause   Reason

	inputEvents, sent, dropped, acknowledged, spuriousAcks uint64
}

// NewDescriptor returns a Descriptor in the idle (not pending) state.
func NewDescriptor() *Descriptor {
	return &Descriptor{}
}

// TxUpcallEv sets reason in the descriptor's cause bitmap. If the
// descriptor was not already pending, it transitions to pending and
// notify is called exactly once to enqueue the one-way IRQ message; if
// already pending, the reason bits still accumulate but notify is not
// called (spec.md §3 invariant, §8 P3).
func (d *Descriptor) TxUpcallEv(reason Reason, notify func()) {
	d.mu.Lock()
	d.inputEvents++
	d.cause |= reason
	alreadyPending := d.pending
	d.pending = true
	d.mu.Unlock()

	if alreadyPending {
		d.mu.Lock()
		d.dropped++
		d.mu.Unlock()
		return
	}
	d.mu.Lock()
	d.sent++
	d.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// AckUpcallIRQ atomically reads and clears the accumulated cause bitmap,
// clearing Pending so a subsequent TxUpcallEv notifies again. Acking a
// non-pending descriptor is a spurious ack: it is counted but returns a
// zero cause.
func (d *Descriptor) AckUpcallIRQ() Reason {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.pending {
		d.spuriousAcks++
		return 0
	}
	cause := d.cause
	d.cause = 0
	d.pending = false
	d.acknowledged++
	return cause
}

// Pending reports whether the descriptor currently has an unacknowledged
// notification outstanding.
func (d *Descriptor) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Cause returns the currently accumulated reason bitmap without clearing
// it, for diagnostics (e.g. get_status).
func (d *Descriptor) Cause() Reason {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cause
}

// Counters is a snapshot of a Descriptor's spec.md §3 counter set.
type Counters struct {
	InputEvents   uint64
	Sent          uint64
	Dropped       uint64
	Acknowledged  uint64
	SpuriousAcks  uint64
}

// Snapshot returns the descriptor's counters without resetting them; the
// counters are cumulative for the channel's lifetime per spec.md §5
// ("Persistent state: none owned by the core. Histograms and counters are
// in-memory").
func (d *Descriptor) Snapshot() Counters {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Counters{
		InputEvents:  d.inputEvents,
		Sent:         d.sent,
		Dropped:      d.dropped,
		Acknowledged: d.acknowledged,
		SpuriousAcks: d.spuriousAcks,
	}
}

// Set holds the three IRQ descriptors a channel owns, one per Device.
type Set struct {
	descs [3]*Descriptor
}

// NewSet builds a Set with all three descriptors idle.
func NewSet() *Set {
	return &Set{descs: [3]*Descriptor{NewDescriptor(), NewDescriptor(), NewDescriptor()}}
}

// Descriptor returns the descriptor for dev.
func (s *Set) Descriptor(dev Device) *Descriptor {
	return s.descs[dev]
}

// PollResult is the result of atomically acking all three devices at once
// (spec.md §6 `poll_upcall_irq`).
type PollResult struct {
	Cause [3]Reason
}

// Poll acks all three devices in a fixed order and returns their
// accumulated causes, so the control plane can drain a channel's whole
// notification state in one call.
func (s *Set) Poll() PollResult {
	var r PollResult
	for i, d := range s.descs {
		r.Cause[i] = d.AckUpcallIRQ()
	}
	return r
}
