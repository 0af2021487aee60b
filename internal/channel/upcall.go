package channel

import "github.com/wmanley/vqec-dp/internal/upcall"

// payloadPriority ranks the reasons a dpchan descriptor can carry for the
// single-payload selection ack_upcall_irq performs alongside the full cause
// bitmask (see DESIGN.md's Open Question decision 1, "APP-path multi-`err`
// fan-out for `ack_device_irq`"):
// RCC_ABORT outranks RCC_NCSI, which outranks FAST_FILL_DONE, which
// outranks FEC_UPDATE, which outranks everything else.
var payloadPriority = []upcall.Reason{
	upcall.ReasonChanRCCAbort,
	upcall.ReasonChanRCCNCSI,
	upcall.ReasonChanFastFillDone,
	upcall.ReasonChanFECUpdate,
	upcall.ReasonChanBurstDone,
	upcall.ReasonChanPrimInactive,
	upcall.ReasonChanGenNumSync,
	upcall.ReasonPrimaryActive,
	upcall.ReasonPrimaryInactive,
	upcall.ReasonRepairActive,
	upcall.ReasonRepairInactive,
}

// AckUpcallIRQ acks dev's IRQ descriptor (ack_upcall_irq, spec.md §6),
// returning the entire accumulated cause bitmask plus one reason selected
// by priority order, for callers that want a single representative event
// rather than the raw bitmask.
func (c *Channel) AckUpcallIRQ(dev upcall.Device) (cause upcall.Reason, selected upcall.Reason) {
	cause = c.irq.Descriptor(dev).AckUpcallIRQ()
	for _, r := range payloadPriority {
		if cause&r != 0 {
			return cause, r
		}
	}
	return cause, 0
}

// PollUpcallIRQ acks all three devices at once (poll_upcall_irq, spec.md
// §6), for a control plane that wants to drain a channel's whole
// notification state in one call.
func (c *Channel) PollUpcallIRQ() upcall.PollResult {
	return c.irq.Poll()
}

// upcallEv raises reason on dev, framing and delivering the one-way upcall
// message through notifyUpcall exactly once per pending/ack cycle (spec.md
// §3's "at most one outstanding notification between acks" invariant,
// enforced by upcall.Descriptor itself).
func (c *Channel) upcallEv(dev upcall.Device, reason upcall.Reason) {
	desc := c.irq.Descriptor(dev)
	desc.TxUpcallEv(reason, func() {
		c.upcallGen++
		msg := upcall.Message{
			ChannelID:         c.id,
			CPHandle:          c.cpHandle,
			ChannelGeneration: c.generation,
			Device:            dev,
			DeviceID:          c.id,
			UpcallGeneration:  c.upcallGen,
		}
		if c.metrics != nil {
			c.metrics.UpcallsSent.WithLabelValues(dev.String()).Inc()
		}
		if c.notifyUpcall != nil {
			c.notifyUpcall(msg)
		}
	})
}
