package upcall

import (
	"fmt"

	"github.com/wmanley/vqec-dp/internal/pak"
	"github.com/wmanley/vqec-dp/internal/vqerr"
)

// Sink receives framed eject-channel bytes bound for the control plane,
// returning an error if the frame could not be delivered (e.g. a closed
// socket), which EjectPacket folds into its own success/failure count
// (spec.md §4.3 "ejects are counted per success/failure").
type Sink interface {
	SendEject(frame []byte) error
}

// Ejecter implements is.Ejecter and is.FECGate's companion eject path: it
// frames a Pak as an EjectMessage and hands the wire bytes to a Sink,
// then releases the packet's reference (ownership is logically
// transferred to the eject channel for the duration of the send, which is
// synchronous here per spec.md §5's single-threaded dataplane).
type Ejecter struct {
	channelID uint32
	cpHandle  uint32
	isID      uint32
	sink      Sink
}

// NewEjecter builds an Ejecter bound to one (channel, input-stream) pair.
func NewEjecter(channelID, cpHandle, isID uint32, sink Sink) *Ejecter {
	return &Ejecter{channelID: channelID, cpHandle: cpHandle, isID: isID, sink: sink}
}

// EjectPacket satisfies is.Ejecter.
func (e *Ejecter) EjectPacket(pk *pak.Pak) error {
	defer pk.Unref()

	msg := EjectMessage{
		ChannelID:   e.channelID,
		CPHandle:    e.cpHandle,
		ISID:        e.isID,
		RxTimestamp: pk.RxTimestamp.UnixNano(),
		SrcPort:     uint16(pk.SrcPort),
		Payload:     pk.Data(),
	}
	if ip4 := pk.SrcAddr.To4(); ip4 != nil {
		copy(msg.SrcAddr[:4], ip4)
	} else if ip16 := pk.SrcAddr.To16(); ip16 != nil {
		copy(msg.SrcAddr[:], ip16)
	}

	if e.sink == nil {
		return fmt.Errorf("upcall: %w: no eject sink configured", vqerr.ErrInternal)
	}
	return e.sink.SendEject(msg.Marshal())
}
