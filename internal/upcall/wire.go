package upcall

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/wmanley/vqec-dp/internal/vqerr"
)

// Message is the one-way dataplane-to-control-plane upcall frame of
// spec.md §6: "(channel_id, control-plane-handle, channel_generation,
// device, device_id, upcall_generation)".
//
// Wire layout mirrors the teacher's HDHomeRun packet framing
// (type + length + payload + CRC), generalized to this message's fixed
// field set instead of a discovery TLV payload:
//
//	uint32  ChannelID
//	uint32  CPHandle
//	uint32  ChannelGeneration
//	uint8   Device
//	uint32  DeviceID
//	uint32  UpcallGeneration
//	uint32  CRC32 (IEEE, big-endian, over everything preceding it)
const wireLen = 4 + 4 + 4 + 1 + 4 + 4 + 4

// Message is one framed upcall notification.
type Message struct {
	ChannelID         uint32
	CPHandle          uint32
	ChannelGeneration uint32
	Device            Device
	DeviceID          uint32
	UpcallGeneration  uint32
}

// Marshal serializes m to its wire frame.
func (m Message) Marshal() []byte {
	buf := make([]byte, wireLen)
	binary.BigEndian.PutUint32(buf[0:4], m.ChannelID)
	binary.BigEndian.PutUint32(buf[4:8], m.CPHandle)
	binary.BigEndian.PutUint32(buf[8:12], m.ChannelGeneration)
	buf[12] = byte(m.Device)
	binary.BigEndian.PutUint32(buf[13:17], m.DeviceID)
	binary.BigEndian.PutUint32(buf[17:21], m.UpcallGeneration)
	crc := crc32.ChecksumIEEE(buf[:21])
	binary.BigEndian.PutUint32(buf[21:25], crc)
	return buf
}

// UnmarshalMessage parses and CRC-validates a wire frame.
func UnmarshalMessage(buf []byte) (Message, error) {
	var m Message
	if len(buf) < wireLen {
		return m, fmt.Errorf("upcall: %w: message too short (%d bytes)", vqerr.ErrInvalidArgument, len(buf))
	}
	got := binary.BigEndian.Uint32(buf[21:25])
	want := crc32.ChecksumIEEE(buf[:21])
	if got != want {
		return m, fmt.Errorf("upcall: %w: CRC mismatch (got 0x%08x, want 0x%08x)", vqerr.ErrInvalidArgument, got, want)
	}
	m.ChannelID = binary.BigEndian.Uint32(buf[0:4])
	m.CPHandle = binary.BigEndian.Uint32(buf[4:8])
	m.ChannelGeneration = binary.BigEndian.Uint32(buf[8:12])
	m.Device = Device(buf[12])
	m.DeviceID = binary.BigEndian.Uint32(buf[13:17])
	m.UpcallGeneration = binary.BigEndian.Uint32(buf[17:21])
	return m, nil
}

// EjectMessage is the packet-eject channel message of spec.md §6:
// "(channel_id, control-plane-handle, is_id, rx_timestamp, src_addr,
// src_port, length) followed by the raw packet bytes" — used to forward
// misdirected STUN packets to the control plane.
type EjectMessage struct {
	ChannelID   uint32
	CPHandle    uint32
	ISID        uint32
	RxTimestamp int64 // Unix nanoseconds
	SrcAddr     [16]byte
	SrcPort     uint16
	Payload     []byte
}

const ejectHeaderLen = 4 + 4 + 4 + 8 + 16 + 2 + 2 // trailing 2 bytes: payload length

// Marshal serializes an EjectMessage: fixed header, then payload bytes.
func (e EjectMessage) Marshal() []byte {
	buf := make([]byte, ejectHeaderLen+len(e.Payload))
	binary.BigEndian.PutUint32(buf[0:4], e.ChannelID)
	binary.BigEndian.PutUint32(buf[4:8], e.CPHandle)
	binary.BigEndian.PutUint32(buf[8:12], e.ISID)
	binary.BigEndian.PutUint64(buf[12:20], uint64(e.RxTimestamp))
	copy(buf[20:36], e.SrcAddr[:])
	binary.BigEndian.PutUint16(buf[36:38], e.SrcPort)
	binary.BigEndian.PutUint16(buf[38:40], uint16(len(e.Payload)))
	copy(buf[ejectHeaderLen:], e.Payload)
	return buf
}

// UnmarshalEjectMessage parses an EjectMessage frame.
func UnmarshalEjectMessage(buf []byte) (EjectMessage, error) {
	var e EjectMessage
	if len(buf) < ejectHeaderLen {
		return e, fmt.Errorf("upcall: %w: eject message too short", vqerr.ErrInvalidArgument)
	}
	e.ChannelID = binary.BigEndian.Uint32(buf[0:4])
	e.CPHandle = binary.BigEndian.Uint32(buf[4:8])
	e.ISID = binary.BigEndian.Uint32(buf[8:12])
	e.RxTimestamp = int64(binary.BigEndian.Uint64(buf[12:20]))
	copy(e.SrcAddr[:], buf[20:36])
	e.SrcPort = binary.BigEndian.Uint16(buf[36:38])
	n := int(binary.BigEndian.Uint16(buf[38:40]))
	if len(buf) < ejectHeaderLen+n {
		return e, fmt.Errorf("upcall: %w: eject payload truncated (need %d, have %d)", vqerr.ErrInvalidArgument, n, len(buf)-ejectHeaderLen)
	}
	e.Payload = make([]byte, n)
	copy(e.Payload, buf[ejectHeaderLen:ejectHeaderLen+n])
	return e, nil
}
