// Package rtp implements the per-stream RTP validation, source tracking,
// and drop counters of spec.md §4.2, and the RTP header field access the
// Input Streams need to strip/re-stamp headers in place.
//
// Wire layout follows RFC 3550 §5.1; field access mirrors the
// tag-length-value byte surgery style used for binary wire formats
// elsewhere in the corpus (e.g. the teacher's HDHomeRun packet framing).
package rtp

import (
	"encoding/binary"
	"fmt"

	"github.com/wmanley/vqec-dp/internal/vqerr"
)

// MinHeaderLen is the fixed RTP header size before CSRC/extension.
const MinHeaderLen = 12

// Header is a thin view over an RTP header's fixed fields, read from/written
// to a byte slice in place. It does not copy.
type Header struct {
	Version        uint8
	Padding        bool
	Extension      bool
	CSRCCount      uint8
	Marker         bool
	PayloadType    uint8
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           uint32

	// HeaderLen is the total header length including CSRC list and any
	// extension, i.e. the payload starts at this offset.
	HeaderLen int
}

// ParseHeader validates and parses an RTP header from buf per spec.md §4.2:
// version check, minimum length (fixed-header + 4*CSRCCount + optional
// extension), payload-type plausibility is left to the caller (session
// context decides which PTs are acceptable).
func ParseHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < MinHeaderLen {
		return h, fmt.Errorf("rtp: %w: header too short (%d bytes)", vqerr.ErrInvalidArgument, len(buf))
	}
	h.Version = buf[0] >> 6
	if h.Version != 2 {
		return h, fmt.Errorf("rtp: %w: bad version %d", vqerr.ErrInvalidArgument, h.Version)
	}
	h.Padding = buf[0]&0x20 != 0
	h.Extension = buf[0]&0x10 != 0
	h.CSRCCount = buf[0] & 0x0F
	h.Marker = buf[1]&0x80 != 0
	h.PayloadType = buf[1] & 0x7F
	h.SequenceNumber = binary.BigEndian.Uint16(buf[2:4])
	h.Timestamp = binary.BigEndian.Uint32(buf[4:8])
	h.SSRC = binary.BigEndian.Uint32(buf[8:12])

	headerLen := MinHeaderLen + 4*int(h.CSRCCount)
	if len(buf) < headerLen {
		return h, fmt.Errorf("rtp: %w: truncated CSRC list", vqerr.ErrInvalidArgument)
	}
	if h.Extension {
		if len(buf) < headerLen+4 {
			return h, fmt.Errorf("rtp: %w: truncated extension header", vqerr.ErrInvalidArgument)
		}
		extLenWords := int(binary.BigEndian.Uint16(buf[headerLen+2 : headerLen+4]))
		headerLen += 4 + extLenWords*4
		if len(buf) < headerLen {
			return h, fmt.Errorf("rtp: %w: truncated extension data", vqerr.ErrInvalidArgument)
		}
	}
	h.HeaderLen = headerLen
	return h, nil
}

// WriteMinimalHeader writes a 12-byte RTP header (no CSRC/extension) into
// buf[:12], for the re-stamp paths (repair OSN-strip, synthetic APP RTP).
func WriteMinimalHeader(buf []byte, h Header) error {
	if len(buf) < MinHeaderLen {
		return fmt.Errorf("rtp: %w: buffer too small for header", vqerr.ErrInvalidArgument)
	}
	b0 := (h.Version << 6)
	if h.Padding {
		b0 |= 0x20
	}
	if h.Extension {
		b0 |= 0x10
	}
	b0 |= h.CSRCCount & 0x0F
	buf[0] = b0
	b1 := h.PayloadType & 0x7F
	if h.Marker {
		b1 |= 0x80
	}
	buf[1] = b1
	binary.BigEndian.PutUint16(buf[2:4], h.SequenceNumber)
	binary.BigEndian.PutUint32(buf[4:8], h.Timestamp)
	binary.BigEndian.PutUint32(buf[8:12], h.SSRC)
	return nil
}

// SetSequenceNumber patches just the sequence field of an already-written
// header in place (network byte order), per the synthetic-APP-RTP
// construction in spec.md §4.9.
func SetSequenceNumber(buf []byte, seq uint16) error {
	if len(buf) < 4 {
		return fmt.Errorf("rtp: %w: buffer too small", vqerr.ErrInvalidArgument)
	}
	binary.BigEndian.PutUint16(buf[2:4], seq)
	return nil
}

// PayloadTypeMP2T is the standard RTP payload type for MPEG2-TS (RFC 2250).
const PayloadTypeMP2T = 33

// LooksLikeSTUN reports whether the first byte's top two bits are 00, the
// heuristic spec.md §4.3/§4.4 use to distinguish a misdirected STUN packet
// from a malformed RTP/repair packet.
func LooksLikeSTUN(buf []byte) bool {
	if len(buf) == 0 {
		return false
	}
	return buf[0]&0xC0 == 0
}
