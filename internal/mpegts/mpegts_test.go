package mpegts

import (
	"encoding/binary"
	"testing"
)

func TestBuildAndParsePAT(t *testing.T) {
	pkt := BuildPATPacket(3, 0x1000)
	p, err := ParsePacket(pkt[:])
	if err != nil {
		t.Fatalf("ParsePacket: %v", err)
	}
	if p.PID != PIDPAT || !p.PUSI {
		t.Fatalf("unexpected packet fields: %+v", p)
	}
	pat, err := ParsePAT(pkt[p.PayloadOffset:])
	if err != nil {
		t.Fatalf("ParsePAT: %v", err)
	}
	if pat.PMTPID != 0x1000 {
		t.Fatalf("expected PMT PID 0x1000, got 0x%x", pat.PMTPID)
	}
}

func TestBuildAndParsePMT(t *testing.T) {
	streams := []StreamInfo{
		{StreamType: 0x1B, PID: 0x0100},
		{StreamType: 0x0F, PID: 0x0101},
	}
	pkt, err := BuildPMTPacket(5, 0x1000, 0x0100, streams)
	if err != nil {
		t.Fatalf("BuildPMTPacket: %v", err)
	}
	p, err := ParsePacket(pkt[:])
	if err != nil {
		t.Fatalf("ParsePacket: %v", err)
	}
	pmt, err := ParsePMT(pkt[p.PayloadOffset:])
	if err != nil {
		t.Fatalf("ParsePMT: %v", err)
	}
	if pmt.PCRPID != 0x0100 {
		t.Fatalf("expected PCR PID 0x0100, got 0x%x", pmt.PCRPID)
	}
	if len(pmt.Streams) != 2 {
		t.Fatalf("expected 2 streams, got %d", len(pmt.Streams))
	}
	if pmt.Streams[0].StreamType != 0x1B || pmt.Streams[1].StreamType != 0x0F {
		t.Fatalf("unexpected stream types: %+v", pmt.Streams)
	}
}

func TestParsePCRRoundTrip(t *testing.T) {
	want := uint64(27000000) // 1 second at 27MHz
	base := want / 300
	ext := want % 300
	b := make([]byte, 6)
	b[0] = byte(base >> 25)
	b[1] = byte(base >> 17)
	b[2] = byte(base >> 9)
	b[3] = byte(base >> 1)
	b[4] = byte((base&0x01)<<7) | 0x7E | byte((ext>>8)&0x01)
	b[5] = byte(ext)
	got, ok := ParsePCR(b)
	if !ok {
		t.Fatalf("ParsePCR failed")
	}
	if got != want {
		t.Fatalf("got %d, want %d", got, want)
	}
}

func TestDecodeTSRAP(t *testing.T) {
	pat := BuildPATPacket(0, 0x1000)
	patSection := pat[5 : 5+16] // table_id .. CRC, no pointer field

	pmt, err := BuildPMTPacket(0, 0x1000, 0x0100, []StreamInfo{{StreamType: 0x1B, PID: 0x0100}})
	if err != nil {
		t.Fatalf("BuildPMTPacket: %v", err)
	}
	pmtSection := pmt[5 : 5+21]

	var tlv []byte
	tlv = appendTLV(tlv, tlvTagPATSection, patSection)
	tlv = appendTLV(tlv, tlvTagPMTSection, pmtSection)
	tlv = appendTLV(tlv, tlvTagFlags, []byte{flagRandomAccess})
	tlv = appendTLV(tlv, tlvTagPayload, make([]byte, 184*2))

	out, _, _, err := DecodeTSRAP(tlv, RAPConfig{PATRepeatCount: 2, PMTRepeatCount: 1, NumPCRs: 0})
	if err != nil {
		t.Fatalf("DecodeTSRAP: %v", err)
	}
	if len(out)%PacketLen != 0 {
		t.Fatalf("expected output to be a whole number of TS packets, got %d bytes", len(out))
	}
	// 2 PAT + 1 PMT + 2 payload packets expected.
	if len(out)/PacketLen != 5 {
		t.Fatalf("expected 5 packets, got %d", len(out)/PacketLen)
	}
}

func appendTLV(buf []byte, tag byte, value []byte) []byte {
	hdr := make([]byte, 3)
	hdr[0] = tag
	binary.BigEndian.PutUint16(hdr[1:3], uint16(len(value)))
	buf = append(buf, hdr...)
	buf = append(buf, value...)
	return buf
}

func TestParsePTSDTS(t *testing.T) {
	payload := make([]byte, 19)
	payload[0], payload[1], payload[2] = 0x00, 0x00, 0x01
	payload[7] = 0xC0 // PTS+DTS present
	payload[8] = 10    // header length
	// PTS marker bits: 0010 in top nibble for PTS-only-style encoding (but
	// since both present, top nibble is 0011).
	encodeTimestamp(payload[9:14], 0x3, 90000)
	encodeTimestamp(payload[14:19], 0x1, 45000)
	pts, dts, hasPTS, hasDTS := ParsePTSDTS(payload)
	if !hasPTS || !hasDTS {
		t.Fatalf("expected both PTS and DTS present")
	}
	if pts != 90000 || dts != 45000 {
		t.Fatalf("got pts=%d dts=%d, want 90000/45000", pts, dts)
	}
}

func encodeTimestamp(b []byte, marker byte, v uint64) {
	b[0] = (marker << 4) | byte((v>>29)&0x0E) | 0x01
	b[1] = byte(v >> 22)
	b[2] = byte((v>>14)&0xFE) | 0x01
	b[3] = byte(v >> 7)
	b[4] = byte((v<<1)&0xFE) | 0x01
}
