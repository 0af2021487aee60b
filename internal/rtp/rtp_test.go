package rtp

import (
	"net"
	"testing"
)

func buildHeader(seq uint16, ssrc uint32) []byte {
	buf := make([]byte, MinHeaderLen)
	buf[0] = 0x80 // version 2, no padding/extension/csrc
	buf[1] = PayloadTypeMP2T
	buf[2] = byte(seq >> 8)
	buf[3] = byte(seq)
	buf[8] = byte(ssrc >> 24)
	buf[9] = byte(ssrc >> 16)
	buf[10] = byte(ssrc >> 8)
	buf[11] = byte(ssrc)
	return buf
}

func TestParseHeaderRejectsShort(t *testing.T) {
	if _, err := ParseHeader([]byte{0x80, 0x21, 0, 1}); err == nil {
		t.Fatalf("expected error for short buffer")
	}
}

func TestParseHeaderRejectsBadVersion(t *testing.T) {
	buf := buildHeader(1, 42)
	buf[0] = 0x40 // version 1
	if _, err := ParseHeader(buf); err == nil {
		t.Fatalf("expected error for bad version")
	}
}

func TestParseHeaderRoundTrip(t *testing.T) {
	buf := buildHeader(1000, 0xDEADBEEF)
	h, err := ParseHeader(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.Version != 2 {
		t.Fatalf("version = %d, want 2", h.Version)
	}
	if h.SequenceNumber != 1000 {
		t.Fatalf("seq = %d, want 1000", h.SequenceNumber)
	}
	if h.SSRC != 0xDEADBEEF {
		t.Fatalf("ssrc = %#x, want 0xDEADBEEF", h.SSRC)
	}
	if h.HeaderLen != MinHeaderLen {
		t.Fatalf("headerlen = %d, want %d", h.HeaderLen, MinHeaderLen)
	}
}

func TestParseHeaderCSRCExtension(t *testing.T) {
	buf := buildHeader(1, 1)
	buf[0] = 0x82 // version 2, csrc count = 2, no CSRC words supplied
	if _, err := ParseHeader(buf); err == nil {
		t.Fatalf("expected truncated-CSRC error without enough bytes")
	}
	withCSRC := append(buf, make([]byte, 8)...)
	h, err := ParseHeader(withCSRC)
	if err != nil {
		t.Fatalf("unexpected error with full CSRC list: %v", err)
	}
	if h.HeaderLen != MinHeaderLen+8 {
		t.Fatalf("headerlen = %d, want %d", h.HeaderLen, MinHeaderLen+8)
	}
}

func TestWriteMinimalHeaderThenParseRoundTrips(t *testing.T) {
	buf := make([]byte, MinHeaderLen)
	in := Header{Version: 2, Marker: true, PayloadType: PayloadTypeMP2T, SequenceNumber: 55, Timestamp: 99, SSRC: 7}
	if err := WriteMinimalHeader(buf, in); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out, err := ParseHeader(buf)
	if err != nil {
		t.Fatalf("unexpected error parsing written header: %v", err)
	}
	if out.SequenceNumber != 55 || out.Timestamp != 99 || out.SSRC != 7 || !out.Marker {
		t.Fatalf("round-trip mismatch: %+v", out)
	}
}

func TestSetSequenceNumberPatchesInPlace(t *testing.T) {
	buf := buildHeader(1, 2)
	if err := SetSequenceNumber(buf, 0xBEEF); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h, err := ParseHeader(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.SequenceNumber != 0xBEEF {
		t.Fatalf("seq = %#x, want 0xbeef", h.SequenceNumber)
	}
}

func TestLooksLikeSTUN(t *testing.T) {
	if !LooksLikeSTUN([]byte{0x00, 0x01}) {
		t.Fatalf("0x00 prefix should look like STUN")
	}
	if !LooksLikeSTUN([]byte{0x3F, 0x01}) {
		t.Fatalf("0x3F prefix (top two bits 00) should look like STUN")
	}
	if LooksLikeSTUN([]byte{0x80, 0x01}) {
		t.Fatalf("0x80 prefix (RTP version 2) should not look like STUN")
	}
	if LooksLikeSTUN(nil) {
		t.Fatalf("empty buffer should not look like STUN")
	}
}

func TestProcessPrimaryFirstSourceBecomesActive(t *testing.T) {
	r := NewReceiver()
	h, _ := ParseHeader(buildHeader(100, 1))
	res := r.ProcessPrimary(h, net.ParseIP("10.0.0.1"), 5000)
	if !res.Accepted {
		t.Fatalf("first packet from first source should be accepted")
	}
	src, ok := r.ActiveSource()
	if !ok || !src.PacketFlowActive {
		t.Fatalf("first source should become packet-flow-permitted")
	}
}

func TestProcessPrimaryLateAndDuplicate(t *testing.T) {
	r := NewReceiver()
	h1, _ := ParseHeader(buildHeader(100, 1))
	r.ProcessPrimary(h1, net.ParseIP("10.0.0.1"), 5000)

	h2, _ := ParseHeader(buildHeader(100, 1))
	dup := r.ProcessPrimary(h2, net.ParseIP("10.0.0.1"), 5000)
	if dup.Accepted || dup.DropFlag != "duplicate" {
		t.Fatalf("repeated seq should be flagged duplicate, got %+v", dup)
	}

	h3, _ := ParseHeader(buildHeader(50, 1))
	late := r.ProcessPrimary(h3, net.ParseIP("10.0.0.1"), 5000)
	if late.Accepted || late.DropFlag != "late" {
		t.Fatalf("seq below highest should be flagged late, got %+v", late)
	}
}

func TestPromoteSourceSwitchesActive(t *testing.T) {
	r := NewReceiver()
	h1, _ := ParseHeader(buildHeader(1, 1))
	r.ProcessPrimary(h1, net.ParseIP("10.0.0.1"), 5000)
	h2, _ := ParseHeader(buildHeader(1, 2))
	r.ProcessPrimary(h2, net.ParseIP("10.0.0.2"), 5001)

	key2 := SourceKey{SSRC: 2, Addr: "10.0.0.2", Port: 5001}
	if err := r.PromoteSource(key2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	active, ok := r.ActiveSource()
	if !ok || active.Key != key2 {
		t.Fatalf("active source should be key2 after promote, got %+v", active)
	}
}

func TestSessionStatsSnapshotResets(t *testing.T) {
	r := NewReceiver()
	h, _ := ParseHeader(buildHeader(1, 1))
	r.ProcessPrimary(h, net.ParseIP("10.0.0.1"), 5000)
	r.AddParseDrop()

	s1 := r.Stats(true)
	if s1.InputCount != 1 || s1.ParseDrops != 1 {
		t.Fatalf("unexpected snapshot: %+v", s1)
	}
	s2 := r.Stats(false)
	if s2.InputCount != 0 || s2.ParseDrops != 0 {
		t.Fatalf("counters should reset after first snapshot: %+v", s2)
	}
}
