package mpegts

import (
	"encoding/binary"
	"fmt"
)

// TLV tags making up a TS-Rapid-Acquisition-Point message. The exact wire
// grammar is control-plane territory (out of scope per spec.md's
// Non-goals); this is the TLV shape the dataplane's TS-RAP decoder
// consumes once the control plane has framed it.
const (
	tlvTagPATSection byte = 0x01
	tlvTagPMTSection byte = 0x02
	tlvTagPCRBase    byte = 0x03
	tlvTagPayload    byte = 0x04
	tlvTagFlags      byte = 0x05
)

const flagRandomAccess = 0x01
const flagDiscontinuity = 0x02

// RAPConfig bundles the TS-RAP decode knobs recorded from process_app
// (spec.md §4.9 step 1: "using the configured knobs").
type RAPConfig struct {
	PATRepeatCount int
	PMTRepeatCount int
	NumPCRs        int
}

// rapEntry is one decoded top-level TLV entry.
type rapEntry struct {
	tag   byte
	value []byte
}

func decodeTLVEntries(buf []byte) ([]rapEntry, error) {
	var entries []rapEntry
	for len(buf) > 0 {
		if len(buf) < 3 {
			return nil, fmt.Errorf("mpegts: truncated TLV header")
		}
		tag := buf[0]
		length := int(binary.BigEndian.Uint16(buf[1:3]))
		if len(buf) < 3+length {
			return nil, fmt.Errorf("mpegts: TLV value overruns buffer (tag 0x%02x, len %d)", tag, length)
		}
		entries = append(entries, rapEntry{tag: tag, value: buf[3 : 3+length]})
		buf = buf[3+length:]
	}
	return entries, nil
}

// DecodeTSRAP parses a TS-Rapid-Acquisition-Point TLV message into a
// contiguous buffer of 188-byte MPEG-TS packets (spec.md §4.9 step 1):
// PAT/PMT sections are repeated cfg.PATRepeatCount/PMTRepeatCount times,
// up to cfg.NumPCRs PCR values are stamped onto the adaptation field of
// the leading payload packets, and the first emitted packet carries the
// random-access and discontinuity indicators the TLV's flags entry
// requests.
func DecodeTSRAP(tlv []byte, cfg RAPConfig) ([]byte, PAT, PMT, error) {
	entries, err := decodeTLVEntries(tlv)
	if err != nil {
		return nil, PAT{}, PMT{}, err
	}

	var patSection, pmtSection []byte
	var pcrBases []uint64
	var payloadChunks [][]byte
	var randomAccess, discontinuity bool

	for _, e := range entries {
		switch e.tag {
		case tlvTagPATSection:
			patSection = e.value
		case tlvTagPMTSection:
			pmtSection = e.value
		case tlvTagPCRBase:
			if len(e.value) != 8 {
				return nil, PAT{}, PMT{}, fmt.Errorf("mpegts: PCR base TLV must be 8 bytes, got %d", len(e.value))
			}
			pcrBases = append(pcrBases, binary.BigEndian.Uint64(e.value))
		case tlvTagPayload:
			payloadChunks = append(payloadChunks, e.value)
		case tlvTagFlags:
			if len(e.value) != 1 {
				return nil, PAT{}, PMT{}, fmt.Errorf("mpegts: flags TLV must be 1 byte, got %d", len(e.value))
			}
			randomAccess = e.value[0]&flagRandomAccess != 0
			discontinuity = e.value[0]&flagDiscontinuity != 0
		default:
			// Unknown tags are tolerated: the TLV grammar is
			// forward-extensible per the control plane's versioning.
		}
	}
	if patSection == nil || pmtSection == nil {
		return nil, PAT{}, PMT{}, fmt.Errorf("mpegts: TS-RAP message missing PAT or PMT section")
	}

	pat, err := ParsePAT(prependPointerField(patSection))
	if err != nil {
		return nil, PAT{}, PMT{}, fmt.Errorf("mpegts: decoding embedded PAT: %w", err)
	}
	pmt, err := ParsePMT(prependPointerField(pmtSection))
	if err != nil {
		return nil, PAT{}, PMT{}, fmt.Errorf("mpegts: decoding embedded PMT: %w", err)
	}

	var out []byte
	var patCC, pmtCC uint8

	patRepeats := cfg.PATRepeatCount
	if patRepeats < 1 {
		patRepeats = 1
	}
	pmtRepeats := cfg.PMTRepeatCount
	if pmtRepeats < 1 {
		pmtRepeats = 1
	}

	for i := 0; i < patRepeats; i++ {
		pkt := BuildPATPacket(patCC, pat.PMTPID)
		out = append(out, pkt[:]...)
		patCC = NextContinuityCounter(patCC)
	}
	for i := 0; i < pmtRepeats; i++ {
		pkt, err := BuildPMTPacket(pmtCC, pat.PMTPID, pmt.PCRPID, pmt.Streams)
		if err != nil {
			return nil, PAT{}, PMT{}, err
		}
		out = append(out, pkt[:]...)
		pmtCC = NextContinuityCounter(pmtCC)
	}

	numPCRs := cfg.NumPCRs
	if numPCRs > len(pcrBases) {
		numPCRs = len(pcrBases)
	}
	for i, chunk := range payloadChunks {
		pkts, err := wrapPayloadChunk(chunk, pmt.PCRPID)
		if err != nil {
			return nil, PAT{}, PMT{}, err
		}
		if i == 0 && len(pkts) > 0 {
			stampAdaptationFlags(pkts[0], randomAccess, discontinuity)
		}
		if i < numPCRs && len(pkts) > 0 {
			stampPCR(pkts[0], pmt.PCRPID, pcrBases[i])
		}
		for _, pkt := range pkts {
			out = append(out, pkt...)
		}
	}
	return out, pat, pmt, nil
}

// prependPointerField wraps a raw PSI section with a zero pointer_field,
// matching the payload layout ParsePAT/ParsePMT expect.
func prependPointerField(section []byte) []byte {
	buf := make([]byte, 1+len(section))
	buf[0] = 0x00
	copy(buf[1:], section)
	return buf
}

// wrapPayloadChunk splits an arbitrarily long payload chunk into 184-byte
// payload-carrying TS packets on pid, setting PUSI on the first.
func wrapPayloadChunk(chunk []byte, pid uint16) ([][]byte, error) {
	const maxPayload = PacketLen - 4
	var pkts [][]byte
	first := true
	for len(chunk) > 0 {
		n := len(chunk)
		if n > maxPayload {
			n = maxPayload
		}
		pkt := make([]byte, PacketLen)
		pkt[0] = SyncByte
		b1 := byte((pid >> 8) & 0x1F)
		if first {
			b1 |= 0x40
		}
		pkt[1] = b1
		pkt[2] = byte(pid & 0xFF)
		pkt[3] = 0x10 // payload only, cc patched by caller if needed
		copy(pkt[4:4+n], chunk[:n])
		for i := 4 + n; i < PacketLen; i++ {
			pkt[i] = 0xFF
		}
		pkts = append(pkts, pkt)
		chunk = chunk[n:]
		first = false
	}
	return pkts, nil
}

// stampAdaptationFlags rewrites pkt's first bytes to carry a minimal
// adaptation field with the random-access/discontinuity indicators,
// shrinking the payload capacity by 2 bytes to make room.
func stampAdaptationFlags(pkt []byte, randomAccess, discontinuity bool) {
	if len(pkt) != PacketLen {
		return
	}
	pkt[3] = (pkt[3] & 0x0F) | 0x30 // adaptation + payload
	flags := byte(0)
	if discontinuity {
		flags |= 0x80
	}
	if randomAccess {
		flags |= 0x40
	}
	// Shift payload right by 2 to make room for adaptation_field_length +
	// flags byte; content beyond PacketLen is truncated (padded with 0xFF
	// at the tail, which is always present given wrapPayloadChunk leaves
	// slack for anything but a maximally full packet).
	copy(pkt[6:], pkt[4:PacketLen-2])
	pkt[4] = 0x01 // adaptation_field_length
	pkt[5] = flags
}

// stampPCR writes a 6-byte PCR into pkt's adaptation field, extending the
// adaptation field if needed. Assumes stampAdaptationFlags has already run
// or the packet otherwise has at least 7 bytes of adaptation room.
func stampPCR(pkt []byte, pid uint16, pcrValue uint64) {
	if len(pkt) != PacketLen {
		return
	}
	got := (uint16(pkt[1]&0x1F) << 8) | uint16(pkt[2])
	if got != pid {
		return
	}
	afc := (pkt[3] >> 4) & 0x03
	if afc != 2 && afc != 3 {
		return
	}
	alen := int(pkt[4])
	if alen < 7 {
		// Not enough room reserved; extend in place if the tail has slack.
		needed := 7 - alen
		copy(pkt[5+alen+needed:], pkt[5+alen:PacketLen-needed])
		pkt[4] = byte(alen + needed)
		alen += needed
	}
	pkt[5] |= 0x10 // PCR_flag
	base := pcrValue / 300
	ext := pcrValue % 300
	b := pkt[6 : 12]
	b[0] = byte(base >> 25)
	b[1] = byte(base >> 17)
	b[2] = byte(base >> 9)
	b[3] = byte(base >> 1)
	b[4] = byte((base&0x01)<<7) | 0x7E | byte((ext>>8)&0x01)
	b[5] = byte(ext)
}
