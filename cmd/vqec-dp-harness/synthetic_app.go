package main

import (
	"encoding/binary"
	"log"
	"time"

	"github.com/wmanley/vqec-dp/internal/channel"
	"github.com/wmanley/vqec-dp/internal/config"
)

// syntheticAppArgs bundles the RCC timing knobs and TS-RAP repeat counts
// needed to synthesize one APP message, standing in for the control
// plane's real APP trigger.
type syntheticAppArgs struct {
	startSeqNum     uint32
	dtEarliestJoin  time.Duration
	dtRepairEnd     time.Duration
	erHoldoff       time.Duration
	firstRepairWait time.Duration
	rapConfig       config.ModuleParams
}

// triggerSyntheticRCC builds a minimal TS-RAP TLV message carrying one
// program with one elementary stream and feeds it to the channel's
// process_app, simulating the control plane's join trigger so the
// harness can demonstrate RCC end to end without a real channel-change
// server.
func triggerSyntheticRCC(ch *channel.Channel, args syntheticAppArgs) {
	tlv := buildSyntheticTSRAPTLV()
	params := channel.AppParams{
		StartSeqNum:         args.startSeqNum,
		FirstRepairDeadline: time.Now().Add(args.firstRepairWait),
		DtEarliestJoin:      args.dtEarliestJoin,
		ErHoldoffTime:       args.erHoldoff,
		DtRepairEnd:         args.dtRepairEnd,
	}
	if err := ch.ProcessApp(tlv, params); err != nil {
		log.Printf("synthetic app: process_app: %v", err)
		return
	}
	log.Printf("synthetic app: process_app ok, start_seq=%d first_repair_deadline=%s", args.startSeqNum, params.FirstRepairDeadline.Format(time.RFC3339Nano))
}

const (
	syntheticProgramNumber = 1
	syntheticPMTPID        = 0x0100
	syntheticPCRPID        = 0x0101
	syntheticStreamPID     = 0x0101
	syntheticStreamType    = 0x1B // H.264, picked for plausibility only
)

// buildSyntheticTSRAPTLV assembles a TS-RAP TLV message with one PAT
// section, one PMT section, one PCR base, a small payload chunk, and a
// flags entry requesting random-access + discontinuity on the first
// output packet, matching the TLV grammar internal/mpegts.DecodeTSRAP
// consumes.
func buildSyntheticTSRAPTLV() []byte {
	pat := buildSyntheticPAT()
	pmt := buildSyntheticPMT()

	var tlv []byte
	tlv = appendTLVEntry(tlv, 0x01, pat)
	tlv = appendTLVEntry(tlv, 0x02, pmt)

	pcrBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(pcrBuf, 0)
	tlv = appendTLVEntry(tlv, 0x03, pcrBuf)

	payload := buildSyntheticPayload()
	tlv = appendTLVEntry(tlv, 0x04, payload)

	tlv = appendTLVEntry(tlv, 0x05, []byte{0x01 | 0x02})

	return tlv
}

func appendTLVEntry(buf []byte, tag byte, value []byte) []byte {
	buf = append(buf, tag)
	lenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBuf, uint16(len(value)))
	buf = append(buf, lenBuf...)
	return append(buf, value...)
}

// buildSyntheticPAT builds a minimal raw PAT section (no pointer_field,
// DecodeTSRAP prepends that) naming one program pointing at
// syntheticPMTPID. The trailing CRC32 is left zero: ParsePAT validates
// only section_length, not the CRC.
func buildSyntheticPAT() []byte {
	sec := make([]byte, 16)
	sec[0] = 0x00 // table_id

	const sectionLen = 13 // TSID(2)+resv/ver(1)+secnum(1)+lastsecnum(1)+program(2)+pid(2)+CRC(4)
	sec[1] = 0xB0 | byte((sectionLen>>8)&0x0F)
	sec[2] = byte(sectionLen & 0xFF)

	binary.BigEndian.PutUint16(sec[3:5], 1) // transport_stream_id
	sec[5] = 0xC1                           // reserved+version+current_next
	sec[6] = 0x00                           // section_number
	sec[7] = 0x00                           // last_section_number

	binary.BigEndian.PutUint16(sec[8:10], syntheticProgramNumber)
	sec[10] = 0xE0 | byte((syntheticPMTPID>>8)&0x1F)
	sec[11] = byte(syntheticPMTPID & 0xFF)
	// sec[12:16] CRC32, left zero.
	return sec
}

// buildSyntheticPMT builds a minimal raw PMT section naming one
// elementary stream with no program_info or ES info, on syntheticPCRPID
// and syntheticStreamPID.
func buildSyntheticPMT() []byte {
	sec := make([]byte, 21)
	sec[0] = 0x02 // table_id

	const sectionLen = 18 // program(2)+resv/ver(1)+secnum(1)+lastsecnum(1)+pcrpid(2)+proginfolen(2)+stream(1)+pid(2)+esinfolen(2)+CRC(4)
	sec[1] = 0xB0 | byte((sectionLen>>8)&0x0F)
	sec[2] = byte(sectionLen & 0xFF)

	binary.BigEndian.PutUint16(sec[3:5], syntheticProgramNumber)
	sec[5] = 0xC1 // reserved+version+current_next
	sec[6] = 0x00 // section_number
	sec[7] = 0x00 // last_section_number

	sec[8] = 0xE0 | byte((syntheticPCRPID>>8)&0x1F)
	sec[9] = byte(syntheticPCRPID & 0xFF)
	sec[10] = 0xF0 // reserved + program_info_length high nibble (0)
	sec[11] = 0x00 // program_info_length low byte (0)

	sec[12] = syntheticStreamType
	sec[13] = 0xE0 | byte((syntheticStreamPID>>8)&0x1F)
	sec[14] = byte(syntheticStreamPID & 0xFF)
	sec[15] = 0xF0 // reserved + ES_info_length high nibble (0)
	sec[16] = 0x00 // ES_info_length low byte (0)
	// sec[17:21] CRC32, left zero.
	return sec
}

// buildSyntheticPayload returns a small placeholder elementary-stream
// payload chunk; its content is opaque to the dataplane core, which only
// wraps it into TS packets on the PMT's PCR PID.
func buildSyntheticPayload() []byte {
	payload := make([]byte, 256)
	for i := range payload {
		payload[i] = byte(i)
	}
	return payload
}
