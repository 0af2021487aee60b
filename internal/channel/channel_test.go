package channel

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/wmanley/vqec-dp/internal/pak"
	"github.com/wmanley/vqec-dp/internal/pcm"
	"github.com/wmanley/vqec-dp/internal/rcc"
	"github.com/wmanley/vqec-dp/internal/rtp"
	"github.com/wmanley/vqec-dp/internal/upcall"
)

// captureSink records every packet handed to it by the Output Scheduler, in
// emission order, standing in for the real network socket (spec.md §1
// Non-goals).
type captureSink struct {
	got []*pak.Pak
}

func (c *captureSink) SendPacket(pk *pak.Pak) {
	c.got = append(c.got, pk)
}

// fakeClock lets a test drive Channel.Tick deterministically. It is seeded
// from the real wall clock because PCM's reorder-deadline bookkeeping
// (internal/pcm.go insertLocked) stamps packet arrival with time.Now()
// rather than an injected clock; starting the fake clock there keeps the
// two timelines close enough that small, deliberate advances land on the
// correct side of the reorder deadline.
type fakeClock struct {
	t time.Time
}

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

// The TLV builders below mirror cmd/vqec-dp-harness/synthetic_app.go: a
// minimal TS-RAP message with one PAT, one PMT, and a small payload chunk,
// matching the grammar internal/mpegts.DecodeTSRAP consumes.
const (
	testProgramNumber = 1
	testPMTPID        = 0x0100
	testPCRPID        = 0x0101
	testStreamPID     = 0x0101
	testStreamType    = 0x1B
)

func appendTestTLVEntry(buf []byte, tag byte, value []byte) []byte {
	buf = append(buf, tag)
	lenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBuf, uint16(len(value)))
	buf = append(buf, lenBuf...)
	return append(buf, value...)
}

func buildTestPAT() []byte {
	sec := make([]byte, 16)
	sec[0] = 0x00
	const sectionLen = 13
	sec[1] = 0xB0 | byte((sectionLen>>8)&0x0F)
	sec[2] = byte(sectionLen & 0xFF)
	binary.BigEndian.PutUint16(sec[3:5], 1)
	sec[5] = 0xC1
	sec[6] = 0x00
	sec[7] = 0x00
	binary.BigEndian.PutUint16(sec[8:10], testProgramNumber)
	sec[10] = 0xE0 | byte((testPMTPID>>8)&0x1F)
	sec[11] = byte(testPMTPID & 0xFF)
	return sec
}

func buildTestPMT() []byte {
	sec := make([]byte, 21)
	sec[0] = 0x02
	const sectionLen = 18
	sec[1] = 0xB0 | byte((sectionLen>>8)&0x0F)
	sec[2] = byte(sectionLen & 0xFF)
	binary.BigEndian.PutUint16(sec[3:5], testProgramNumber)
	sec[5] = 0xC1
	sec[6] = 0x00
	sec[7] = 0x00
	sec[8] = 0xE0 | byte((testPCRPID>>8)&0x1F)
	sec[9] = byte(testPCRPID & 0xFF)
	sec[10] = 0xF0
	sec[11] = 0x00
	sec[12] = testStreamType
	sec[13] = 0xE0 | byte((testStreamPID>>8)&0x1F)
	sec[14] = byte(testStreamPID & 0xFF)
	sec[15] = 0xF0
	sec[16] = 0x00
	return sec
}

func buildTestPayload() []byte {
	payload := make([]byte, 256)
	for i := range payload {
		payload[i] = byte(i)
	}
	return payload
}

func buildTestTSRAPTLV() []byte {
	var tlv []byte
	tlv = appendTestTLVEntry(tlv, 0x01, buildTestPAT())
	tlv = appendTestTLVEntry(tlv, 0x02, buildTestPMT())
	pcrBuf := make([]byte, 8)
	tlv = appendTestTLVEntry(tlv, 0x03, pcrBuf)
	tlv = appendTestTLVEntry(tlv, 0x04, buildTestPayload())
	tlv = appendTestTLVEntry(tlv, 0x05, []byte{0x01 | 0x02})
	return tlv
}

func buildRTPHeaderBytes(seq uint16, ssrc uint32) []byte {
	buf := make([]byte, rtp.MinHeaderLen)
	buf[0] = 0x80
	buf[1] = rtp.PayloadTypeMP2T
	buf[2] = byte(seq >> 8)
	buf[3] = byte(seq)
	buf[8] = byte(ssrc >> 24)
	buf[9] = byte(ssrc >> 16)
	buf[10] = byte(ssrc >> 8)
	buf[11] = byte(ssrc)
	return buf
}

// buildRepairPacket constructs a repair packet: RTP header, then the 2-byte
// OSN prefix, then payload (spec.md §4.4).
func buildRepairPacket(seq uint16, ssrc uint32, osn uint16, payload []byte) *pak.Pak {
	buf := buildRTPHeaderBytes(seq, ssrc)
	osnBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(osnBuf, osn)
	buf = append(buf, osnBuf...)
	buf = append(buf, payload...)
	pk := pak.NewForTest(buf, pak.TypeRepair)
	pk.SrcAddr = net.ParseIP("10.0.0.9")
	pk.SrcPort = 6001
	return pk
}

func buildPrimaryPacket(seq uint16, ssrc uint32, payload []byte) *pak.Pak {
	buf := buildRTPHeaderBytes(seq, ssrc)
	buf = append(buf, payload...)
	pk := pak.NewForTest(buf, pak.TypeUnknown)
	pk.SrcAddr = net.ParseIP("10.0.0.5")
	pk.SrcPort = 6000
	return pk
}

// TestCleanRCCEndToEnd exercises spec.md §8's "S1 — Clean RCC" scenario: an
// APP trigger, the first repair packet landing exactly on the armed
// first-sequence filter, a primary packet arriving while still inside the
// burst, and the state machine riding every timer through to FinSuccess
// with output packets emitted in strictly increasing sequence order.
func TestCleanRCCEndToEnd(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	pool := pak.NewPool(8)
	sink := &captureSink{}

	cfg := Config{
		ID:                 1,
		CPHandle:           7,
		Generation:         1,
		PCM:                pcm.Config{ReorderDeadline: 20 * time.Millisecond},
		PrimaryReorderTime: 10 * time.Millisecond,
		Output:             sink,
		Now:                clk.now,
	}
	ch := New(pool, cfg)
	ch.Start()

	tlv := buildTestTSRAPTLV()
	params := AppParams{
		StartSeqNum:         1000,
		FirstRepairDeadline: clk.now().Add(200 * time.Millisecond),
		DtEarliestJoin:      50 * time.Millisecond,
		ErHoldoffTime:       30 * time.Millisecond,
		DtRepairEnd:         100 * time.Millisecond,
	}
	if err := ch.ProcessApp(tlv, params); err != nil {
		t.Fatalf("ProcessApp: unexpected error: %v", err)
	}
	if got := ch.sm.State(); got != rcc.WaitFirstSeq {
		t.Fatalf("state after ProcessApp = %v, want WaitFirstSeq", got)
	}
	if len(ch.appPaks) != 1 {
		t.Fatalf("appPaks = %d, want 1 queued APP-derived packet", len(ch.appPaks))
	}

	// First repair packet lands exactly on the armed filter OSN
	// (StartSeqNum & 0xffff).
	repairPk := buildRepairPacket(1000, 42, 1000, []byte{1, 2, 3, 4})
	ch.ReceiveRepair(repairPk, clk.now(), nil)

	if got := ch.sm.State(); got != rcc.WaitJoin {
		t.Fatalf("state after first repair = %v, want WaitJoin", got)
	}
	if ch.cache.Len() != 2 {
		t.Fatalf("pcm cached = %d, want 2 (synthetic APP packet + repair packet)", ch.cache.Len())
	}

	// Fire the join timer.
	clk.advance(50 * time.Millisecond)
	ch.Tick(clk.now())
	if got := ch.sm.State(); got != rcc.WaitEnableER {
		t.Fatalf("state after join timer = %v, want WaitEnableER", got)
	}

	// A primary packet arrives while the burst is still in flight.
	primaryPk := buildPrimaryPacket(1001, 42, []byte{9, 9, 9, 9})
	ch.ReceivePrimaryVec([]*pak.Pak{primaryPk}, clk.now(), nil)
	if !ch.haveFirstPrimary {
		t.Fatalf("expected first-primary recorded")
	}
	if cause, _ := ch.AckUpcallIRQ(upcall.DeviceDPChan); cause&upcall.ReasonChanRCCNCSI == 0 {
		t.Fatalf("expected RCC_NCSI upcall after first primary, cause=%v", cause)
	}

	// Fire the enable-ER timer.
	clk.advance(30 * time.Millisecond)
	ch.Tick(clk.now())
	if got := ch.sm.State(); got != rcc.WaitEndBurst {
		t.Fatalf("state after enable-ER timer = %v, want WaitEndBurst", got)
	}

	// Fire the end-of-burst timer; the scheduler should have drained every
	// cached packet by now.
	clk.advance(20 * time.Millisecond)
	ch.Tick(clk.now())
	if got := ch.sm.State(); got != rcc.FinSuccess {
		t.Fatalf("final state = %v, want FinSuccess", got)
	}
	if cause, _ := ch.AckUpcallIRQ(upcall.DeviceDPChan); cause&upcall.ReasonChanBurstDone == 0 {
		t.Fatalf("expected RCC burst-done upcall, cause=%v", cause)
	}

	if len(sink.got) != 3 {
		t.Fatalf("emitted %d packets, want 3 (app pak, repair pak, primary pak)", len(sink.got))
	}
	if sink.got[0].ExtSeq != 999 {
		t.Fatalf("first emitted ExtSeq = %d, want 999", sink.got[0].ExtSeq)
	}
	for i := 1; i < len(sink.got); i++ {
		if int32(sink.got[i].ExtSeq-sink.got[i-1].ExtSeq) <= 0 {
			t.Fatalf("emission order not strictly increasing at index %d: %d -> %d", i, sink.got[i-1].ExtSeq, sink.got[i].ExtSeq)
		}
	}

	status := ch.GetStatus()
	if status.RCCState != "FinSuccess" {
		t.Fatalf("GetStatus.RCCState = %q, want FinSuccess", status.RCCState)
	}
}

// TestAbortOnFirstRepairTimeout exercises the case where no repair packet
// ever arrives: the wait_first timer fires TimeFirstSeq, driving the state
// machine straight to Abort, which must free the queued APP packets, raise
// the RCC_ABORT upcall, and arm PCM's post-abort filter over the
// primary-overlap region (spec.md §4.8, §4.9 abort notification).
func TestAbortOnFirstRepairTimeout(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	pool := pak.NewPool(8)
	sink := &captureSink{}

	cfg := Config{
		ID:     2,
		PCM:    pcm.Config{ReorderDeadline: 20 * time.Millisecond},
		Output: sink,
		Now:    clk.now,
	}
	ch := New(pool, cfg)
	ch.Start()

	params := AppParams{
		StartSeqNum:         500,
		FirstRepairDeadline: clk.now().Add(30 * time.Millisecond),
		DtEarliestJoin:      50 * time.Millisecond,
		ErHoldoffTime:       10 * time.Millisecond,
		DtRepairEnd:         50 * time.Millisecond,
	}
	if err := ch.ProcessApp(buildTestTSRAPTLV(), params); err != nil {
		t.Fatalf("ProcessApp: unexpected error: %v", err)
	}
	if got := ch.sm.State(); got != rcc.WaitFirstSeq {
		t.Fatalf("state after ProcessApp = %v, want WaitFirstSeq", got)
	}

	clk.advance(30 * time.Millisecond)
	ch.Tick(clk.now())

	if got := ch.sm.State(); got != rcc.Abort {
		t.Fatalf("state after first-repair deadline = %v, want Abort", got)
	}
	if cause, _ := ch.AckUpcallIRQ(upcall.DeviceDPChan); cause&upcall.ReasonChanRCCAbort == 0 {
		t.Fatalf("expected RCC_ABORT upcall, cause=%v", cause)
	}
	if len(ch.appPaks) != 0 {
		t.Fatalf("appPaks = %d, want 0 (freed on abort)", len(ch.appPaks))
	}
	if !ch.cache.RejectsRepairPostAbort(500) {
		t.Fatalf("expected post-abort filter to reject a repair packet in the overlap region")
	}
}

// TestFECUpdateLatchesParamsForUpcall exercises the CHAN_FEC_UPDATE
// payload path: the fec.Engine inference callback's (L, D) must be
// retrievable by whatever acks the upcall, not just discarded (spec.md
// §6 "ack_upcall_irq ... returns the accumulated cause bitmap and the
// associated payload").
func TestFECUpdateLatchesParamsForUpcall(t *testing.T) {
	pool := pak.NewPool(4)
	ch := New(pool, Config{ID: 3, PCM: pcm.Config{ReorderDeadline: 20 * time.Millisecond}})

	if _, _, ok := ch.GetFECParams(); ok {
		t.Fatalf("expected no FEC params before any inference update")
	}

	ch.onFECUpdate(4, 10)

	l, d, ok := ch.GetFECParams()
	if !ok || l != 4 || d != 10 {
		t.Fatalf("GetFECParams() = (%d, %d, %v), want (4, 10, true)", l, d, ok)
	}
	if cause, _ := ch.AckUpcallIRQ(upcall.DeviceDPChan); cause&upcall.ReasonChanFECUpdate == 0 {
		t.Fatalf("expected FEC_UPDATE upcall, cause=%v", cause)
	}
}
