package is

import (
	"net"
	"testing"
	"time"

	"github.com/wmanley/vqec-dp/internal/pak"
	"github.com/wmanley/vqec-dp/internal/pcm"
	"github.com/wmanley/vqec-dp/internal/rtp"
)

func repairPacket(seq uint16, osn uint16, ssrc uint32) *pak.Pak {
	hdr := make([]byte, 12)
	hdr[0] = 0x80
	hdr[1] = rtp.PayloadTypeMP2T
	hdr[2] = byte(seq >> 8)
	hdr[3] = byte(seq)
	hdr[8] = byte(ssrc >> 24)
	hdr[9] = byte(ssrc >> 16)
	hdr[10] = byte(ssrc >> 8)
	hdr[11] = byte(ssrc)
	payload := []byte{byte(osn >> 8), byte(osn), 0x47, 0x00}
	buf := append(hdr, payload...)
	// Allocate with headroom so admitAndInsert's ShiftHeadForward(2) has
	// room to advance without reallocating.
	pk := pak.NewForTestWithHeadroom(buf, pak.TypeUnknown, 32)
	pk.SrcAddr = net.ParseIP("192.0.2.1")
	pk.SrcPort = 6000
	return pk
}

type alwaysAccept struct{}

func (alwaysAccept) QueryRepair(osn uint32) Decision { return DecisionAccept }

type fakeBuilder struct {
	calls []uint32
}

func (b *fakeBuilder) ConstructSyntheticRTPHeader(firstOSN uint32) error {
	b.calls = append(b.calls, firstOSN)
	return nil
}

func newTestRepair(gate RepairGate, filter *FirstSeqFilter) (*Repair, *pcm.PCM) {
	cache := pcm.New(pcm.Config{ReorderDeadline: 20 * time.Millisecond})
	receiver := rtp.NewReceiver()
	eject := &fakeEjecter{}
	builder := &fakeBuilder{}
	r := NewRepair(RepairConfig{RTPSeqNumOffset: 0}, receiver, cache, eject, gate, builder, filter)
	return r, cache
}

func TestRepairBasicInsert(t *testing.T) {
	r, cache := newTestRepair(alwaysAccept{}, nil)
	pk := repairPacket(100, 50, 0x1234)
	origLen := len(pk.Data())
	r.ReceiveOne(pk, time.Now(), nil)
	if cache.Len() != 1 {
		t.Fatalf("expected 1 cached repair packet, got %d", cache.Len())
	}
	s := r.Snapshot(false)
	if s.RTPParseDrops != 0 || s.PakseqDrops != 0 {
		t.Fatalf("unexpected drops: %+v", s)
	}

	// P6: after the OSN-strip mutation, the output packet's RTP sequence
	// field equals the OSN (mod 2^16) and content length shrank by 2.
	if len(pk.Data()) != origLen-2 {
		t.Fatalf("expected buffer length to shrink by 2, got %d (orig %d)", len(pk.Data()), origLen)
	}
	out, err := rtp.ParseHeader(pk.Data())
	if err != nil {
		t.Fatalf("output header failed to parse: %v", err)
	}
	if out.Version != 2 {
		t.Fatalf("expected version 2, got %d", out.Version)
	}
	if out.PayloadType != rtp.PayloadTypeMP2T {
		t.Fatalf("expected payload type MP2T, got %d", out.PayloadType)
	}
	if out.SequenceNumber != 50 {
		t.Fatalf("expected P6 round-trip seq == OSN (50), got %d", out.SequenceNumber)
	}
}

func TestRepairFirstSeqFilterQueuesUntilMatch(t *testing.T) {
	filter := &FirstSeqFilter{Active: true, OSN: 55}
	r, cache := newTestRepair(alwaysAccept{}, filter)

	nonMatch := repairPacket(1, 56, 0x1)
	r.ReceiveOne(nonMatch, time.Now(), nil)
	if r.HoldQueueLen() != 1 {
		t.Fatalf("expected packet held pending filter match, got holdq len %d", r.HoldQueueLen())
	}
	if cache.Len() != 0 {
		t.Fatalf("expected nothing in PCM yet")
	}

	match := repairPacket(2, 55, 0x1)
	r.ReceiveOne(match, time.Now(), nil)
	if filter.Active {
		t.Fatalf("expected filter cleared after match")
	}
	if cache.Len() != 2 {
		t.Fatalf("expected matching packet plus flushed hold queue in PCM, got %d", cache.Len())
	}
	if r.HoldQueueLen() != 0 {
		t.Fatalf("expected hold queue drained after flush")
	}
}

func TestRepairGateQueueDefers(t *testing.T) {
	type queueOnce struct {
		queued bool
	}
	q := &queueOnce{}
	gate := repairGateFunc(func(osn uint32) Decision {
		if !q.queued {
			q.queued = true
			return DecisionQueue
		}
		return DecisionAccept
	})
	r, cache := newTestRepair(gate, nil)
	pk := repairPacket(1, 10, 0x1)
	r.ReceiveOne(pk, time.Now(), nil)
	if r.HoldQueueLen() != 1 {
		t.Fatalf("expected packet queued by gate decision, got %d", r.HoldQueueLen())
	}
	if cache.Len() != 0 {
		t.Fatalf("expected nothing inserted yet")
	}
}

type repairGateFunc func(osn uint32) Decision

func (f repairGateFunc) QueryRepair(osn uint32) Decision { return f(osn) }

func TestRepairFlushHoldQueueUnconditional(t *testing.T) {
	filter := &FirstSeqFilter{Active: true, OSN: 999}
	r, _ := newTestRepair(alwaysAccept{}, filter)
	pk := repairPacket(1, 1, 0x1)
	r.ReceiveOne(pk, time.Now(), nil)
	if r.HoldQueueLen() != 1 {
		t.Fatalf("expected 1 held packet")
	}
	r.FlushHoldQueueUnconditional()
	if r.HoldQueueLen() != 0 {
		t.Fatalf("expected hold queue emptied")
	}
}

func TestRepairFilterHoldqFindsAndFlushes(t *testing.T) {
	r, cache := newTestRepair(alwaysAccept{}, &FirstSeqFilter{})
	// Pre-populate the hold queue directly (simulating packets buffered
	// before the filter was armed for startSeq).
	p1 := repairPacket(1, 10, 0x1)
	p1.Ref()
	p2 := repairPacket(2, 11, 0x1)
	p2.Ref()
	r.holdQueue = []*pak.Pak{p1, p2}

	r.FilterHoldq(11, time.Now(), nil)

	if cache.Len() != 1 {
		t.Fatalf("expected only packets from the match point onward inserted, got %d", cache.Len())
	}
	if r.HoldQueueLen() != 0 {
		t.Fatalf("expected hold queue drained")
	}
}
