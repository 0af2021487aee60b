package is

import (
	"net"
	"testing"
	"time"

	"github.com/wmanley/vqec-dp/internal/pak"
	"github.com/wmanley/vqec-dp/internal/pcm"
	"github.com/wmanley/vqec-dp/internal/rtp"
)

type fakeEjecter struct {
	ok, fail int
	failNext bool
}

func (e *fakeEjecter) EjectPacket(pk *pak.Pak) error {
	pk.Unref()
	if e.failNext {
		e.fail++
		return errEject
	}
	e.ok++
	return nil
}

var errEject = &testErr{"eject failed"}

type testErr struct{ s string }

func (e *testErr) Error() string { return e.s }

type fakeUDPSink struct {
	received []*pak.Pak
}

func (s *fakeUDPSink) PushUDP(pk *pak.Pak) {
	s.received = append(s.received, pk)
}

func rtpPacket(seq uint16, ssrc uint32, payload []byte) *pak.Pak {
	hdr := make([]byte, 12)
	hdr[0] = 0x80
	hdr[1] = rtp.PayloadTypeMP2T
	hdr[2] = byte(seq >> 8)
	hdr[3] = byte(seq)
	hdr[8] = byte(ssrc >> 24)
	hdr[9] = byte(ssrc >> 16)
	hdr[10] = byte(ssrc >> 8)
	hdr[11] = byte(ssrc)
	buf := append(hdr, payload...)
	pk := pak.NewForTest(buf, pak.TypeUnknown)
	pk.SrcAddr = net.ParseIP("192.0.2.1")
	pk.SrcPort = 5000
	return pk
}

func newTestPrimary() (*Primary, *fakeEjecter, *fakeUDPSink, *pcm.PCM) {
	eject := &fakeEjecter{}
	udp := &fakeUDPSink{}
	cache := pcm.New(pcm.Config{ReorderDeadline: 20 * time.Millisecond})
	receiver := rtp.NewReceiver()
	p := NewPrimary(PrimaryConfig{ReorderTime: 40 * time.Millisecond}, receiver, cache, eject, udp, nil, nil)
	return p, eject, udp, cache
}

func TestPrimaryDetectsRTPAndInserts(t *testing.T) {
	p, _, _, cache := newTestPrimary()
	now := time.Now()
	pk := rtpPacket(1, 0xAAAA, []byte{0x47, 0x00, 0x00, 0x00})
	p.ReceiveVec([]*pak.Pak{pk}, now, nil)

	if p.Encap() != EncapRTP {
		t.Fatalf("expected encap RTP, got %v", p.Encap())
	}
	if cache.Len() != 1 {
		t.Fatalf("expected 1 cached packet, got %d", cache.Len())
	}
}

func TestPrimarySTUNIsEjected(t *testing.T) {
	p, eject, _, cache := newTestPrimary()
	now := time.Now()
	stun := pak.NewForTest([]byte{0x00, 0x01, 0x02, 0x03}, pak.TypeUnknown)
	stun.SrcAddr = net.ParseIP("192.0.2.1")
	p.ReceiveVec([]*pak.Pak{stun}, now, nil)
	if eject.ok != 1 {
		t.Fatalf("expected 1 successful eject, got %d", eject.ok)
	}
	if cache.Len() != 0 {
		t.Fatalf("expected no cached packets from a STUN-only batch")
	}
}

func TestPrimarySTUNEjectFailureCounted(t *testing.T) {
	p, eject, _, _ := newTestPrimary()
	eject.failNext = true
	now := time.Now()
	stun := pak.NewForTest([]byte{0x00, 0x01, 0x02, 0x03}, pak.TypeUnknown)
	stun.SrcAddr = net.ParseIP("192.0.2.1")
	p.ReceiveVec([]*pak.Pak{stun}, now, nil)
	s := p.Snapshot(false)
	if s.EjectFail != 1 || s.EjectOK != 0 {
		t.Fatalf("expected 1 failed eject and 0 successful, got %+v", s)
	}
}

func TestPrimarySimDropCounted(t *testing.T) {
	p, _, _, _ := newTestPrimary()
	now := time.Now()
	pk := rtpPacket(1, 0xAAAA, []byte{0x47})
	dropAll := func(*pak.Pak) bool { return true }
	p.ReceiveVec([]*pak.Pak{pk}, now, dropAll)
	s := p.Snapshot(false)
	if s.SimDrops != 1 {
		t.Fatalf("expected 1 sim drop, got %d", s.SimDrops)
	}
}

func TestPrimaryUDPEncapBypassesPCM(t *testing.T) {
	eject := &fakeEjecter{}
	udp := &fakeUDPSink{}
	cache := pcm.New(pcm.Config{ReorderDeadline: 20 * time.Millisecond})
	receiver := rtp.NewReceiver()
	p := NewPrimary(PrimaryConfig{ReorderTime: 40 * time.Millisecond}, receiver, cache, eject, udp, nil, nil)
	p.encap = EncapUDP

	raw := pak.NewForTest([]byte{0x47, 0x01, 0x02, 0x03}, pak.TypeUnknown)
	raw.SrcAddr = net.ParseIP("192.0.2.1")
	p.ReceiveVec([]*pak.Pak{raw}, time.Now(), nil)

	if len(udp.received) != 1 {
		t.Fatalf("expected 1 UDP-pushed packet, got %d", len(udp.received))
	}
	if cache.Len() != 0 {
		t.Fatalf("UDP path must bypass PCM")
	}
}

func TestFailoverQueueDefersSecondSource(t *testing.T) {
	p, _, _, cache := newTestPrimary()
	now := time.Now()

	first := rtpPacket(1, 0x1111, []byte{0x47, 0, 0, 0})
	first.SrcAddr = net.ParseIP("192.0.2.1")
	p.ReceiveVec([]*pak.Pak{first}, now, nil)

	p.BeginFailover(rtp.SourceKey{SSRC: 0x1111, Addr: "192.0.2.1", Port: 5000})

	second := rtpPacket(1, 0x2222, []byte{0x47, 0, 0, 0})
	second.SrcAddr = net.ParseIP("192.0.2.2")
	p.ReceiveVec([]*pak.Pak{second}, now, nil)

	if p.FailoverQueueLen() != 1 {
		t.Fatalf("expected second source's packet queued, got failover len %d", p.FailoverQueueLen())
	}
	if cache.Len() != 1 {
		t.Fatalf("expected only the first source's packet in PCM, got %d", cache.Len())
	}

	if err := p.CompleteFailover(now, nil); err != nil {
		t.Fatalf("CompleteFailover: %v", err)
	}
	if p.FailoverQueueLen() != 0 {
		t.Fatalf("expected failover queue drained")
	}
}
