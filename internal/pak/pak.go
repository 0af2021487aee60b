// Package pak implements the refcounted packet container of spec.md §3 and
// its arena pool. Packets are allocated from a pre-sized pool (spec.md §5
// "Pools"); pool exhaustion is a first-class error, never a panic.
package pak

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/wmanley/vqec-dp/internal/vqerr"
)

// Type tags the encapsulation/origin of a packet's contents.
type Type int

const (
	TypeUnknown Type = iota
	TypePrimary
	TypeRepair
	TypeFEC
	TypeUDP
	TypeAPP
)

func (t Type) String() string {
	switch t {
	case TypePrimary:
		return "primary"
	case TypeRepair:
		return "repair"
	case TypeFEC:
		return "fec"
	case TypeUDP:
		return "udp"
	case TypeAPP:
		return "app"
	default:
		return "unknown"
	}
}

// Flag bits carried on a packet.
type Flag uint32

const (
	// FlagAfterErrorCorrection marks a packet admitted after the RCC
	// ER-enable time has passed (spec.md §4.4 step 9).
	FlagAfterErrorCorrection Flag = 1 << iota
)

// MTU is the minimum buffer capacity every pooled Pak guarantees, per
// spec.md §3 ("a contiguous byte buffer of capacity >= one MTU").
const MTU = 1500

// Pak is the refcounted packet container described in spec.md §3. Exclusive
// mutation is only safe while refcount == 1 (enforced by callers, primarily
// the Input Stream stage that strips/re-stamps headers).
type Pak struct {
	mu       sync.Mutex
	refcount int

	buf      []byte // full backing buffer, capacity >= MTU
	head     int    // head-pointer offset into buf; content starts here
	length   int    // content length starting at head

	RxTimestamp      time.Time
	SrcAddr          net.IP
	SrcPort          int
	ExtSeq           uint32
	MpegPayloadOff   int
	PakType          Type
	Flags            Flag

	pool *Pool
}

// Data returns the live content slice: buf[head : head+length]. buf is
// always kept at full pool-allocated capacity; head/length are the only
// offsets that move.
func (p *Pak) Data() []byte {
	return p.buf[p.head : p.head+p.length]
}

// Len returns the content length.
func (p *Pak) Len() int {
	return p.length
}

// SetLen sets the content length; it must not exceed the remaining capacity
// after head.
func (p *Pak) SetLen(n int) error {
	if n < 0 || p.head+n > len(p.buf) {
		return fmt.Errorf("pak: %w: length %d exceeds buffer capacity", vqerr.ErrInvalidArgument, n)
	}
	p.length = n
	return nil
}

// ShiftHeadForward moves the head pointer forward by n bytes, shrinking
// content length by n. Used to strip a prefix (e.g. the 2-byte OSN) without
// copying. n must not exceed the current length.
func (p *Pak) ShiftHeadForward(n int) error {
	if n < 0 || n > p.length {
		return fmt.Errorf("pak: %w: shift %d exceeds length %d", vqerr.ErrInvalidArgument, n, p.length)
	}
	p.head += n
	p.length -= n
	return nil
}

// ShiftHeadBackward moves the head pointer backward by n bytes, growing
// content length by n, to make room for a header prepended in place.
// Callers write the new header bytes into the slice RoomBefore(n) returns.
func (p *Pak) ShiftHeadBackward(n int) error {
	if n < 0 || n > p.head {
		return fmt.Errorf("pak: %w: no room to shift head back by %d", vqerr.ErrInvalidArgument, n)
	}
	p.head -= n
	p.length += n
	return nil
}

// RoomBefore returns the writable region immediately before head, of
// length n, for constructing a header in place prior to ShiftHeadBackward.
func (p *Pak) RoomBefore(n int) ([]byte, error) {
	if n < 0 || n > p.head {
		return nil, fmt.Errorf("pak: %w: need %d bytes before head, have %d", vqerr.ErrInvalidArgument, n, p.head)
	}
	return p.buf[p.head-n : p.head], nil
}

// Capacity returns the total backing buffer capacity.
func (p *Pak) Capacity() int {
	return cap(p.buf)
}

// HasFlag reports whether f is set.
func (p *Pak) HasFlag(f Flag) bool {
	return p.Flags&f != 0
}

// Ref increments the refcount. Called whenever a packet is enqueued on a
// second owner (hold queue, app_paks, failover queue) so ownership is
// shared with the original referent.
func (p *Pak) Ref() {
	p.mu.Lock()
	p.refcount++
	p.mu.Unlock()
}

// Unref decrements the refcount, returning the packet to its pool when it
// reaches zero.
func (p *Pak) Unref() {
	p.mu.Lock()
	p.refcount--
	n := p.refcount
	p.mu.Unlock()
	if n < 0 {
		panic("pak: refcount went negative")
	}
	if n == 0 && p.pool != nil {
		p.pool.put(p)
	}
}

// RefCount returns the current refcount (for exclusive-ownership checks).
func (p *Pak) RefCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refcount
}

// Pool is a pre-sized pool of Pak buffers, per spec.md §5.
type Pool struct {
	mu       sync.Mutex
	free     []*Pak
	size     int
	capacity int
}

// NewPool allocates capacity Paks, each with a buffer of at least MTU bytes.
func NewPool(capacity int) *Pool {
	pl := &Pool{capacity: capacity}
	pl.free = make([]*Pak, 0, capacity)
	for i := 0; i < capacity; i++ {
		pl.free = append(pl.free, pl.newPak())
	}
	return pl
}

// pakBufCap is the full backing-buffer size for every pooled Pak: one MTU
// plus headroom for the 12-byte synthetic RTP header prepended over TS-APP
// payloads (spec.md §4.9) while still leaving head room for shifting.
const pakBufCap = MTU + 64

// headRoom is where a freshly allocated Pak's head pointer starts, leaving
// room before it for in-place header construction (§4.9) without a copy.
const headRoom = 32

// ResetHead moves head to 0 (full MTU available from the start of buf),
// discarding any reserved headroom. Used by ingress paths that write a
// fresh packet from byte 0.
func (p *Pak) ResetHead() {
	p.head = 0
	p.length = 0
}

func (pl *Pool) newPak() *Pak {
	return &Pak{buf: make([]byte, pakBufCap), pool: pl}
}

// Get allocates a Pak from the pool, refcount 1. Returns ErrNoResource when
// the pool is exhausted.
func (pl *Pool) Get() (*Pak, error) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	n := len(pl.free)
	if n == 0 {
		return nil, fmt.Errorf("pak: %w: pool exhausted (capacity %d)", vqerr.ErrNoResource, pl.capacity)
	}
	p := pl.free[n-1]
	pl.free = pl.free[:n-1]
	p.refcount = 1
	// Leave head mid-buffer so headers can be prepended without copying;
	// callers needing the full MTU from offset 0 call ResetHead.
	p.head = headRoom
	p.length = 0
	p.ExtSeq = 0
	p.MpegPayloadOff = 0
	p.PakType = TypeUnknown
	p.Flags = 0
	p.SrcAddr = nil
	p.SrcPort = 0
	return p, nil
}

func (pl *Pool) put(p *Pak) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.free = append(pl.free, p)
}

// Available reports the number of free Paks.
func (pl *Pool) Available() int {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return len(pl.free)
}

// NewForTest builds a standalone, unpooled Pak directly from content bytes;
// Unref on it is a no-op beyond refcount bookkeeping. Used by unit tests
// that don't want to thread a whole Pool through.
func NewForTest(content []byte, t Type) *Pak {
	return NewForTestWithHeadroom(content, t, 0)
}

// NewForTestWithHeadroom is like NewForTest but reserves room bytes before
// the content so ShiftHeadBackward/RoomBefore can be exercised.
func NewForTestWithHeadroom(content []byte, t Type, room int) *Pak {
	buf := make([]byte, room+len(content))
	copy(buf[room:], content)
	return &Pak{
		buf:      buf,
		head:     room,
		length:   len(content),
		PakType:  t,
		refcount: 1,
	}
}
