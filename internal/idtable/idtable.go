// Package idtable implements a fixed-capacity small-integer handle
// allocator. Capacity is a module-init parameter rounded up to a multiple
// of the per-block bit width; allocation scans blocks for the
// lowest-indexed free bit. Handles are biased by a large constant so that
// zero and small integers are never valid handles.
package idtable

import (
	"fmt"
	"sync"

	"github.com/wmanley/vqec-dp/internal/vqerr"
)

const (
	blockBits = 64
	// handleBias keeps 0 and small ints out of the valid handle space, so a
	// zero-valued Handle can be used as a sentinel for "no handle".
	handleBias = 0x10000
)

// Handle is an opaque, dense small-integer identifier for an allocated
// object. The zero value is never a valid handle.
type Handle uint32

// Table is a fixed-capacity bitmap allocator mapping Handle <-> object.
type Table struct {
	mu       sync.Mutex
	bitmap   []uint64 // 1 = free, 0 = in use
	objects  []interface{}
	capacity int
}

// New creates a table sized to hold at least capacity handles, rounded up
// to a multiple of the block bit width.
func New(capacity int) (*Table, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("idtable: %w: capacity must be positive", vqerr.ErrInvalidArgument)
	}
	blocks := (capacity + blockBits - 1) / blockBits
	rounded := blocks * blockBits
	t := &Table{
		bitmap:   make([]uint64, blocks),
		objects:  make([]interface{}, rounded),
		capacity: rounded,
	}
	for i := range t.bitmap {
		t.bitmap[i] = ^uint64(0)
	}
	return t, nil
}

// Capacity returns the rounded-up capacity.
func (t *Table) Capacity() int {
	return t.capacity
}

// Alloc reserves the lowest-indexed free bit, stores obj against it, and
// returns the biased Handle. Returns ErrNoResource if the table is full.
func (t *Table) Alloc(obj interface{}) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for blockIdx, word := range t.bitmap {
		if word == 0 {
			continue
		}
		bit := trailingZeros64(word)
		idx := blockIdx*blockBits + bit
		if idx >= t.capacity {
			continue
		}
		t.bitmap[blockIdx] &^= (uint64(1) << uint(bit))
		t.objects[idx] = obj
		return Handle(idx + handleBias), nil
	}
	return 0, fmt.Errorf("idtable: %w", vqerr.ErrNoResource)
}

// Lookup returns the object registered at h, or ErrNotFound.
func (t *Table) Lookup(h Handle) (interface{}, error) {
	idx, ok := t.index(h)
	if !ok {
		return nil, fmt.Errorf("idtable: %w: handle %d", vqerr.ErrNotFound, h)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bitmapBitSet(idx) {
		// Free bit but lookup requested: not a live handle.
		return nil, fmt.Errorf("idtable: %w: handle %d", vqerr.ErrNotFound, h)
	}
	return t.objects[idx], nil
}

// Free releases h back to the pool. Fatal assertion if the bitmap state has
// diverged from the object slot (double free of an already-free handle) —
// this is corrupt internal state, not a caller error.
func (t *Table) Free(h Handle) error {
	idx, ok := t.index(h)
	if !ok {
		return fmt.Errorf("idtable: %w: handle %d", vqerr.ErrNotFound, h)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bitmapBitSet(idx) {
		panic(fmt.Sprintf("idtable: double free of handle %d: bitmap already marks it free", h))
	}
	t.objects[idx] = nil
	blockIdx, bit := idx/blockBits, idx%blockBits
	t.bitmap[blockIdx] |= uint64(1) << uint(bit)
	return nil
}

func (t *Table) index(h Handle) (int, bool) {
	if h < handleBias {
		return 0, false
	}
	idx := int(h) - handleBias
	if idx < 0 || idx >= t.capacity {
		return 0, false
	}
	return idx, true
}

func (t *Table) bitmapBitSet(idx int) bool {
	blockIdx, bit := idx/blockBits, idx%blockBits
	return t.bitmap[blockIdx]&(uint64(1)<<uint(bit)) != 0
}

func trailingZeros64(x uint64) int {
	n := 0
	for x&1 == 0 {
		x >>= 1
		n++
	}
	return n
}
