package idtable

import (
	"errors"
	"testing"

	"github.com/wmanley/vqec-dp/internal/vqerr"
)

func TestAllocLookupFree(t *testing.T) {
	tbl, err := New(4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if tbl.Capacity() != 64 {
		t.Fatalf("Capacity = %d, want 64 (rounded up to one block)", tbl.Capacity())
	}

	h, err := tbl.Alloc("hello")
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if h == 0 {
		t.Fatalf("Alloc returned zero handle, zero must never be valid")
	}

	got, err := tbl.Lookup(h)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != "hello" {
		t.Fatalf("Lookup = %v, want hello", got)
	}

	if err := tbl.Free(h); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if _, err := tbl.Lookup(h); !errors.Is(err, vqerr.ErrNotFound) {
		t.Fatalf("Lookup after Free err = %v, want ErrNotFound", err)
	}
}

func TestAllocLowestIndexedFreeBit(t *testing.T) {
	tbl, err := New(4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h1, _ := tbl.Alloc(1)
	h2, _ := tbl.Alloc(2)
	if err := tbl.Free(h1); err != nil {
		t.Fatalf("Free h1: %v", err)
	}
	h3, err := tbl.Alloc(3)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if h3 != h1 {
		t.Fatalf("expected reused lowest-indexed handle %d, got %d (other live handle %d)", h1, h3, h2)
	}
}

func TestAllocExhaustion(t *testing.T) {
	tbl, err := New(1) // rounds up to 64
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < tbl.Capacity(); i++ {
		if _, err := tbl.Alloc(i); err != nil {
			t.Fatalf("Alloc #%d: %v", i, err)
		}
	}
	if _, err := tbl.Alloc("overflow"); !errors.Is(err, vqerr.ErrNoResource) {
		t.Fatalf("Alloc past capacity err = %v, want ErrNoResource", err)
	}
}

func TestLookupRejectsUnbiasedAndUnknownHandles(t *testing.T) {
	tbl, err := New(4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := tbl.Lookup(0); !errors.Is(err, vqerr.ErrNotFound) {
		t.Fatalf("Lookup(0) err = %v, want ErrNotFound", err)
	}
	if _, err := tbl.Lookup(Handle(handleBias + 1000)); !errors.Is(err, vqerr.ErrNotFound) {
		t.Fatalf("Lookup of out-of-range handle err = %v, want ErrNotFound", err)
	}
}

func TestFreeUnknownHandleIsError(t *testing.T) {
	tbl, err := New(4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := tbl.Free(Handle(handleBias + 5)); !errors.Is(err, vqerr.ErrNotFound) {
		t.Fatalf("Free of unallocated handle err = %v, want ErrNotFound", err)
	}
}

func TestFreeDoubleFreePanics(t *testing.T) {
	tbl, err := New(4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h, _ := tbl.Alloc("x")
	if err := tbl.Free(h); err != nil {
		t.Fatalf("Free: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on double free")
		}
	}()
	_ = tbl.Free(h)
}

func TestNewRejectsNonPositiveCapacity(t *testing.T) {
	if _, err := New(0); !errors.Is(err, vqerr.ErrInvalidArgument) {
		t.Fatalf("New(0) err = %v, want ErrInvalidArgument", err)
	}
}
