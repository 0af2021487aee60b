package fec

import (
	"testing"

	"github.com/wmanley/vqec-dp/internal/pak"
)

func seqPak(seq uint32) *pak.Pak {
	pk := pak.NewForTest([]byte{0x00, 0x00, 0x00, 0x00}, pak.TypeFEC)
	pk.ExtSeq = seq
	return pk
}

func TestInfersColumnPeriod(t *testing.T) {
	var lastL, lastD int
	updates := 0
	e := NewEngine(func(l, d int) {
		lastL, lastD = l, d
		updates++
	})

	e.Insert(RoleColumn, seqPak(10))
	if l, _ := e.InferredParams(); l != 0 {
		t.Fatalf("expected no inference from a single packet, got L=%d", l)
	}
	e.Insert(RoleColumn, seqPak(17))
	l, _ := e.InferredParams()
	if l != 7 {
		t.Fatalf("expected L=7, got %d", l)
	}
	if updates != 1 || lastL != 7 || lastD != 0 {
		t.Fatalf("expected one update call with L=7, got updates=%d L=%d D=%d", updates, lastL, lastD)
	}
}

func TestInfersRowPeriodIndependently(t *testing.T) {
	e := NewEngine(nil)
	e.Insert(RoleColumn, seqPak(0))
	e.Insert(RoleColumn, seqPak(8))
	e.Insert(RoleRow, seqPak(0))
	e.Insert(RoleRow, seqPak(4))
	l, d := e.InferredParams()
	if l != 8 || d != 4 {
		t.Fatalf("expected L=8 D=4, got L=%d D=%d", l, d)
	}
}

func TestDuplicateSequenceRejected(t *testing.T) {
	e := NewEngine(nil)
	if !e.Insert(RoleColumn, seqPak(5)) {
		t.Fatalf("expected first insert accepted")
	}
	if e.Insert(RoleColumn, seqPak(5)) {
		t.Fatalf("expected duplicate sequence rejected")
	}
	s := e.Snapshot(false)
	if s.Accepted != 1 || s.Rejected != 1 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestStreamAdapterRoutesToCorrectRole(t *testing.T) {
	e := NewEngine(nil)
	col := e.StreamAdapter(RoleColumn)
	row := e.StreamAdapter(RoleRow)
	col.Insert(seqPak(0))
	col.Insert(seqPak(5))
	row.Insert(seqPak(0))
	row.Insert(seqPak(3))
	l, d := e.InferredParams()
	if l != 5 || d != 3 {
		t.Fatalf("expected L=5 D=3, got L=%d D=%d", l, d)
	}
}

func TestSnapshotResets(t *testing.T) {
	e := NewEngine(nil)
	e.Insert(RoleColumn, seqPak(1))
	e.Snapshot(true)
	s := e.Snapshot(false)
	if s.Accepted != 0 {
		t.Fatalf("expected counters reset, got %+v", s)
	}
}
