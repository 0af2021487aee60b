// Package ingress is a minimal UDP ingress shim used by the demo harness
// and integration tests: it gets bytes off a UDP socket and into a
// channel's existing receive_vec/receive_one entry points. Production
// packet I/O (sockets, kernel-mode readers, stream-output reflectors) is
// a separate concern this package stands in for, in the same
// ListenUDP+ReadFromUDP+deadline-poll shape a discovery listener uses.
package ingress

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/wmanley/vqec-dp/internal/fec"
	"github.com/wmanley/vqec-dp/internal/is"
	"github.com/wmanley/vqec-dp/internal/pak"
)

// PrimarySink is the subset of Channel a primary shim feeds (receive_vec).
type PrimarySink interface {
	ReceivePrimaryVec(paks []*pak.Pak, curTime time.Time, sim is.DropSimulator)
}

// RepairSink is the subset of Channel a repair shim feeds (receive_one).
type RepairSink interface {
	ReceiveRepair(pk *pak.Pak, curTime time.Time, sim is.DropSimulator)
}

// FECSink is the subset of Channel an FEC shim feeds (receive_one).
type FECSink interface {
	ReceiveFEC(role fec.StreamRole, pk *pak.Pak, curTime time.Time)
}

// readDeadline bounds each ReadFromUDP call so Run can observe ctx
// cancellation promptly, a tighter interval than a discovery listener
// would use, suited to media packet cadence.
const readDeadline = 200 * time.Millisecond

// PrimaryShim reads primary-stream UDP datagrams and batches them into
// receive_vec calls: one batch per batchWindow, or sooner if maxBatch
// packets accumulate first.
type PrimaryShim struct {
	conn       *net.UDPConn
	pool       *pak.Pool
	sink       PrimarySink
	batchWindow time.Duration
	maxBatch    int
	now         func() time.Time
}

// NewPrimaryShim builds a PrimaryShim bound to an already-listening socket.
func NewPrimaryShim(pool *pak.Pool, conn *net.UDPConn, sink PrimarySink, batchWindow time.Duration, maxBatch int) *PrimaryShim {
	if batchWindow <= 0 {
		batchWindow = 10 * time.Millisecond
	}
	if maxBatch <= 0 {
		maxBatch = 16
	}
	return &PrimaryShim{conn: conn, pool: pool, sink: sink, batchWindow: batchWindow, maxBatch: maxBatch, now: time.Now}
}

// Run reads datagrams until ctx is cancelled or the socket errors.
func (s *PrimaryShim) Run(ctx context.Context) error {
	var batch []*pak.Pak
	windowStart := s.now()
	for {
		if ctx.Err() != nil {
			for _, pk := range batch {
				pk.Unref()
			}
			return ctx.Err()
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(readDeadline))
		pk, addr, err := readOne(s.conn, s.pool)
		if err != nil {
			if isTimeout(err) {
				if len(batch) > 0 && s.now().Sub(windowStart) >= s.batchWindow {
					s.sink.ReceivePrimaryVec(batch, s.now(), nil)
					batch = nil
					windowStart = s.now()
				}
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		pk.PakType = pak.TypePrimary
		stampSrc(pk, addr)
		batch = append(batch, pk)
		if len(batch) >= s.maxBatch || s.now().Sub(windowStart) >= s.batchWindow {
			s.sink.ReceivePrimaryVec(batch, s.now(), nil)
			batch = nil
			windowStart = s.now()
		}
	}
}

// RepairShim reads unicast repair-stream UDP datagrams and feeds them one
// at a time to receive_one.
type RepairShim struct {
	conn *net.UDPConn
	pool *pak.Pool
	sink RepairSink
	now  func() time.Time
}

// NewRepairShim builds a RepairShim bound to an already-listening socket.
func NewRepairShim(pool *pak.Pool, conn *net.UDPConn, sink RepairSink) *RepairShim {
	return &RepairShim{conn: conn, pool: pool, sink: sink, now: time.Now}
}

// Run reads datagrams until ctx is cancelled or the socket errors.
func (s *RepairShim) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(readDeadline))
		pk, addr, err := readOne(s.conn, s.pool)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		pk.PakType = pak.TypeRepair
		stampSrc(pk, addr)
		s.sink.ReceiveRepair(pk, s.now(), nil)
	}
}

// FECShim reads one FEC stream's (column or row) UDP datagrams and feeds
// them to receive_one.
type FECShim struct {
	conn *net.UDPConn
	pool *pak.Pool
	sink FECSink
	role fec.StreamRole
	now  func() time.Time
}

// NewFECShim builds an FECShim bound to an already-listening socket.
func NewFECShim(pool *pak.Pool, conn *net.UDPConn, sink FECSink, role fec.StreamRole) *FECShim {
	return &FECShim{conn: conn, pool: pool, sink: sink, role: role, now: time.Now}
}

// Run reads datagrams until ctx is cancelled or the socket errors.
func (s *FECShim) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(readDeadline))
		pk, addr, err := readOne(s.conn, s.pool)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		pk.PakType = pak.TypeFEC
		stampSrc(pk, addr)
		s.sink.ReceiveFEC(s.role, pk, s.now())
	}
}

func readOne(conn *net.UDPConn, pool *pak.Pool) (*pak.Pak, *net.UDPAddr, error) {
	pk, err := pool.Get()
	if err != nil {
		return nil, nil, err
	}
	pk.ResetHead()
	buf := pk.Data()[:cap(pk.Data())]
	n, addr, err := conn.ReadFromUDP(buf[:pak.MTU])
	if err != nil {
		pk.Unref()
		return nil, nil, err
	}
	if serr := pk.SetLen(n); serr != nil {
		pk.Unref()
		return nil, nil, serr
	}
	return pk, addr, nil
}

func stampSrc(pk *pak.Pak, addr *net.UDPAddr) {
	pk.RxTimestamp = time.Now()
	if addr != nil {
		pk.SrcAddr = addr.IP
		pk.SrcPort = addr.Port
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
