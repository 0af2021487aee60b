package main

import (
	"context"
	"log"
	"net"
	"time"

	"github.com/wmanley/vqec-dp/internal/channel"
	"github.com/wmanley/vqec-dp/internal/fec"
	"github.com/wmanley/vqec-dp/internal/ingress"
	"github.com/wmanley/vqec-dp/internal/pak"
)

// startIngress listens on every configured address and feeds the channel's
// receive_vec/receive_one entry points via internal/ingress shims, one
// goroutine per stream. Only primaryAddr is required; repair and FEC are
// optional unicast/FEC streams layered on top of the primary feed.
func startIngress(ctx context.Context, pool *pak.Pool, ch *channel.Channel, primaryAddr, repairAddr, fecColumnAddr, fecRowAddr string) error {
	var conns []*net.UDPConn

	primaryConn, err := listenUDP(primaryAddr)
	if err != nil {
		return err
	}
	conns = append(conns, primaryConn)
	go runAndLog(ctx, "primary", func() error {
		return ingress.NewPrimaryShim(pool, primaryConn, ch, 10*time.Millisecond, 32).Run(ctx)
	})

	if repairAddr != "" {
		repairConn, err := listenUDP(repairAddr)
		if err != nil {
			return err
		}
		conns = append(conns, repairConn)
		go runAndLog(ctx, "repair", func() error {
			return ingress.NewRepairShim(pool, repairConn, ch).Run(ctx)
		})
	}

	if fecColumnAddr != "" {
		fecConn, err := listenUDP(fecColumnAddr)
		if err != nil {
			return err
		}
		conns = append(conns, fecConn)
		go runAndLog(ctx, "fec-column", func() error {
			return ingress.NewFECShim(pool, fecConn, ch, fec.RoleColumn).Run(ctx)
		})
	}

	if fecRowAddr != "" {
		fecConn, err := listenUDP(fecRowAddr)
		if err != nil {
			return err
		}
		conns = append(conns, fecConn)
		go runAndLog(ctx, "fec-row", func() error {
			return ingress.NewFECShim(pool, fecConn, ch, fec.RoleRow).Run(ctx)
		})
	}

	go func() {
		<-ctx.Done()
		for _, c := range conns {
			_ = c.Close()
		}
	}()

	return nil
}

func listenUDP(addr string) (*net.UDPConn, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp", laddr)
}

func runAndLog(ctx context.Context, name string, fn func() error) {
	if err := fn(); err != nil && ctx.Err() == nil {
		log.Printf("ingress[%s]: %v", name, err)
	}
}
