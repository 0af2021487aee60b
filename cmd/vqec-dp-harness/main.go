// Command vqec-dp-harness is a demo/integration binary for the rapid-
// channel-change dataplane core: it wires up one channel end to end
// (primary/repair/FEC UDP ingress, PCM, RCC, Output Scheduler, a UDP
// egress sink) and drives it against real wall-clock time, building up
// its dependencies one constructor at a time the way a small service's
// main package usually does. The control plane this binary stands in
// for (channel configuration, RTCP, NAT binding) is a separate concern
// this harness only exercises the dataplane core against.
//
// Invoked standalone it simulates a single channel. Invoked with
// -supervisor it instead launches and restarts multiple copies of
// itself as independent channel instances, per an instances config
// file (internal/supervisor).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/wmanley/vqec-dp/internal/channel"
	"github.com/wmanley/vqec-dp/internal/config"
	"github.com/wmanley/vqec-dp/internal/diagfs"
	"github.com/wmanley/vqec-dp/internal/idtable"
	"github.com/wmanley/vqec-dp/internal/metrics"
	"github.com/wmanley/vqec-dp/internal/mpegts"
	"github.com/wmanley/vqec-dp/internal/oscheduler"
	"github.com/wmanley/vqec-dp/internal/pak"
	"github.com/wmanley/vqec-dp/internal/pcm"
	"github.com/wmanley/vqec-dp/internal/supervisor"
	"github.com/wmanley/vqec-dp/internal/upcall"
)

func main() {
	supervisorConfig := flag.String("supervisor", "", "path to a supervisor instances config; when set, runs and restarts child channel instances instead of simulating a channel directly")

	channelID := flag.Uint("channel-id", 1, "channel identifier")
	primaryAddr := flag.String("primary-addr", ":6970", "UDP listen address for the primary RTP stream")
	repairAddr := flag.String("repair-addr", "", "UDP listen address for the unicast repair stream (optional)")
	fecColumnAddr := flag.String("fec-column-addr", "", "UDP listen address for the FEC column stream (optional)")
	fecRowAddr := flag.String("fec-row-addr", "", "UDP listen address for the FEC row stream (optional)")
	outputAddr := flag.String("output-addr", "127.0.0.1:7070", "UDP address packets are emitted to")
	httpAddr := flag.String("http-addr", ":9100", "HTTP listen address for /metrics")
	diagfsMount := flag.String("diagfs-mount", "", "optional directory to mount the read-only diagnostic filesystem at")

	startSeqNum := flag.Uint("start-seq", 1000, "RCC start_seq_num for the synthetic APP trigger")
	dtEarliestJoin := flag.Duration("dt-earliest-join", 100*time.Millisecond, "RCC dt_earliest_join")
	dtRepairEnd := flag.Duration("dt-repair-end", 500*time.Millisecond, "RCC dt_repair_end")
	erHoldoff := flag.Duration("er-holdoff", 50*time.Millisecond, "RCC er_holdoff_time")
	firstRepairWait := flag.Duration("first-repair-wait", 200*time.Millisecond, "RCC first_repair_deadline, relative to startup")
	triggerRCC := flag.Bool("trigger-rcc", false, "synthesize an APP message and start RCC at startup")

	flag.Parse()

	if *supervisorConfig != "" {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := supervisor.Run(ctx, *supervisorConfig, *httpAddr); err != nil {
			log.Fatalf("supervisor: %v", err)
		}
		return
	}

	params := config.Load()

	reg := prometheus.NewRegistry()
	met := metrics.NewRegistry(reg)

	pool := pak.NewPool(params.PakPoolSize)

	chanHandles, err := idtable.New(params.MaxChannels)
	if err != nil {
		log.Fatalf("idtable: %v", err)
	}
	cpHandle, err := chanHandles.Alloc(uint32(*channelID))
	if err != nil {
		log.Fatalf("idtable: alloc channel handle: %v", err)
	}
	defer chanHandles.Free(cpHandle)

	outConn, err := net.Dial("udp", *outputAddr)
	if err != nil {
		log.Fatalf("dial output addr %s: %v", *outputAddr, err)
	}
	defer outConn.Close()
	out := &udpOutputSink{conn: outConn}

	ejectSink := &loggingEjectSink{}
	upcallLog := func(msg upcall.Message) {
		log.Printf("chan=%d upcall dev=%s device_id=%d gen=%d upcall_gen=%d", msg.ChannelID, msg.Device, msg.DeviceID, msg.ChannelGeneration, msg.UpcallGeneration)
	}

	fecEnabled := *fecColumnAddr != ""
	cfg := channel.Config{
		ID:          uint32(*channelID),
		CPHandle:    uint32(cpHandle),
		Generation:  1,
		MinBackfill: params.JitterDelay,
		MaxFastfill: 2 * time.Second,
		PCM: pcm.Config{
			ReorderDeadline: params.ReorderDeadline,
			JitterDelay:     params.JitterDelay,
		},
		Scheduler: oscheduler.Config{
			TargetPacketRate: rateLimit(params.OutputPacketRateHz),
			Burst:            params.OutputBurst,
		},
		RAPConfig: mpegts.RAPConfig{
			PATRepeatCount: params.TSRAPPATRepeatCount,
			PMTRepeatCount: params.TSRAPPMTRepeatCount,
			NumPCRs:        params.TSRAPNumPCRs,
		},
		PrimaryReorderTime: 40 * time.Millisecond,
		FECEnabled:         fecEnabled,
		FECDualStream:      fecEnabled && *fecRowAddr != "",
		Metrics:            met,
		EjectSink:          ejectSink,
		Output:             out,
		NotifyUpcall:       upcallLog,
	}

	ch := channel.New(pool, cfg)
	ch.Start()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var diagReg *diagfs.Registry
	if *diagfsMount != "" {
		diagReg = diagfs.NewRegistry()
		diagReg.Add(ch)
		unmount, err := diagfs.MountBackground(ctx, *diagfsMount, diagReg, false)
		if err != nil {
			log.Printf("diagfs: mount %s failed: %v (continuing without it)", *diagfsMount, err)
		} else {
			log.Printf("diagfs: mounted at %s", *diagfsMount)
			defer unmount()
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(*httpAddr, mux); err != nil && ctx.Err() == nil {
			log.Printf("http: %v", err)
		}
	}()

	if err := startIngress(ctx, pool, ch, *primaryAddr, *repairAddr, *fecColumnAddr, *fecRowAddr); err != nil {
		log.Fatalf("ingress: %v", err)
	}

	if *triggerRCC {
		go triggerSyntheticRCC(ch, syntheticAppArgs{
			startSeqNum:     uint32(*startSeqNum),
			dtEarliestJoin:  *dtEarliestJoin,
			dtRepairEnd:     *dtRepairEnd,
			erHoldoff:       *erHoldoff,
			firstRepairWait: *firstRepairWait,
			rapConfig:       params,
		})
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	log.Printf("chan=%d started primary=%s repair=%q fec_column=%q output=%s", *channelID, *primaryAddr, *repairAddr, *fecColumnAddr, *outputAddr)
	for {
		select {
		case <-ctx.Done():
			ch.Pause()
			log.Printf("chan=%d shutting down", *channelID)
			return
		case now := <-ticker.C:
			ch.Tick(now)
		}
	}
}

func rateLimit(hz int) rate.Limit {
	if hz <= 0 {
		return rate.Inf
	}
	return rate.Limit(hz)
}

// udpOutputSink satisfies channel.OutputSink by writing each packet's
// content bytes to an already-connected UDP socket; the packet already
// carries whatever encapsulation (RTP or bare) its type calls for by the
// time it reaches here.
type udpOutputSink struct {
	conn net.Conn
}

func (s *udpOutputSink) SendPacket(pk *pak.Pak) {
	if _, err := s.conn.Write(pk.Data()); err != nil {
		log.Printf("output: write: %v", err)
	}
	pk.Unref()
}

// loggingEjectSink satisfies upcall.Sink for STUN packet ejects, logging
// the frame's fixed header fields rather than relaying to a real control
// plane.
type loggingEjectSink struct{}

func (s *loggingEjectSink) SendEject(frame []byte) error {
	msg, err := upcall.UnmarshalEjectMessage(frame)
	if err != nil {
		return fmt.Errorf("eject: unmarshal: %w", err)
	}
	log.Printf("chan=%d is=%d eject src_port=%d len=%d", msg.ChannelID, msg.ISID, msg.SrcPort, len(msg.Payload))
	return nil
}

