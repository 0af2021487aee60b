// Package metrics registers the dataplane's prometheus instrumentation
// per SPEC_FULL.md's domain-stack table: per-channel/per-IS counters
// (drops by reason, late/dup, RTP parse drops, upcalls sent/dropped/
// acked/spurious) and the join-delay / first-repair-deadline histograms
// from spec.md §4.3/§4.8.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every metric this module exports, registered against
// one prometheus.Registerer so the demo harness can expose them on an
// optional /metrics HTTP handler.
type Registry struct {
	DropsByReason   *prometheus.CounterVec
	LateDrops       prometheus.Counter
	DupDrops        prometheus.Counter
	RTPParseDrops   *prometheus.CounterVec
	UpcallsSent     *prometheus.CounterVec
	UpcallsDropped  *prometheus.CounterVec
	UpcallsAcked    *prometheus.CounterVec
	UpcallsSpurious *prometheus.CounterVec

	JoinDelaySeconds          prometheus.Histogram
	FirstRepairDeadlineSeconds prometheus.Histogram
}

// NewRegistry creates and registers every metric against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		DropsByReason: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vqecdp",
			Name:      "drops_total",
			Help:      "Packets dropped, by reason.",
		}, []string{"reason"}),
		LateDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vqecdp",
			Name:      "pcm_late_drops_total",
			Help:      "PCM packets dropped for arriving below head sequence.",
		}),
		DupDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vqecdp",
			Name:      "pcm_dup_drops_total",
			Help:      "PCM packets dropped as duplicate extended sequence.",
		}),
		RTPParseDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vqecdp",
			Name:      "rtp_parse_drops_total",
			Help:      "RTP header parse failures, by input stream.",
		}, []string{"stream"}),
		UpcallsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vqecdp",
			Name:      "upcalls_sent_total",
			Help:      "IRQ notifications sent to the control plane, by device.",
		}, []string{"device"}),
		UpcallsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vqecdp",
			Name:      "upcalls_dropped_total",
			Help:      "IRQ reason bits accumulated while a notification was already pending, by device.",
		}, []string{"device"}),
		UpcallsAcked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vqecdp",
			Name:      "upcalls_acked_total",
			Help:      "IRQ acknowledgements received, by device.",
		}, []string{"device"}),
		UpcallsSpurious: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vqecdp",
			Name:      "upcalls_spurious_acks_total",
			Help:      "IRQ acknowledgements received with no notification outstanding, by device.",
		}, []string{"device"}),
		JoinDelaySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vqecdp",
			Name:      "rcc_join_delay_seconds",
			Help:      "Time from the join notification to the first accepted primary packet.",
			Buckets:   prometheus.DefBuckets,
		}),
		FirstRepairDeadlineSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vqecdp",
			Name:      "rcc_first_repair_deadline_seconds",
			Help:      "Configured first-repair deadline relative to StartRCC.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	if reg != nil {
		reg.MustRegister(
			r.DropsByReason, r.LateDrops, r.DupDrops, r.RTPParseDrops,
			r.UpcallsSent, r.UpcallsDropped, r.UpcallsAcked, r.UpcallsSpurious,
			r.JoinDelaySeconds, r.FirstRepairDeadlineSeconds,
		)
	}
	return r
}
