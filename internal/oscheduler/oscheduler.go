// Package oscheduler implements the Output Scheduler of spec.md §4.7: a
// per-tick emission loop that dequeues the PCM head once PCM reports it
// ready, optionally paced by a fixed-rate token-bucket rate.Limiter, the
// way the teacher paces outbound segment delivery in internal/plex's
// stream muxer. It does not recover the source clock from packet receive
// timestamps; the limiter rate is the configured TargetPacketRate.
package oscheduler

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/wmanley/vqec-dp/internal/pak"
	"github.com/wmanley/vqec-dp/internal/pcm"
)

// Sink is one downstream Input Stream the scheduler emits dequeued
// packets to (spec.md §4.7 step 3: "Emit packet(s) to each attached
// downstream input stream").
type Sink interface {
	Emit(pk *pak.Pak)
}

// FastFillDoneNotifier is called once the fastfill target has been reached
// (spec.md §4.7 step 5, `done_with_fastfill`).
type FastFillDoneNotifier interface {
	DoneWithFastfill()
}

// Config bundles the scheduler's construction-time knobs.
type Config struct {
	// TargetPacketRate bounds the steady-state emission rate; the actual
	// cadence is driven by packet availability in PCM, but the limiter
	// prevents a burst of reordered/backlogged packets from being emitted
	// faster than this fixed rate.
	TargetPacketRate rate.Limit
	Burst            int
}

// XRStats are the post-ER XR statistics of spec.md §4.7: counts of
// lost/duplicate/jitter events inside reportable intervals, exposed via a
// reset-on-read accessor.
type XRStats struct {
	Lost      uint64
	Duplicate uint64
	Jitter    uint64
}

// OutpLog records the first-sent and first-primary-sent timestamps
// (spec.md §4.7 step 4).
type OutpLog struct {
	FirstSentAt        time.Time
	HaveFirstSent      bool
	FirstPrimarySentAt time.Time
	HaveFirstPrimarySent bool
}

// Scheduler is the per-channel Output Scheduler / NLL.
type Scheduler struct {
	mu sync.Mutex

	cfg     Config
	cache   *pcm.PCM
	sinks   []Sink
	limiter *rate.Limiter

	started bool

	outpLog OutpLog

	fastfillActive    bool
	fastfillTarget    int
	fastfillSoFar     int
	fastfillNotifier  FastFillDoneNotifier

	xr XRStats

	emitted, droppedEmpty uint64
}

// New creates a Scheduler bound to cache, emitting dequeued packets to
// sinks.
func New(cfg Config, cache *pcm.PCM, sinks ...Sink) *Scheduler {
	var lim *rate.Limiter
	if cfg.TargetPacketRate > 0 {
		lim = rate.NewLimiter(cfg.TargetPacketRate, cfg.Burst)
	}
	return &Scheduler{cfg: cfg, cache: cache, sinks: sinks, limiter: lim}
}

// Start begins emission (NLL unpaused).
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
}

// Pause stops emission without destroying scheduler state (spec.md §4.7
// step 1).
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
}

// ArmFastfill configures a fastfill target (in bytes) and the notifier to
// call once it is reached (spec.md §4.7 step 5).
func (s *Scheduler) ArmFastfill(targetBytes int, notifier FastFillDoneNotifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fastfillActive = targetBytes > 0
	s.fastfillTarget = targetBytes
	s.fastfillSoFar = 0
	s.fastfillNotifier = notifier
}

// Tick runs one scheduler iteration (spec.md §4.7): step 1 no-op if
// paused; step 2 peek PCM head, and if due, dequeue; step 3 emit to every
// sink; step 4 record outp_log timestamps; step 5 signal fastfill
// completion if the target was reached this tick.
func (s *Scheduler) Tick(now time.Time) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if !s.cache.ReadyToDequeue(now) {
		s.noteDroppedEmpty()
		return
	}
	if s.limiter != nil && !s.limiter.AllowN(now, 1) {
		return
	}
	pk, ok := s.cache.Dequeue(now)
	if !ok {
		s.noteDroppedEmpty()
		return
	}

	s.mu.Lock()
	if !s.outpLog.HaveFirstSent {
		s.outpLog.FirstSentAt = now
		s.outpLog.HaveFirstSent = true
	}
	if pk.PakType == pak.TypePrimary && !s.outpLog.HaveFirstPrimarySent {
		s.outpLog.FirstPrimarySentAt = now
		s.outpLog.HaveFirstPrimarySent = true
	}
	s.emitted++

	fastfillDone := false
	if s.fastfillActive {
		s.fastfillSoFar += pk.Len()
		if s.fastfillSoFar >= s.fastfillTarget {
			s.fastfillActive = false
			fastfillDone = true
		}
	}
	notifier := s.fastfillNotifier
	s.mu.Unlock()

	for _, sink := range s.sinks {
		pk.Ref()
		sink.Emit(pk)
	}
	pk.Unref()

	if fastfillDone && notifier != nil {
		notifier.DoneWithFastfill()
	}
}

func (s *Scheduler) noteDroppedEmpty() {
	s.mu.Lock()
	s.droppedEmpty++
	s.mu.Unlock()
}

// Reset clears the outp_log timestamps, fastfill progress and XR
// statistics without destroying configuration (spec.md §4.7 "Scheduler
// may be reset"). The scheduler holds no pending packet between ticks, so
// there is none to free.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outpLog = OutpLog{}
	s.fastfillActive = false
	s.fastfillSoFar = 0
	s.xr = XRStats{}
}

// RecordLoss, RecordDuplicate, RecordJitter feed the post-ER XR
// statistics (spec.md §4.7).
func (s *Scheduler) RecordLoss()      { s.mu.Lock(); s.xr.Lost++; s.mu.Unlock() }
func (s *Scheduler) RecordDuplicate() { s.mu.Lock(); s.xr.Duplicate++; s.mu.Unlock() }
func (s *Scheduler) RecordJitter()    { s.mu.Lock(); s.xr.Jitter++; s.mu.Unlock() }

// SnapshotXR returns and resets the post-ER XR statistics (reset-on-read
// accessor, spec.md §4.7).
func (s *Scheduler) SnapshotXR() XRStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	xr := s.xr
	s.xr = XRStats{}
	return xr
}

// OutpLogSnapshot returns a copy of the first-sent/first-primary-sent timestamps.
func (s *Scheduler) OutpLogSnapshot() OutpLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outpLog
}

// Stats is a reset-on-read snapshot of scheduler-level counters.
type Stats struct {
	Emitted      uint64
	DroppedEmpty uint64
}

// Snapshot returns and optionally resets scheduler counters.
func (s *Scheduler) Snapshot(reset bool) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Emitted: s.emitted, DroppedEmpty: s.droppedEmpty}
	if reset {
		s.emitted, s.droppedEmpty = 0, 0
	}
	return st
}

// Started reports whether the scheduler is currently unpaused.
func (s *Scheduler) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}
