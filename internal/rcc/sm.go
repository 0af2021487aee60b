// Package rcc implements the Rapid-Channel-Change state machine of
// spec.md §4.8: a re-entrant, timer-driven, bounded-depth event machine.
// Per spec.md §5, the dataplane is single-threaded cooperative, so this
// package uses no internal locking; callers (the Channel coordinator) own
// serialising all access from the one dataplane task.
package rcc

import (
	"fmt"
	"time"
)

// State is one of the RCC state machine's states.
type State int

const (
	Init State = iota
	WaitFirstSeq
	WaitJoin
	WaitEnableER
	WaitEndBurst
	FinSuccess
	Abort
)

func (s State) String() string {
	switch s {
	case Init:
		return "Init"
	case WaitFirstSeq:
		return "WaitFirstSeq"
	case WaitJoin:
		return "WaitJoin"
	case WaitEnableER:
		return "WaitEnableER"
	case WaitEndBurst:
		return "WaitEndBurst"
	case FinSuccess:
		return "FinSuccess"
	case Abort:
		return "Abort"
	default:
		return "Unknown"
	}
}

// Event is one of the RCC state machine's events.
type Event int

const (
	StartRCC Event = iota
	TimeFirstSeq
	TimeToJoin
	TimeToEnableER
	TimeEndBurst
	FirstRepair
	FirstPrimary
	ActivityTimeout
	InternalError
	AbortEv
)

func (e Event) String() string {
	switch e {
	case StartRCC:
		return "StartRCC"
	case TimeFirstSeq:
		return "TimeFirstSeq"
	case TimeToJoin:
		return "TimeToJoin"
	case TimeToEnableER:
		return "TimeToEnableER"
	case TimeEndBurst:
		return "TimeEndBurst"
	case FirstRepair:
		return "FirstRepair"
	case FirstPrimary:
		return "FirstPrimary"
	case ActivityTimeout:
		return "ActivityTimeout"
	case InternalError:
		return "InternalError"
	case AbortEv:
		return "Abort"
	default:
		return "Unknown"
	}
}

// maxReentrantDepth is the maximum re-entrant call depth of deliver_event,
// per spec.md §3/§4.8. Exceeding it is a fatal assertion: corrupt internal
// state that cannot be safely continued from (spec.md §7).
const maxReentrantDepth = 4

// maxEventQueue bounds the fixed-size re-entrant event ring (spec.md §9
// "implement as a fixed-size ring in the state machine struct").
const maxEventQueue = 32

// LogEntry is one tuple in the bounded diagnostic ring buffer (spec.md §3).
type LogEntry struct {
	Event     string
	FromState State
	ToState   State
	At        time.Time
}

const maxLogRing = 512

// Notifier receives the channel-level notifications the state machine
// issues on transition: join, enable-ER, abort, success. Implemented by
// internal/channel.Channel; kept as an interface here so rcc has no import
// cycle on channel.
type Notifier interface {
	NotifyJoin()
	NotifyEnableER()
	NotifyAbort()
	NotifySuccess()
	NotifySendNCSI()
	// InsertQueuedAppPackets is called on FirstRepair in WaitFirstSeq: insert
	// all channel-queued APP-derived TS packets into PCM in order. Returns
	// false if any insertion failed (the state machine then posts
	// InternalError itself).
	InsertQueuedAppPackets() bool
}

// Timers abstracts timer arm/destroy so the state machine has no direct
// dependency on a particular clock/scheduler implementation. Armed timers
// must post the named event back via SM.Deliver when they fire; the SM
// itself does not run a goroutine.
type Timers interface {
	Arm(name string, d time.Duration, fire func())
	Destroy(name string)
}

// Params holds the RCC timing parameters recorded from process_app
// (spec.md §3 Channel fields).
type Params struct {
	FirstRepairDeadline time.Time
	DtEarliestJoin      time.Duration
	ErHoldoffTime       time.Duration
	DtRepairEnd         time.Duration
	FirstRepairTS       time.Time // set when FirstRepair fires
	HaveFirstRepairTS   bool
}

// SM is one channel's RCC state machine instance.
type SM struct {
	state  State
	notify Notifier
	timers Timers
	now    func() time.Time

	params Params

	queue      []Event
	inDeliver  int
	aborted    bool
	lastRepairPakTS time.Time
	haveLastRepair  bool

	logRing []LogEntry
}

// New creates a state machine in Init, driven by notify/timers, using now
// for current time (injectable for tests).
func New(notify Notifier, timers Timers, now func() time.Time) *SM {
	if now == nil {
		now = time.Now
	}
	return &SM{state: Init, notify: notify, timers: timers, now: now}
}

// State returns the current state.
func (m *SM) State() State {
	return m.state
}

// SetParams installs the RCC timing parameters recorded by process_app.
func (m *SM) SetParams(p Params) {
	m.params = p
}

// Deliver is the serialising entry point (deliver_event, spec.md §4.8): it
// slots the event into the ring, runs the guard, invokes the action, then
// performs exit/entry handlers on a state change, and drains further events
// enqueued by those handlers. Maximum recursion depth is 4; exceeding it is
// a fatal assertion.
func (m *SM) Deliver(ev Event) {
	m.inDeliver++
	defer func() { m.inDeliver-- }()
	if m.inDeliver > maxReentrantDepth {
		panic(fmt.Sprintf("rcc: deliver_event recursion exceeded max depth %d", maxReentrantDepth))
	}

	m.queue = append(m.queue, ev)
	if len(m.queue) > maxEventQueue {
		panic("rcc: event queue overflow")
	}
	if m.inDeliver > 1 {
		// An outer frame is already draining; let it process this event.
		return
	}
	for len(m.queue) > 0 {
		next := m.queue[0]
		m.queue = m.queue[1:]
		m.step(next)
	}
}

func (m *SM) step(ev Event) {
	from := m.state
	to, ok := m.transition(from, ev)
	m.logEvent(ev, from, to)
	if !ok {
		// Not listed for this (state, event): Invalid, ignore with debug
		// log (spec.md §4.8 table header).
		return
	}
	m.runAction(from, ev)
	if to != from {
		m.exitState(from)
		m.state = to
		m.enterState(to)
	}
}

func (m *SM) logEvent(ev Event, from, to State) {
	m.logRing = append(m.logRing, LogEntry{Event: ev.String(), FromState: from, ToState: to, At: m.now()})
	if len(m.logRing) > maxLogRing {
		m.logRing = m.logRing[len(m.logRing)-maxLogRing:]
	}
}

// Log returns a copy of the diagnostic ring buffer.
func (m *SM) Log() []LogEntry {
	out := make([]LogEntry, len(m.logRing))
	copy(out, m.logRing)
	return out
}

// transition implements the table in spec.md §4.8. Returns ok=false for
// any (state, event) pair not listed (treated as Invalid / ignore).
func (m *SM) transition(s State, ev Event) (State, bool) {
	if ev == AbortEv || ev == InternalError {
		// Abort/InternalError are accepted from every state except
		// FinSuccess (terminal success has no abort path back) per the
		// table: row FinSuccess has "—" in the Abort column.
		if s == FinSuccess {
			return s, false
		}
		return Abort, true
	}
	switch s {
	case Init:
		if ev == StartRCC {
			return WaitFirstSeq, true
		}
	case WaitFirstSeq:
		switch ev {
		case TimeFirstSeq:
			return Abort, true
		case FirstRepair:
			return WaitJoin, true
		}
	case WaitJoin:
		switch ev {
		case TimeToJoin:
			return WaitEnableER, true
		case ActivityTimeout:
			return Abort, true
		}
	case WaitEnableER:
		switch ev {
		case FirstPrimary:
			return WaitEnableER, true
		case TimeToEnableER:
			return WaitEndBurst, true
		}
	case WaitEndBurst:
		switch ev {
		case FirstPrimary:
			return WaitEndBurst, true
		case TimeEndBurst:
			return FinSuccess, true
		}
	case FinSuccess:
		if ev == FirstPrimary {
			return FinSuccess, true
		}
	case Abort:
		// no outgoing transitions besides abort/internal-error, already
		// handled above; re-entering Abort from Abort on AbortEv is
		// idempotent (handled by the shared branch above).
	}
	return s, false
}

// runAction executes the "Actions on events" of spec.md §4.8 that are not
// pure entry/exit handlers.
func (m *SM) runAction(from State, ev Event) {
	switch {
	case from == WaitFirstSeq && ev == FirstRepair:
		m.params.FirstRepairTS = m.now()
		m.params.HaveFirstRepairTS = true
		m.lastRepairPakTS = m.now()
		m.haveLastRepair = true
		if !m.notify.InsertQueuedAppPackets() {
			// Insertion failed: post InternalError. Safe to call Deliver
			// re-entrantly; bounded by maxReentrantDepth.
			m.Deliver(InternalError)
			return
		}
		m.timers.Arm("activity", 50*time.Millisecond, func() { m.onActivityTick() })
	case from == WaitJoin && ev == TimeToJoin:
		m.timers.Destroy("activity")
		m.notify.NotifyJoin()
	case (from == WaitEnableER || from == WaitEndBurst) && ev == FirstPrimary:
		m.notify.NotifySendNCSI()
	case ev == TimeToEnableER:
		m.notify.NotifyEnableER()
	}
}

// onActivityTick is the recurring activity timer handler (spec.md §4.8):
// if now - last_repair_pak_ts > 200ms, post ActivityTimeout.
func (m *SM) onActivityTick() {
	if m.state != WaitJoin && m.state != WaitFirstSeq {
		return
	}
	if m.haveLastRepair && m.now().Sub(m.lastRepairPakTS) > 200*time.Millisecond {
		m.Deliver(ActivityTimeout)
		return
	}
	m.timers.Arm("activity", 50*time.Millisecond, func() { m.onActivityTick() })
}

// NoteRepairPacket updates last_repair_pak_ts, feeding the activity timer.
// Called by the channel on every accepted repair packet once RCC is armed.
func (m *SM) NoteRepairPacket() {
	m.lastRepairPakTS = m.now()
	m.haveLastRepair = true
}

// Active reports whether RCC has been started for this channel (state has
// left Init). Used by internal/is.Primary (via the RCCPort seam) to decide
// whether a first-primary observation is RCC-relevant at all.
func (m *SM) Active() bool {
	return m.state != Init
}

// Finalised reports whether the state machine has reached Abort, after
// which further FirstPrimary observations are no longer RCC-relevant.
func (m *SM) Finalised() bool {
	return m.state == Abort
}

// NoteFirstPrimary delivers FirstPrimary to the state machine; satisfies
// the RCCPort seam internal/is.Primary drives on its first accepted
// primary packet.
func (m *SM) NoteFirstPrimary() {
	m.Deliver(FirstPrimary)
}

func (m *SM) exitState(s State) {
	switch s {
	case WaitFirstSeq:
		m.timers.Destroy("wait_first")
	case WaitJoin:
		m.timers.Destroy("join")
	case WaitEnableER:
		m.timers.Destroy("enable_er")
	case WaitEndBurst:
		m.timers.Destroy("end_burst")
	}
}

func floorZero(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

func (m *SM) enterState(s State) {
	now := m.now()
	switch s {
	case WaitFirstSeq:
		deadline := floorZero(m.params.FirstRepairDeadline.Sub(now))
		m.timers.Arm("wait_first", deadline, func() { m.Deliver(TimeFirstSeq) })
	case WaitJoin:
		deadline := floorZero(m.params.FirstRepairTS.Add(m.params.DtEarliestJoin).Sub(now))
		m.timers.Arm("join", deadline, func() { m.Deliver(TimeToJoin) })
	case WaitEnableER:
		deadline := floorZero(m.params.FirstRepairTS.Add(m.params.DtEarliestJoin).Add(m.params.ErHoldoffTime).Sub(now))
		m.timers.Arm("enable_er", deadline, func() { m.Deliver(TimeToEnableER) })
	case WaitEndBurst:
		deadline := floorZero(m.params.FirstRepairTS.Add(m.params.DtRepairEnd).Sub(now))
		m.timers.Arm("end_burst", deadline, func() { m.Deliver(TimeEndBurst) })
	case FinSuccess:
		m.timers.Destroy("activity")
		m.notify.NotifySuccess()
	case Abort:
		m.timers.Destroy("activity")
		m.notify.NotifyAbort()
	}
}
