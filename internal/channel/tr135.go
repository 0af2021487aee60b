package channel

import "time"

// TR135Sample is one reset-on-read sample of the TR-135 loss/jitter
// statistics SPEC_FULL.md's SUPPLEMENT#3 adds on top of the dataplane
// core: a periodic summary a control plane polls independently of the
// post-ER XR statistics the Output Scheduler already tracks.
type TR135Sample struct {
	Lost          uint64
	Duplicate     uint64
	Jitter        uint64
	IntervalStart time.Time
	IntervalEnd   time.Time
}

// SetTR135Params is set_tr135_params (SUPPLEMENT#3): configures the
// reporting interval and restarts it from now.
func (c *Channel) SetTR135Params(interval time.Duration) {
	c.tr135Interval = interval
	c.tr135IntervalStart = c.now()
}

// GetStatsTR135Sample is get_stats_tr135_sample (SUPPLEMENT#3): drains the
// scheduler's post-ER XR counters into one sample covering the time since
// the last sample (or since SetTR135Params/channel creation).
func (c *Channel) GetStatsTR135Sample() TR135Sample {
	xr := c.sched.SnapshotXR()
	now := c.now()
	start := c.tr135IntervalStart
	if start.IsZero() {
		start = now
	}
	sample := TR135Sample{
		Lost:          xr.Lost,
		Duplicate:     xr.Duplicate,
		Jitter:        xr.Jitter,
		IntervalStart: start,
		IntervalEnd:   now,
	}
	c.tr135IntervalStart = now
	return sample
}
