package waitfor

import (
	"time"

	"waitfor/pkg/syncutil"
)

const (
	// CycleBuckets is the number of exact cycle-length buckets; lengths
	// beyond it, and searches truncated by the depth bound, share the
	// final overflow bucket.
	CycleBuckets = 16

	// WaitBuckets is the number of wait-duration buckets. Bucket i covers
	// durations in [2^i µs, 2^(i+1) µs); the last bucket is open-ended,
	// starting at roughly one minute.
	WaitBuckets = 27
)

// WaitBucketBound returns the inclusive lower bound of wait-duration
// bucket i.
func WaitBucketBound(i int) time.Duration {
	return time.Microsecond << i
}

// StatsSnapshot is a point-in-time copy of the coordinator's counters.
//
// Note the deliberate double counting in the cycle histograms: the short
// (declare-time) and long (wait-time) detector passes record independently,
// so one logical deadlock discovered by both passes is counted once per
// pass. Downstream monitoring may depend on the per-pass counts, so this is
// a documented contract, not a bug.
type StatsSnapshot struct {
	// Successes counts waits that ended in WaitOK.
	Successes uint64

	// Timeouts counts waits that exhausted both timeout tiers.
	Timeouts uint64

	// Deadlocks counts waits that ended with the caller as victim.
	Deadlocks uint64

	// CycleLengthShort and CycleLengthLong record, per detector pass, the
	// depth at which each detected cycle closed (index 0..CycleBuckets-1)
	// plus an overflow bucket (index CycleBuckets) shared with searches
	// truncated by the depth bound.
	CycleLengthShort [CycleBuckets + 1]uint64
	CycleLengthLong  [CycleBuckets + 1]uint64

	// WaitDurations is the log-scale histogram of every Wait call's total
	// blocked time; see WaitBucketBound.
	WaitDurations [WaitBuckets]uint64

	// WaitTotal is the summed duration of every recorded wait.
	WaitTotal time.Duration
}

// statsRecorder accumulates the counters behind a plain mutex; every
// recording is a handful of integer bumps, so contention is negligible next
// to the resource locks around it.
type statsRecorder struct {
	mu syncutil.Mutex
	s  StatsSnapshot
}

func newStatsRecorder() *statsRecorder {
	return &statsRecorder{}
}

// recordCycle charges one detected cycle, closed at the given search depth,
// to the histogram of the pass that found it.
func (sr *statsRecorder) recordCycle(depth int, longPass bool) {
	idx := depth
	if idx < 0 {
		idx = 0
	}
	if idx > CycleBuckets {
		idx = CycleBuckets
	}
	sr.mu.Lock()
	if longPass {
		sr.s.CycleLengthLong[idx]++
	} else {
		sr.s.CycleLengthShort[idx]++
	}
	sr.mu.Unlock()
}

// recordCycleOverflow charges one depth-truncated search to the overflow
// bucket. Truncation is a tracked statistic, not an error.
func (sr *statsRecorder) recordCycleOverflow(longPass bool) {
	sr.recordCycle(CycleBuckets, longPass)
}

// recordWait charges one completed wait episode: exactly one outcome
// counter and exactly one duration bucket.
func (sr *statsRecorder) recordWait(d time.Duration, out Outcome) {
	idx := 0
	for us := d.Microseconds(); us > 1 && idx < WaitBuckets-1; idx++ {
		us >>= 1
	}

	sr.mu.Lock()
	switch out {
	case WaitOK:
		sr.s.Successes++
	case WaitTimedOut:
		sr.s.Timeouts++
	case WaitDeadlock:
		sr.s.Deadlocks++
	}
	sr.s.WaitDurations[idx]++
	sr.s.WaitTotal += d
	sr.mu.Unlock()
}

func (sr *statsRecorder) snapshot() StatsSnapshot {
	sr.mu.Lock()
	s := sr.s
	sr.mu.Unlock()
	return s
}
