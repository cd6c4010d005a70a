package waitfor

import (
	"fmt"
	"sync/atomic"
	"time"

	"waitfor/pkg/syncutil"
)

// Defaults for the per-thread tunables, used when a Params field is left
// nil. They are package variables, not constants, so an embedder can retune
// every defaulted thread at once.
var (
	DefaultSearchDepthShort = 4
	DefaultSearchDepthLong  = 15
	DefaultTimeoutShort     = 100 * time.Millisecond
	DefaultTimeoutLong      = 10 * time.Second
)

// Params points at the four caller-owned tunables of a thread. The
// coordinator stores the pointers, never the values: each call reads them
// fresh, so a caller may retune a thread between (but not during) waits.
// The pointed-at values must outlive the descriptor.
type Params struct {
	// SearchDepthShort bounds the cycle search run at declare time.
	SearchDepthShort *int

	// SearchDepthLong bounds the deeper re-check run after TimeoutShort
	// elapses inside Wait.
	SearchDepthLong *int

	// TimeoutShort is the first blocking tier of Wait.
	TimeoutShort *time.Duration

	// TimeoutLong is the second tier; it is only used when strictly
	// greater than TimeoutShort. Both are measured from the start of Wait.
	TimeoutLong *time.Duration
}

func (p *Params) applyDefaults() {
	if p.SearchDepthShort == nil {
		p.SearchDepthShort = &DefaultSearchDepthShort
	}
	if p.SearchDepthLong == nil {
		p.SearchDepthLong = &DefaultSearchDepthLong
	}
	if p.TimeoutShort == nil {
		p.TimeoutShort = &DefaultTimeoutShort
	}
	if p.TimeoutLong == nil {
		p.TimeoutLong = &DefaultTimeoutLong
	}
}

// ThreadDescriptor is the coordinator's view of one physical worker thread.
// Exactly one descriptor exists per thread; it is created once and reused
// across many wait episodes. All methods except the cross-thread bookkeeping
// done internally must be called by the owning thread itself.
type ThreadDescriptor struct {
	coord  *Coordinator
	params Params

	// weight is the arbitration priority: among the members of a detected
	// cycle, the thread with the lowest weight is killed.
	weight atomic.Int64

	// killed is set by another thread's detector run when this thread is
	// chosen as victim; it is cleared on the next fresh wait declaration.
	killed atomic.Bool

	// waiting is the single resource this thread currently blocks on, nil
	// when idle. Read optimistically by detectors, hence atomic.
	waiting atomic.Pointer[resource]

	// mu guards owned. Other threads append to owned (they mirror the
	// owner edges they declare), so the owning thread cannot treat the
	// slice as private.
	mu    syncutil.Mutex
	owned []*resource

	// ready flags the one-time heavy initialization. Any thread may
	// trigger it by declaring this descriptor as blocker, concurrently
	// with the owning thread's own first call, hence atomic.
	ready atomic.Bool
}

// NewThread creates a descriptor for the calling thread. This is the cheap
// half of initialization: it assigns the configuration references and does
// not allocate, so it is safe to call for every thread whether or not that
// thread ever waits. The heavier half runs transparently on first real use.
func (c *Coordinator) NewThread(params Params) *ThreadDescriptor {
	params.applyDefaults()
	t := &ThreadDescriptor{coord: c, params: params}
	return t
}

// SetWeight assigns the victim-arbitration weight. Lower weights are
// preferred as victims. Must be set before the thread participates in a
// wait it should not win.
func (t *ThreadDescriptor) SetWeight(w int64) {
	t.weight.Store(w)
}

// Weight returns the current arbitration weight.
func (t *ThreadDescriptor) Weight() int64 {
	return t.weight.Load()
}

// Killed reports whether this thread is currently marked as a deadlock
// victim.
func (t *ThreadDescriptor) Killed() bool {
	return t.killed.Load()
}

// ensureReady performs the one-time heavy initialization: it acquires the
// registry-side resources the descriptor needs for the rest of its life.
// Idempotent. A failure here is reported exactly like a deadlock; there is
// no separate error channel.
func (t *ThreadDescriptor) ensureReady() error {
	if t.ready.Load() {
		return nil
	}
	if h := t.coord.registry.allocHook; h != nil {
		if err := h(); err != nil {
			return errAllocFailed
		}
	}
	t.mu.Lock()
	if t.owned == nil {
		t.owned = make([]*resource, 0, 4)
	}
	t.mu.Unlock()
	t.ready.Store(true)
	return nil
}

// Destroy retires the descriptor when its thread exits. The thread must
// have released everything it owned and must not be waiting; violating
// either is a bug in the embedder, not a runtime condition, so it panics.
func (t *ThreadDescriptor) Destroy() {
	if t.waiting.Load() != nil {
		panic("waitfor: Destroy called on a waiting thread")
	}
	t.mu.Lock()
	n := len(t.owned)
	t.mu.Unlock()
	if n != 0 {
		panic(fmt.Sprintf("waitfor: Destroy called with %d owned resources", n))
	}
	t.owned = nil
	t.ready.Store(false)
}

// addOwned mirrors a new owner edge into the owner's own bookkeeping.
// Called by the waiting thread, under the resource's write lock.
func (t *ThreadDescriptor) addOwned(r *resource) {
	t.mu.Lock()
	t.owned = append(t.owned, r)
	t.mu.Unlock()
}

// takeOwnedMatching removes and returns one owned resource matching id, or
// any owned resource if id is nil. Returns nil when nothing matches. The
// resource itself is untouched; the caller finishes the release under the
// resource's lock.
func (t *ThreadDescriptor) takeOwnedMatching(id *ResourceID) *resource {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, r := range t.owned {
		if id == nil || r.id.Equal(*id) {
			last := len(t.owned) - 1
			t.owned[i] = t.owned[last]
			t.owned[last] = nil
			t.owned = t.owned[:last]
			return r
		}
	}
	return nil
}
