package waitfor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrDeadlock is returned by DeclareWait when the calling thread cannot
// safely continue waiting. It covers three conditions the caller must treat
// identically (abort and roll back its unit of work): a detected cycle with
// this thread chosen as victim, a kill flag set by a concurrent detection
// elsewhere, and resource exhaustion during the call.
var ErrDeadlock = errors.New("deadlock detected")

// Outcome is the result of a blocking wait.
type Outcome int

const (
	// WaitOK means the wait was woken; the caller should re-check whether
	// the condition it waited for now holds, exactly as after a condition
	// variable wakeup. Spurious wakeups are part of the contract.
	WaitOK Outcome = iota

	// WaitTimedOut means both timeout tiers elapsed with no cycle found
	// and no kill.
	WaitTimedOut

	// WaitDeadlock means this thread was chosen as a deadlock victim and
	// must abort its unit of work.
	WaitDeadlock
)

func (o Outcome) String() string {
	switch o {
	case WaitOK:
		return "ok"
	case WaitTimedOut:
		return "timed out"
	case WaitDeadlock:
		return "deadlock"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// DeclareWait registers the wait-for edge "t waits for blocker via the
// resource identified by id" and immediately runs a short-bounded cycle
// search. A thread waits on at most one resource at a time, but may declare
// several blockers on that resource across repeated calls before blocking.
//
// On ErrDeadlock the episode is fully unwound: no waiter count stays
// incremented and t is idle again. The blocker's ownership record is left
// in place, because the blocker really does own the resource and will
// remove the record when it releases.
func (t *ThreadDescriptor) DeclareWait(blocker *ThreadDescriptor, id ResourceID) error {
	if blocker == t {
		return errors.New("waitfor: thread cannot declare a wait on itself")
	}
	if err := t.ensureReady(); err != nil {
		return ErrDeadlock
	}
	if err := blocker.ensureReady(); err != nil {
		return ErrDeadlock
	}

	r := t.waiting.Load()
	if r == nil {
		// Fresh episode: attach to the resource as a waiter. This is the
		// only place a resource goes from zero waiters back to some, so
		// it is serialized by the resource's write lock.
		for {
			var err error
			r, err = t.coord.registry.findOrCreate(id)
			if err != nil {
				return ErrDeadlock
			}
			r.mu.Lock()
			if r.state == stateActive {
				break
			}
			// Lost the race against a concurrent removal; the entry is
			// logically gone, look it up again.
			r.mu.Unlock()
		}
		r.waiterCount++
		t.waiting.Store(r)
		t.killed.Store(false)
	} else {
		if !r.id.Equal(id) {
			return fmt.Errorf("waitfor: already waiting on %v, cannot declare %v", r.id, id)
		}
		r.mu.Lock()
		if t.killed.Load() {
			// A concurrent detection already chose this thread; abort
			// before growing the graph any further.
			return t.abortDeclare(r)
		}
	}

	if !r.hasOwner(blocker) {
		r.addOwner(blocker)
		blocker.addOwned(r)
	}
	r.mu.Unlock()

	// The new edge may have closed a cycle; check right away with the
	// short bound, rooted one edge away at the blocker.
	if t.coord.detect(t, blocker, 1, *t.params.SearchDepthShort, false) == searchDeadlock {
		t.stopWaiting()
		return ErrDeadlock
	}
	return nil
}

// abortDeclare unwinds a declaration that found the kill flag set.
// Called with r's write lock held; consumes the lock.
func (t *ThreadDescriptor) abortDeclare(r *resource) error {
	t.stopWaitingLocked(r)
	return ErrDeadlock
}

// Wait blocks the calling thread until the resource it declared a wait on
// is released, a timeout tier elapses, or the thread is killed as a
// deadlock victim.
//
// The caller must hold host, its own mutex, exactly as for a condition
// variable wait; Wait releases it while blocked and reacquires it before
// returning. WaitOK only means "woken": callers must re-check their
// condition and tolerate spurious wakeups.
//
// If the short timeout fires, the detector is re-run rooted at t itself
// with the long search bound; if that finds nothing and the long timeout
// exceeds the short one, Wait blocks once more until the long deadline.
func (t *ThreadDescriptor) Wait(host sync.Locker) Outcome {
	r := t.waiting.Load()
	if r == nil {
		// No declared wait; nothing to block on.
		return WaitOK
	}

	start := time.Now()
	out := WaitTimedOut

	// Snapshot the wake channel before checking conditions, so a broadcast
	// racing with the check still reaches us through the snapshot.
	wake := r.wakeChan()
	r.mu.RLock()
	if len(r.owners) == 0 {
		// The last owner released between declare and here.
		out = WaitOK
	}
	r.mu.RUnlock()

	timeoutShort := *t.params.TimeoutShort
	timeoutLong := *t.params.TimeoutLong

	if out == WaitTimedOut && !t.killed.Load() {
		if waitForWake(host, wake, start.Add(timeoutShort)) {
			out = WaitOK
		}
	}
	if out == WaitTimedOut && !t.killed.Load() {
		// Not a new edge, so the re-check is rooted at t itself with the
		// deeper bound.
		if t.coord.detect(t, t, 0, *t.params.SearchDepthLong, true) == searchDeadlock {
			out = WaitDeadlock
		} else if timeoutLong > timeoutShort && !t.killed.Load() {
			wake = r.wakeChan()
			r.mu.RLock()
			empty := len(r.owners) == 0
			r.mu.RUnlock()
			if empty || waitForWake(host, wake, start.Add(timeoutLong)) {
				out = WaitOK
			}
		}
	}

	// Even a wait that woke or timed out may have been killed meanwhile.
	if t.stopWaiting() == WaitDeadlock {
		out = WaitDeadlock
	}
	t.coord.stats.recordWait(time.Since(start), out)
	return out
}

// waitForWake blocks on the wake snapshot until the deadline, releasing the
// host mutex for the duration. Reports whether a broadcast arrived.
func waitForWake(host sync.Locker, wake <-chan struct{}, deadline time.Time) bool {
	d := time.Until(deadline)
	if d <= 0 {
		return false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	host.Unlock()
	defer host.Lock()

	select {
	case <-wake:
		return true
	case <-timer.C:
		return false
	}
}

// stopWaiting ends the current wait episode: it detaches t from the
// resource it waited on and reports WaitDeadlock if t was killed at any
// point during the episode. Idle threads report their kill flag only.
func (t *ThreadDescriptor) stopWaiting() Outcome {
	r := t.waiting.Load()
	if r == nil {
		if t.killed.Load() {
			return WaitDeadlock
		}
		return WaitOK
	}
	r.mu.Lock()
	return t.stopWaitingLocked(r)
}

// stopWaitingLocked is stopWaiting with r's write lock already held; it
// consumes the lock and may remove the resource from the registry.
func (t *ThreadDescriptor) stopWaitingLocked(r *resource) Outcome {
	r.waiterCount--
	t.waiting.Store(nil)
	out := WaitOK
	if t.killed.Load() {
		out = WaitDeadlock
	}
	t.coord.unlockAndFree(r)
	return out
}

// Release removes t's ownership of the resource identified by id, waking
// every waiter if t was the last owner. Releasing something t does not own
// is a no-op.
func (t *ThreadDescriptor) Release(id ResourceID) {
	t.release(&id)
}

// ReleaseAll removes every ownership t holds. Calling it with nothing owned
// is a no-op, so release paths may run it unconditionally.
func (t *ThreadDescriptor) ReleaseAll() {
	t.release(nil)
}

func (t *ThreadDescriptor) release(id *ResourceID) {
	for {
		r := t.takeOwnedMatching(id)
		if r == nil {
			return
		}
		r.mu.Lock()
		if r.removeOwner(t) && len(r.owners) == 0 {
			// All owners gone; every waiter gets to proceed.
			r.broadcast()
			t.coord.logger.Debug("resource released, waiters woken",
				zap.Stringer("id", r.id), zap.Int("waiters", r.waiterCount))
		}
		t.coord.unlockAndFree(r)
		if id != nil {
			return
		}
	}
}
