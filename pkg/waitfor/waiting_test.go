package waitfor

import (
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

// The basic happy path: declare, block, get released, wake up.
func TestWaitWokenByRelease(t *testing.T) {
	c := New()
	a := c.NewThread(paramsFor(time.Second, 2*time.Second, 4, 15))
	b := c.NewThread(quickParams())
	id := ResourceID{Type: testType, Value: 1}

	if err := a.DeclareWait(b, id); err != nil {
		t.Fatalf("DeclareWait: %v", err)
	}

	var mu sync.Mutex
	out := make(chan Outcome, 1)
	go func() {
		mu.Lock()
		o := a.Wait(&mu)
		mu.Unlock()
		out <- o
	}()

	// Let the waiter block, then free the resource.
	time.Sleep(30 * time.Millisecond)
	b.Release(id)

	select {
	case o := <-out:
		if o != WaitOK {
			t.Errorf("Wait = %v, want WaitOK", o)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke after release")
	}

	if s := c.Stats(); s.Successes != 1 {
		t.Errorf("expected 1 successful wait, got %d", s.Successes)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

// Equal timeout tiers: after the short timeout and a clean re-check, Wait
// must not block a second time.
func TestWaitEqualTiersSingleBlock(t *testing.T) {
	c := New()
	a := c.NewThread(paramsFor(10*time.Millisecond, 10*time.Millisecond, 4, 15))
	b := c.NewThread(quickParams())

	id := ResourceID{Type: testType, Value: 1}
	if err := a.DeclareWait(b, id); err != nil {
		t.Fatalf("DeclareWait: %v", err)
	}

	var mu sync.Mutex
	mu.Lock()
	start := time.Now()
	out := a.Wait(&mu)
	elapsed := time.Since(start)
	mu.Unlock()

	if out != WaitTimedOut {
		t.Errorf("Wait = %v, want WaitTimedOut", out)
	}
	if elapsed > 100*time.Millisecond {
		t.Errorf("equal tiers must not block twice, waited %v", elapsed)
	}
	if s := c.Stats(); s.Timeouts != 1 {
		t.Errorf("expected 1 timeout recorded, got %d", s.Timeouts)
	}

	b.ReleaseAll()
	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

// A release landing between the tiers must be picked up by the second
// blocking wait.
func TestWaitSecondTierCatchesRelease(t *testing.T) {
	c := New()
	a := c.NewThread(paramsFor(20*time.Millisecond, time.Second, 4, 15))
	b := c.NewThread(quickParams())
	id := ResourceID{Type: testType, Value: 1}

	if err := a.DeclareWait(b, id); err != nil {
		t.Fatalf("DeclareWait: %v", err)
	}

	var mu sync.Mutex
	out := make(chan Outcome, 1)
	go func() {
		mu.Lock()
		o := a.Wait(&mu)
		mu.Unlock()
		out <- o
	}()

	time.Sleep(80 * time.Millisecond) // past the short tier
	b.Release(id)

	select {
	case o := <-out:
		if o != WaitOK {
			t.Errorf("Wait = %v, want WaitOK", o)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("waiter never woke during the long tier")
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

// If the last owner releases between declare and Wait, Wait must not block
// at all.
func TestWaitSkipsBlockingWhenOwnersAlreadyGone(t *testing.T) {
	c := New()
	a := c.NewThread(paramsFor(time.Minute, time.Minute, 4, 15))
	b := c.NewThread(quickParams())
	id := ResourceID{Type: testType, Value: 1}

	if err := a.DeclareWait(b, id); err != nil {
		t.Fatalf("DeclareWait: %v", err)
	}
	b.Release(id)

	var mu sync.Mutex
	mu.Lock()
	start := time.Now()
	out := a.Wait(&mu)
	mu.Unlock()

	if out != WaitOK {
		t.Errorf("Wait = %v, want WaitOK", out)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("Wait blocked despite the resource being free")
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

// Several blockers declared on one resource are one wait episode: one
// waiter count, several owner edges.
func TestDeclareWaitMultipleBlockersOneResource(t *testing.T) {
	c := New()
	a := c.NewThread(quickParams())
	b1 := c.NewThread(quickParams())
	b2 := c.NewThread(quickParams())
	id := ResourceID{Type: testType, Value: 5}

	if err := a.DeclareWait(b1, id); err != nil {
		t.Fatalf("first blocker: %v", err)
	}
	if err := a.DeclareWait(b2, id); err != nil {
		t.Fatalf("second blocker: %v", err)
	}
	// Declaring the same blocker twice must not duplicate the edge.
	if err := a.DeclareWait(b1, id); err != nil {
		t.Fatalf("repeat blocker: %v", err)
	}

	r := a.waiting.Load()
	if r == nil {
		t.Fatal("A should be waiting")
	}
	r.mu.RLock()
	owners, waiters := len(r.owners), r.waiterCount
	r.mu.RUnlock()
	if owners != 2 {
		t.Errorf("expected 2 owner edges, got %d", owners)
	}
	if waiters != 1 {
		t.Errorf("expected 1 waiter, got %d", waiters)
	}

	// Both owners must release before the waiter proceeds.
	b1.Release(id)
	var mu sync.Mutex
	mu.Lock()
	if out := a.Wait(&mu); out != WaitTimedOut {
		t.Errorf("Wait with one owner left = %v, want WaitTimedOut", out)
	}
	mu.Unlock()

	if err := a.DeclareWait(b2, id); err != nil {
		t.Fatalf("re-declare after timeout: %v", err)
	}
	b2.Release(id)
	mu.Lock()
	if out := a.Wait(&mu); out != WaitOK {
		t.Errorf("Wait after all owners released = %v, want WaitOK", out)
	}
	mu.Unlock()

	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestDeclareWaitDifferentResourceWhileWaiting(t *testing.T) {
	c := New()
	a := c.NewThread(quickParams())
	b := c.NewThread(quickParams())

	if err := a.DeclareWait(b, ResourceID{Type: testType, Value: 1}); err != nil {
		t.Fatalf("DeclareWait: %v", err)
	}
	err := a.DeclareWait(b, ResourceID{Type: testType, Value: 2})
	if err == nil || errors.Is(err, ErrDeadlock) {
		t.Errorf("declaring a second resource mid-episode should be a distinct error, got %v", err)
	}

	b.ReleaseAll()
	var mu sync.Mutex
	mu.Lock()
	a.Wait(&mu)
	mu.Unlock()
	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestDeclareWaitOnSelf(t *testing.T) {
	c := New()
	a := c.NewThread(quickParams())
	if err := a.DeclareWait(a, ResourceID{Type: testType, Value: 1}); err == nil {
		t.Error("a thread blocking on itself must be rejected")
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

// Release with nothing owned is a harmless no-op, even twice in a row.
func TestReleaseAllIdempotent(t *testing.T) {
	c := New()
	a := c.NewThread(quickParams())
	b := c.NewThread(quickParams())
	id := ResourceID{Type: testType, Value: 1}

	if err := a.DeclareWait(b, id); err != nil {
		t.Fatalf("DeclareWait: %v", err)
	}
	b.ReleaseAll()
	b.ReleaseAll()
	b.Release(id)

	var mu sync.Mutex
	mu.Lock()
	if out := a.Wait(&mu); out != WaitOK {
		t.Errorf("Wait = %v, want WaitOK", out)
	}
	mu.Unlock()
	a.ReleaseAll()

	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

// Allocation failure during the registry insert must surface as deadlock
// and leave no waiter count behind.
func TestDeclareWaitAllocationFailure(t *testing.T) {
	c := New()
	a := c.NewThread(quickParams())
	b := c.NewThread(quickParams())

	// Warm both descriptors up through one clean episode first, so the
	// injected failure hits the resource insert, not ensureReady.
	id := ResourceID{Type: testType, Value: 1}
	if err := a.DeclareWait(b, id); err != nil {
		t.Fatalf("warmup declare: %v", err)
	}
	b.Release(id)
	var mu sync.Mutex
	mu.Lock()
	a.Wait(&mu)
	mu.Unlock()

	c.registry.allocHook = func() error { return errors.New("injected") }
	err := a.DeclareWait(b, ResourceID{Type: testType, Value: 2})
	if !errors.Is(err, ErrDeadlock) {
		t.Fatalf("expected ErrDeadlock on allocation failure, got %v", err)
	}
	if a.waiting.Load() != nil {
		t.Error("failed declaration must leave the thread idle")
	}
	if n := c.registry.size(); n != 0 {
		t.Errorf("failed declaration leaked %d registry entries", n)
	}
	c.registry.allocHook = nil

	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestEnsureReadyFailureReportsDeadlock(t *testing.T) {
	c := New()
	c.registry.allocHook = func() error { return errors.New("injected") }
	a := c.NewThread(quickParams())
	b := c.NewThread(quickParams())

	err := a.DeclareWait(b, ResourceID{Type: testType, Value: 1})
	if !errors.Is(err, ErrDeadlock) {
		t.Fatalf("init failure must be reported as deadlock, got %v", err)
	}
}

// A resource exists exactly while it has an owner or a waiter.
func TestResourceLifecycle(t *testing.T) {
	c := New()
	a := c.NewThread(quickParams())
	b := c.NewThread(quickParams())
	id := ResourceID{Type: testType, Value: 1}

	if err := a.DeclareWait(b, id); err != nil {
		t.Fatalf("DeclareWait: %v", err)
	}
	if c.registry.size() != 1 {
		t.Error("declared resource should be registered")
	}
	if err := c.Close(); err == nil {
		t.Error("Close must fail while a resource is live")
	}

	// Owner gone, waiter still attached: the resource must survive.
	b.Release(id)
	if c.registry.size() != 1 {
		t.Error("resource with a waiter must not be removed")
	}

	var mu sync.Mutex
	mu.Lock()
	a.Wait(&mu)
	mu.Unlock()
	if c.registry.size() != 0 {
		t.Error("resource with no owners and no waiters must be removed")
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

// The kill flag must not leak into the next episode.
func TestKillFlagClearedOnFreshDeclare(t *testing.T) {
	c := New()
	a := c.NewThread(quickParams())
	b := c.NewThread(quickParams())
	a.SetWeight(1)
	b.SetWeight(2)

	if err := a.DeclareWait(b, ResourceID{Type: testType, Value: 1}); err != nil {
		t.Fatalf("a->b: %v", err)
	}
	if err := b.DeclareWait(a, ResourceID{Type: testType, Value: 2}); err != nil {
		t.Fatalf("b->a: %v", err)
	}
	if !a.Killed() {
		t.Fatal("A should have been chosen as victim")
	}

	var mu sync.Mutex
	mu.Lock()
	if out := a.Wait(&mu); out != WaitDeadlock {
		t.Fatalf("victim's Wait = %v, want WaitDeadlock", out)
	}
	mu.Unlock()
	a.ReleaseAll()
	mu.Lock()
	b.Wait(&mu)
	mu.Unlock()
	b.ReleaseAll()

	if err := a.DeclareWait(b, ResourceID{Type: testType, Value: 3}); err != nil {
		t.Fatalf("fresh declare after being killed: %v", err)
	}
	if a.Killed() {
		t.Error("fresh declaration must clear the kill flag")
	}

	b.Release(ResourceID{Type: testType, Value: 3})
	mu.Lock()
	if out := a.Wait(&mu); out != WaitOK {
		t.Errorf("post-kill episode = %v, want WaitOK", out)
	}
	mu.Unlock()
	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestDestroyAssertsCleanState(t *testing.T) {
	c := New()
	a := c.NewThread(quickParams())
	b := c.NewThread(quickParams())
	id := ResourceID{Type: testType, Value: 1}

	if err := a.DeclareWait(b, id); err != nil {
		t.Fatalf("DeclareWait: %v", err)
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Error("Destroy of an owning thread should panic")
			}
		}()
		b.Destroy()
	}()

	b.ReleaseAll()
	var mu sync.Mutex
	mu.Lock()
	a.Wait(&mu)
	mu.Unlock()

	a.Destroy()
	b.Destroy()
	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

// A descriptor's first real use may be triggered by other threads declaring
// it as blocker, racing the descriptor's own first call. All paths go
// through the same one-time initialization, so this must be clean under the
// race detector.
func TestConcurrentFirstUseOfSharedBlocker(t *testing.T) {
	c := New()
	blocker := c.NewThread(quickParams())
	other := c.NewThread(quickParams())

	const waiters = 8
	threads := make([]*ThreadDescriptor, waiters)
	for i := range threads {
		threads[i] = c.NewThread(quickParams())
	}

	var g errgroup.Group
	g.Go(func() error {
		return blocker.DeclareWait(other, ResourceID{Type: testType, Value: 100})
	})
	for i := 0; i < waiters; i++ {
		i := i
		g.Go(func() error {
			return threads[i].DeclareWait(blocker, ResourceID{Type: testType, Value: uint64(i)})
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent first declare: %v", err)
	}

	other.ReleaseAll()
	var mu sync.Mutex
	mu.Lock()
	if out := blocker.Wait(&mu); out != WaitOK {
		t.Errorf("blocker's wait = %v, want WaitOK", out)
	}
	mu.Unlock()
	blocker.ReleaseAll()
	for _, thd := range threads {
		mu.Lock()
		if out := thd.Wait(&mu); out != WaitOK {
			t.Errorf("waiter's wait = %v, want WaitOK", out)
		}
		mu.Unlock()
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestWaitWithoutDeclare(t *testing.T) {
	c := New()
	a := c.NewThread(quickParams())
	var mu sync.Mutex
	mu.Lock()
	if out := a.Wait(&mu); out != WaitOK {
		t.Errorf("Wait without a declared edge = %v, want WaitOK", out)
	}
	mu.Unlock()
}
