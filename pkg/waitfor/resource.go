package waitfor

import (
	"fmt"
	"slices"

	"waitfor/pkg/syncutil"
)

// ResourceType describes a class of waitable resources. The coordinator
// never interprets resource identities itself; it only needs to know when
// two identities of the same type denote the same resource, which is what
// Compare decides.
type ResourceType struct {
	// Name is used in log messages and metrics labels only.
	Name string

	// Compare orders two identities of this type, returning a negative
	// number, zero, or a positive number. A nil Compare falls back to
	// DefaultCompare.
	Compare func(a, b ResourceID) int
}

func (rt *ResourceType) compare(a, b ResourceID) int {
	if rt != nil && rt.Compare != nil {
		return rt.Compare(a, b)
	}
	return DefaultCompare(a, b)
}

// DefaultCompare is the comparator used when a ResourceType does not supply
// its own: a raw comparison of the identity value.
func DefaultCompare(a, b ResourceID) int {
	switch {
	case a.Value < b.Value:
		return -1
	case a.Value > b.Value:
		return 1
	default:
		return 0
	}
}

// ResourceID identifies a waitable resource: an opaque 64-bit value
// qualified by its type. The mapping from an ID to a real-world entity
// (row lock, table lock, ...) is entirely the caller's business.
//
// Identities handed to the coordinator must be canonical: the registry
// stores resources keyed by the raw (Type, Value) pair, so two identities a
// custom comparator equates must also carry identical values when used to
// declare or release waits. A non-canonical pair would land in separate
// registry entries while still matching each other on release.
type ResourceID struct {
	Type  *ResourceType
	Value uint64
}

// Equal reports whether two identities denote the same resource: the type
// pointers must match and the type's comparator must consider them equal.
func (id ResourceID) Equal(other ResourceID) bool {
	return id.Type == other.Type && id.Type.compare(id, other) == 0
}

func (id ResourceID) String() string {
	name := "resource"
	if id.Type != nil && id.Type.Name != "" {
		name = id.Type.Name
	}
	return fmt.Sprintf("%s:%d", name, id.Value)
}

type resourceState uint8

const (
	// stateActive means the resource is reachable through the registry
	// and usable.
	stateActive resourceState = iota

	// stateFreed is set exactly once, under the resource's write lock,
	// immediately before the entry is removed from the registry. A lookup
	// that observes it must retry.
	stateFreed
)

// resource is a node of the wait-for graph: the thing threads own and other
// threads block on. It comes into existence on the first waiter and goes
// away on the last release, so one ResourceID may correspond to many
// resource instances over the life of the process.
type resource struct {
	id ResourceID

	// mu guards owners, waiterCount and state. It is reader-preferring
	// because the cycle detector may read-lock the same resource twice on
	// one search path (two threads on the path waiting on one resource).
	mu          syncutil.PrLock
	owners      []*ThreadDescriptor
	waiterCount int
	state       resourceState

	// wake is closed (and replaced) to broadcast to every blocked waiter.
	// Guarded by wakeMu, deliberately separate from mu so that a detector
	// holding only a read lock can still broadcast a kill.
	wakeMu syncutil.Mutex
	wake   chan struct{}
}

func newResource(id ResourceID) *resource {
	return &resource{
		id:   id,
		wake: make(chan struct{}),
	}
}

// wakeChan returns the channel a waiter should select on. The snapshot must
// be taken before the waiter checks its wake conditions, so a broadcast
// racing with the check still lands on the snapshotted channel.
func (r *resource) wakeChan() <-chan struct{} {
	r.wakeMu.Lock()
	ch := r.wake
	r.wakeMu.Unlock()
	return ch
}

// broadcast wakes every thread currently blocked on the resource. Wakeups
// are broadcast rather than queued: all owners must release before any
// waiter can proceed, so there is nothing to hand off to a single waiter.
func (r *resource) broadcast() {
	r.wakeMu.Lock()
	close(r.wake)
	r.wake = make(chan struct{})
	r.wakeMu.Unlock()
}

// hasOwner reports whether t is among the owners. Caller holds mu.
func (r *resource) hasOwner(t *ThreadDescriptor) bool {
	return slices.Contains(r.owners, t)
}

// addOwner appends t to the owners. Caller holds mu exclusively and has
// already checked membership; order within the slice carries no meaning.
func (r *resource) addOwner(t *ThreadDescriptor) {
	r.owners = append(r.owners, t)
}

// removeOwner swap-removes t from the owners and reports whether it was
// present. Caller holds mu exclusively.
func (r *resource) removeOwner(t *ThreadDescriptor) bool {
	i := slices.Index(r.owners, t)
	if i < 0 {
		return false
	}
	last := len(r.owners) - 1
	r.owners[i] = r.owners[last]
	r.owners[last] = nil
	r.owners = r.owners[:last]
	return true
}

// removable reports whether the resource may leave the registry: nobody
// owns it and nobody waits on it. Caller holds mu.
func (r *resource) removable() bool {
	return len(r.owners) == 0 && r.waiterCount == 0
}
