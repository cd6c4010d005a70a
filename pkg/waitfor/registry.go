package waitfor

import (
	"errors"

	"github.com/puzpuzpuz/xsync/v3"
)

// errAllocFailed is the internal marker for a failed resource allocation.
// It never escapes the package: per the error taxonomy, callers see
// allocation failure as ErrDeadlock, because the corrective action is the
// same either way.
var errAllocFailed = errors.New("waitfor: resource allocation failed")

// registry is the process-wide map from resource identity to the single
// live resource instance for that identity. Entries are keyed on the raw
// ResourceID value, which is why identities must be canonical under their
// type's comparator. The concurrent map gives atomic
// find-or-insert and keeps entries dereferenceable while a concurrent
// removal is in flight; the Active/Freed flag on the entry closes the
// remaining window between "found by lookup" and "about to be deleted".
type registry struct {
	m *xsync.MapOf[ResourceID, *resource]

	// allocHook, when set, is consulted before any allocation on behalf of
	// a caller. Tests use it to exercise the allocation-failure paths.
	allocHook func() error
}

func newRegistry() *registry {
	return &registry{m: xsync.NewMapOf[ResourceID, *resource]()}
}

// findOrCreate returns the live resource for id, inserting a fresh Active
// one if none exists. The returned resource may have been flipped to Freed
// by a concurrent removal between lookup and use; callers must lock it,
// re-check the state, and call findOrCreate again if they lost that race.
func (g *registry) findOrCreate(id ResourceID) (*resource, error) {
	if r, ok := g.m.Load(id); ok {
		return r, nil
	}
	if h := g.allocHook; h != nil {
		if err := h(); err != nil {
			return nil, errAllocFailed
		}
	}
	// A concurrent insert race is resolved here: the loser gets the
	// winner's stored resource, never its own discarded candidate.
	r, _ := g.m.LoadOrCompute(id, func() *resource {
		return newResource(id)
	})
	return r, nil
}

// remove deletes the entry for r's identity, but only if the registry still
// maps it to r. A concurrent findOrCreate may have already replaced the
// entry with a fresh instance after r was freed; that newcomer must not be
// torn down.
func (g *registry) remove(r *resource) {
	g.m.Compute(r.id, func(cur *resource, loaded bool) (*resource, bool) {
		if loaded && cur == r {
			return nil, true
		}
		return cur, false
	})
}

// size reports the number of live entries.
func (g *registry) size() int {
	return g.m.Size()
}
