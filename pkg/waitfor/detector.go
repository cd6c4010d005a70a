package waitfor

import (
	"go.uber.org/zap"
)

// searchResult is the internal outcome of one cycle search.
type searchResult int8

const (
	searchOK searchResult = iota
	searchDeadlock
	searchDepthExceeded
)

// searchState carries the per-detection bookkeeping down and up the
// recursion: the root the search is charged to, the current best victim,
// and the explicit "carried lock" guards. At most two resource read locks
// outlive any single stack frame: victimHeld, pinning the current best
// victim's wait resource, and frameHeld, the lock a returning frame hands
// to its caller for the promotion decision.
type searchState struct {
	root     *ThreadDescriptor
	maxDepth int

	victim     *ThreadDescriptor
	victimHeld *resource // read-locked victim.waiting; nil while victim == root
	frameHeld  *resource // read-locked resource handed up by a deadlock return

	cycleSeen  bool
	cycleDepth int
}

// promote considers cand as a victim candidate, consuming st.frameHeld
// (cand's read-locked wait resource). Strictly lower weight wins; ties keep
// the earlier choice, so the thread that initiated the detection is only
// ever the victim when no lighter thread sits on the cycle.
func (st *searchState) promote(cand *ThreadDescriptor) {
	if cand.Weight() < st.victim.Weight() {
		if st.victimHeld != nil {
			st.victimHeld.mu.RUnlock()
		}
		st.victim = cand
		st.victimHeld = st.frameHeld
	} else if st.frameHeld != nil {
		st.frameHeld.mu.RUnlock()
	}
	st.frameHeld = nil
}

// releaseAll drops whatever guards are still held.
func (st *searchState) releaseAll() {
	if st.frameHeld != nil {
		st.frameHeld.mu.RUnlock()
		st.frameHeld = nil
	}
	if st.victimHeld != nil {
		st.victimHeld.mu.RUnlock()
		st.victimHeld = nil
	}
}

// search walks the wait-for graph from blocker looking for a path back to
// st.root. It is depth-bounded and deliberately not a textbook DFS: at each
// level every owner is first checked against the root before recursing into
// any of them, which keeps victim selection predictable, and the sibling
// scan never short-circuits on a found cycle, because a lighter victim may
// sit behind a later sibling and a truncated sibling must still charge the
// depth-exceeded outcome.
//
// On a searchDeadlock return the frame's resource read lock is still held
// and handed to the caller in st.frameHeld; on any other return all locks
// taken by the frame have been released.
func (c *Coordinator) search(st *searchState, blocker *ThreadDescriptor, depth int) searchResult {
	st.frameHeld = nil
	if depth > st.maxDepth {
		return searchDepthExceeded
	}

	// Optimistic resolve of the edge target: re-read under the read lock
	// and retry if the resource changed or was concurrently freed.
	var rc *resource
	for {
		rc = blocker.waiting.Load()
		if rc == nil {
			// Not waiting on anything: a leaf of the graph.
			return searchOK
		}
		rc.mu.RLock()
		if blocker.waiting.Load() == rc && rc.state == stateActive {
			break
		}
		rc.mu.RUnlock()
	}

	// Check all siblings before recursing into any of them.
	for _, owner := range rc.owners {
		if owner == st.root {
			if !st.cycleSeen {
				st.cycleSeen = true
				st.cycleDepth = depth
			}
			st.frameHeld = rc
			return searchDeadlock
		}
	}

	ret := searchOK
	for _, owner := range rc.owners {
		switch c.search(st, owner, depth+1) {
		case searchOK:
		case searchDepthExceeded:
			if ret != searchDeadlock {
				ret = searchDepthExceeded
			}
		case searchDeadlock:
			ret = searchDeadlock
			// owner sits on the cycle; its wait resource arrives
			// read-locked in st.frameHeld.
			st.promote(owner)
		}
	}

	if ret == searchDeadlock {
		st.frameHeld = rc
	} else {
		rc.mu.RUnlock()
	}
	return ret
}

// detect runs one full detection pass and acts on the result. It is the
// single wrapper used by both call sites: DeclareWait (rooted one edge away
// at the blocker, depth 1, short bound) and the re-check inside Wait
// (self-rooted, depth 0, long bound).
//
// Depth truncation is not an error: it is converted to searchOK and charged
// to the overflow bucket, absence of proof being no proof of absence. When
// a cycle is found and the chosen victim is not the calling thread, the
// victim is killed and woken here and the caller's own operation proceeds
// as searchOK.
func (c *Coordinator) detect(thd, blocker *ThreadDescriptor, depth, maxDepth int, longPass bool) searchResult {
	st := &searchState{
		root:     thd,
		maxDepth: maxDepth,
		victim:   thd,
	}
	ret := c.search(st, blocker, depth)

	switch ret {
	case searchDepthExceeded:
		c.stats.recordCycleOverflow(longPass)
		ret = searchOK
	case searchDeadlock:
		c.stats.recordCycle(st.cycleDepth, longPass)
		if depth != 0 {
			// Starting one edge away from the root, blocker is never
			// visited as a node inside the search, so it gets its victim
			// consideration here.
			st.promote(blocker)
		}
	}

	if ret == searchDeadlock && st.victim != thd {
		// Somebody else aborts; their wait resource is still read-locked
		// in victimHeld, so the kill and the wakeup cannot race with the
		// victim moving on to another resource.
		st.victim.killed.Store(true)
		if st.victimHeld != nil {
			st.victimHeld.broadcast()
		}
		c.logger.Debug("deadlock victim chosen",
			zap.Int64("victimWeight", st.victim.Weight()),
			zap.Int("cycleDepth", st.cycleDepth),
			zap.Bool("longPass", longPass))
		ret = searchOK
	}

	st.releaseAll()
	return ret
}
