// Package waitfor implements a deadlock-detecting wait coordinator: an
// embeddable library that lets independent worker threads declare "I will
// wait for resource R, currently held by thread B", block until the
// resource frees up, and never deadlock as a group. A built-in detector
// checks every declared edge against the global wait-for graph and, when a
// cycle appears, deterministically picks a victim to abort.
//
// # What this package is not
//
// It is not a lock manager. It never grants or enforces exclusivity;
// callers already track who owns what and use this package only to wait
// and to detect cycles. There is no fairness among waiters (wakeups are
// broadcast, not queued) and no state survives the process.
//
// # Components
//
//   - [Coordinator]: process-wide handle holding the resource registry and
//     the statistics recorder. One per process, created with [New].
//   - [ThreadDescriptor]: one per physical worker thread, created with
//     [Coordinator.NewThread]; tracks what the thread waits for, what it
//     owns, its victim-arbitration weight and its kill flag.
//   - resource registry: concurrent map from [ResourceID] to the live
//     resource node (owners, waiter count, lifecycle state, wake channel).
//     Resources come into existence on the first waiter and disappear on
//     the last release.
//   - cycle detector: depth-bounded recursive search over the wait-for
//     graph, run with a short bound at declare time and a longer bound
//     when the short wait timeout fires.
//   - statistics: success/timeout/deadlock counters, per-pass cycle-length
//     histograms and a log-scale wait-duration histogram, exportable via
//     [Coordinator.Stats] or [NewMetricsCollector].
//
// # Wait episode flow
//
// A thread T that must wait for a resource held by B:
//
//  1. Calls [ThreadDescriptor.DeclareWait] for each current owner of the
//     resource. The first call attaches T as a waiter; every call records
//     the owner edge and runs the short-bounded cycle search.
//  2. Calls [ThreadDescriptor.Wait] holding its own mutex, exactly like a
//     condition-variable wait. If the short timeout fires, the detector
//     re-runs self-rooted with the long bound; if that clears, one more
//     block until the long timeout.
//  3. An owner calling [ThreadDescriptor.Release] (or ReleaseAll) removes
//     its ownership; the last owner out broadcasts to every waiter.
//
// Every blocking outcome is one of [WaitOK], [WaitTimedOut] or
// [WaitDeadlock]; DeclareWait reports [ErrDeadlock]. Deadlock covers a
// detected cycle with the caller as victim, a kill from a concurrent
// detection, and allocation failure. Callers treat all three the same way:
// abort and roll back the current unit of work.
//
// # Victim arbitration
//
// Every thread carries a caller-assigned weight; among the members of a
// detected cycle the lowest weight loses, ties keeping the thread that ran
// the detection. A victim other than the detecting thread is killed
// asynchronously: its kill flag is set and its wait resource is woken, so
// it discovers the verdict either on wakeup or on its next call.
//
// # Statistics caveats
//
// The short and long detector passes record cycle lengths independently,
// so one logical deadlock seen by both passes is counted twice, once per
// pass. That is deliberate: per-pass counts are what monitoring wants.
// Depth-truncated searches are charged to the overflow bucket and reported
// to the caller as "no cycle" (absence of proof, not proof of absence).
package waitfor
