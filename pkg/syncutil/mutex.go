//go:build !deadlock

// Package syncutil provides the locking primitives used throughout the
// wait coordinator. By default the types are thin wrappers over the
// standard library with zero overhead; building with -tags=deadlock swaps
// in github.com/sasha-s/go-deadlock so the coordinator's own internal
// locking can be vetted during development.
package syncutil

import "sync"

// DeadlockEnabled reports whether the instrumented mutexes are compiled in.
const DeadlockEnabled = false

// Mutex is a mutual exclusion lock. Build with -tags=deadlock to enable
// lock-order and hold-time checking.
type Mutex struct {
	sync.Mutex
}

// RWMutex is a reader/writer mutual exclusion lock. Build with
// -tags=deadlock to enable lock-order and hold-time checking.
type RWMutex struct {
	sync.RWMutex
}
