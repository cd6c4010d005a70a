package syncutil

import "sync"

// PrLock is a reader-preferring reader/writer lock.
//
// Unlike sync.RWMutex, readers are admitted whenever no writer holds the
// lock, even if writers are queued. That makes recursive read-locking safe:
// a goroutine already holding a read lock may take another read lock on the
// same PrLock without deadlocking against a pending writer. The price is
// that writers can starve under constant read pressure, so callers keep
// write sections short and infrequent.
type PrLock struct {
	mu      Mutex
	cond    *sync.Cond
	readers int
	writer  bool
}

// cv lazily binds the condition variable; always called with mu held.
func (l *PrLock) cv() *sync.Cond {
	if l.cond == nil {
		l.cond = sync.NewCond(&l.mu)
	}
	return l.cond
}

// RLock acquires a read lock. It blocks only while a writer holds the lock,
// never while writers are merely queued.
func (l *PrLock) RLock() {
	l.mu.Lock()
	for l.writer {
		l.cv().Wait()
	}
	l.readers++
	l.mu.Unlock()
}

// RUnlock releases one read lock.
func (l *PrLock) RUnlock() {
	l.mu.Lock()
	l.readers--
	if l.readers < 0 {
		l.mu.Unlock()
		panic("syncutil: RUnlock of unlocked PrLock")
	}
	if l.readers == 0 {
		l.cv().Broadcast()
	}
	l.mu.Unlock()
}

// Lock acquires the write lock, waiting for the active writer and all
// current readers to drain.
func (l *PrLock) Lock() {
	l.mu.Lock()
	for l.writer || l.readers > 0 {
		l.cv().Wait()
	}
	l.writer = true
	l.mu.Unlock()
}

// Unlock releases the write lock.
func (l *PrLock) Unlock() {
	l.mu.Lock()
	if !l.writer {
		l.mu.Unlock()
		panic("syncutil: Unlock of unlocked PrLock")
	}
	l.writer = false
	l.cv().Broadcast()
	l.mu.Unlock()
}
