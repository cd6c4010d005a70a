package waitfor

import (
	"fmt"

	"go.uber.org/zap"
)

// Coordinator is the process-wide instance of the wait coordinator: the
// resource registry plus the statistics recorder. Create one with New,
// hand each worker thread a descriptor via NewThread, and Close it after
// every thread has released its resources.
type Coordinator struct {
	registry *registry
	stats    *statsRecorder
	logger   *zap.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger attaches a structured logger. The coordinator logs resource
// lifecycle and victim selection at debug level; with the default nop
// logger it is silent.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a Coordinator with empty statistics.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		registry: newRegistry(),
		stats:    newStatsRecorder(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close tears the coordinator down. It fails if any resource is still
// registered, which means some thread still owns or waits on something.
func (c *Coordinator) Close() error {
	if n := c.registry.size(); n != 0 {
		return fmt.Errorf("waitfor: close with %d live resources", n)
	}
	return nil
}

// Stats returns a copy of the counters accumulated since New.
func (c *Coordinator) Stats() StatsSnapshot {
	return c.stats.snapshot()
}

// unlockAndFree releases r's write lock and, if nobody owns or waits on r
// anymore, flips it to Freed and removes it from the registry. The flip
// happens under the lock, so any concurrent lookup that already holds a
// reference will observe Freed and retry; the pointer itself stays valid
// for as long as the holder keeps it.
func (c *Coordinator) unlockAndFree(r *resource) {
	if r.state == stateActive && r.removable() {
		r.state = stateFreed
		r.mu.Unlock()
		c.registry.remove(r)
		c.logger.Debug("resource freed", zap.Stringer("id", r.id))
		return
	}
	r.mu.Unlock()
}
