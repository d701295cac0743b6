package expiringmap

import (
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// defaultPoolLimit bounds the process-wide cached pool used for async
// and offloaded sync listener dispatch (C5). It is generous rather than
// tuned, matching the "cached thread pool" the source describes.
const defaultPoolLimit = 256

var (
	runtimeMu     sync.Mutex
	globalSched   *scheduler
	globalPool    *errgroup.Group
	globalFactory ThreadFactory = defaultThreadFactory
)

// SetThreadFactory overrides the goroutine spawner used by the
// process-wide scheduler. It must be called before the first Map is
// built; spec.md §5 calls this out explicitly since the scheduler is a
// lazily-initialized singleton. Panics if the scheduler already exists.
func SetThreadFactory(f ThreadFactory) {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	if globalSched != nil {
		panic("expiringmap: SetThreadFactory called after the scheduler was already initialized")
	}
	if f == nil {
		f = defaultThreadFactory
	}
	globalFactory = f
}

// sharedScheduler returns the process-wide scheduler, creating it bound
// to clk on first use. Later Maps built with a different clock still
// share this scheduler's clock for firing purposes; tests that need an
// isolated clock should call ResetForTesting first.
func sharedScheduler(clk Clock, logger *zap.Logger) *scheduler {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	if globalSched == nil {
		globalSched = newScheduler(clk, globalFactory, logger)
	}
	return globalSched
}

func sharedPool() *errgroup.Group {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	if globalPool == nil {
		g := &errgroup.Group{}
		g.SetLimit(defaultPoolLimit)
		globalPool = g
	}
	return globalPool
}

// Shutdown stops the process-wide scheduler and waits for any in-flight
// asynchronous listener dispatch to finish. Safe to call multiple
// times; a later Map built after Shutdown re-initializes both
// singletons lazily. Daemon-style goroutines mean this is optional for
// process exit, but callers embedding the package in long-lived
// processes that build and discard many Maps should call it to release
// the worker goroutine.
func Shutdown() {
	runtimeMu.Lock()
	sched := globalSched
	pool := globalPool
	runtimeMu.Unlock()

	if sched != nil {
		sched.shutdown()
	}
	if pool != nil {
		_ = pool.Wait()
	}

	runtimeMu.Lock()
	globalSched = nil
	globalPool = nil
	runtimeMu.Unlock()
}

// ResetForTesting shuts down and clears process-wide state, including
// any overridden thread factory. Intended for use between test cases
// only, so each test can bind the scheduler to its own mock clock.
func ResetForTesting() {
	Shutdown()
	runtimeMu.Lock()
	globalFactory = defaultThreadFactory
	runtimeMu.Unlock()
}
