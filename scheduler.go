package expiringmap

import (
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ThreadFactory spawns the goroutine that backs the scheduler's single
// worker. Replaceable at process init for hosted environments that
// restrict ad hoc goroutine creation; see spec.md §5 "Shared resources".
// SetThreadFactory panics if called after the scheduler has started.
type ThreadFactory func(run func())

func defaultThreadFactory(run func()) { go run() }

// schedTask is what a fired clock.Timer hands to the worker loop. valid
// is the same *atomic.Bool held by the entry's scheduleHandle: cancel
// flips it before the worker ever inspects it, so a task queued just
// before cancellation is silently dropped (spec.md invariant 5).
type schedTask struct {
	valid *atomic.Bool
	fn    func()
}

// scheduler is the C4 component: one background worker that runs the
// earliest-due entry's expiration task. The engine re-arms the new
// first() after every mutation, so normally one firing is armed per map
// at a time (an insert that becomes the new head can briefly leave the
// previous head's firing pending as well; fire tolerates this). The
// scheduler itself only needs to run whatever lands on its channel,
// serially, in order.
type scheduler struct {
	clk     Clock
	logger  *zap.Logger
	runCh   chan *schedTask
	quit    chan struct{}
	quitErr sync.Once
	wg      sync.WaitGroup
}

func newScheduler(clk Clock, factory ThreadFactory, logger *zap.Logger) *scheduler {
	s := &scheduler{
		clk:    clk,
		logger: logger,
		runCh:  make(chan *schedTask, 64),
		quit:   make(chan struct{}),
	}
	s.wg.Add(1)
	factory(s.run)
	return s
}

func (s *scheduler) run() {
	defer s.wg.Done()
	for {
		select {
		case t := <-s.runCh:
			if t.valid.Load() {
				t.fn()
			}
		case <-s.quit:
			return
		}
	}
}

// scheduleAfter arms fn to run on the scheduler's single worker once
// delay elapses, returning a handle cancel can use to suppress it.
func (s *scheduler) scheduleAfter(delay time.Duration, fn func()) *scheduleHandle {
	if delay < 0 {
		delay = 0
	}
	valid := atomic.NewBool(true)
	task := &schedTask{valid: valid, fn: fn}

	timer := s.clk.AfterFunc(delay, func() {
		select {
		case s.runCh <- task:
		case <-s.quit:
		}
	})

	return &scheduleHandle{valid: valid, timer: timer}
}

// shutdown stops the worker and waits for it to exit. Pending tasks are
// drained, not fired early (spec.md §5 "Cancellation and timeouts").
func (s *scheduler) shutdown() {
	s.quitErr.Do(func() {
		close(s.quit)
	})
	s.wg.Wait()
}
