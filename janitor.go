package expiringmap

import "time"

/*
arm and fire implement the C4/C6 boundary: instead of the teacher's
periodic ticker sweeping the whole table, exactly one entry — the
index's current first() — ever has a firing armed at a time. Every
mutation that can change who's first (Put, Remove, reset, eviction)
re-arms afterward, so the scheduler never wakes up more often than the
next real deadline requires.

ROLE IN THE ENGINE

There is no lazy expiration: Get does not compare an entry's deadline
with the clock, it simply trusts the index. fire's drain loop is the
only path that removes expired entries, so an entry whose deadline has
passed stays visible to Get until the scheduler has run fire for it.

EXECUTION MODEL

- arm(e) is a no-op if e already has a firing pending; otherwise it
  computes delay = max(0, e.expectedAt - now()) and asks the scheduler
  to call fire(e) after delay elapses, on the scheduler's single worker
  goroutine.

- fire(e) runs with the map's writer lock, and implements spec.md
  §4.4's expiration task:
    1. If e is still the entry a firing was armed for, remove it from
       the index and collect it for notification.
    2. Drain the index's head for as long as it's already due, removing
       and collecting each one — a single wakeup can therefore sweep
       many simultaneous deadlines.
    3. When the head is future-dated, re-arm for it and stop; when the
       index is empty, just stop.
    4. Release the writer lock, then dispatch every collected entry.

CONCURRENCY & SAFETY

- fire never calls a listener while holding the writer lock: listener
  callbacks may themselves call back into the map (e.g. to re-Put the
  just-expired key), and doing so while still holding the lock used by
  Put would deadlock.

- A firing that loses a race with cancel never reaches fire at all: the
  scheduler checks the shared valid flag immediately before invoking the
  task (see scheduler.go), so a firing cancelled between being queued
  and being run is simply dropped.
*/

// arm schedules a firing for e if one isn't already pending. Caller
// must hold the writer lock.
func (m *Map[K, V]) arm(e *entry[K, V]) {
	if e.isScheduled() {
		return
	}
	delay := time.Duration(e.expectedAt - m.clk.Now().UnixNano())
	if delay < 0 {
		delay = 0
	}
	handle := m.sched.scheduleAfter(delay, func() { m.fire(e) })
	e.attachSchedule(handle)
}

// fire is the expiration task armed for e. It always runs on the
// scheduler's worker goroutine.
func (m *Map[K, V]) fire(e *entry[K, V]) {
	m.mu.Lock()

	var expired []*entry[K, V]

	if e.isScheduled() {
		if _, ok := m.idx.remove(e.key); ok {
			expired = append(expired, e)
		}
		e.cancel(false, m.clk)
	}

	now := m.clk.Now().UnixNano()
	for {
		head, ok := m.idx.first()
		if !ok {
			break
		}
		if head.expectedAt > now {
			m.arm(head)
			break
		}
		m.idx.remove(head.key)
		head.cancel(false, m.clk)
		expired = append(expired, head)
	}

	m.mu.Unlock()

	for _, x := range expired {
		m.stats.expirations.Inc()
		m.dispatcher.dispatch(x.key, x.value)
	}
}

// resetEntryLocked implements spec.md §4.6.10: cancel any pending
// firing for e (optionally resetting its deadline), reorder it in the
// index, and re-arm if a firing was cancelled or the caller asked for
// one regardless (scheduleFirst — used by per-entry policy/duration
// changes, which must re-arm even when e wasn't the scheduled head).
// Caller must hold the writer lock.
func (m *Map[K, V]) resetEntryLocked(e *entry[K, V], scheduleFirst bool) {
	wasScheduled := e.cancel(true, m.clk)
	if wasScheduled {
		m.stats.reschedules.Inc()
	}
	m.idx.reorder(e)
	if wasScheduled || scheduleFirst {
		if head, ok := m.idx.first(); ok {
			m.arm(head)
		}
	}
}
