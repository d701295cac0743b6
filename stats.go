package expiringmap

import "go.uber.org/atomic"

/*
Stats is a point-in-time snapshot of a Map's runtime counters.

Adapted from the teacher's hit/miss/eviction counters, extended with
two counters specific to the expiration engine: Expirations (entries
the scheduler actually swept) and Reschedules (resets that cancelled a
pending firing and re-armed a later one).

    hit_ratio = Hits / (Hits + Misses)
*/
type Stats struct {
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Expirations uint64
	Reschedules uint64
}

// internalStats holds the live, concurrently-updated counters backing
// Stats. Unlike the teacher's plain fields guarded by the cache's own
// mutex, these are atomic: Get only takes the engine's reader lock on
// its hot path, and a plain uint64 field would race under concurrent
// readers incrementing Hits/Misses.
type internalStats struct {
	hits        atomic.Uint64
	misses      atomic.Uint64
	evictions   atomic.Uint64
	expirations atomic.Uint64
	reschedules atomic.Uint64
}

func (s *internalStats) snapshot() Stats {
	return Stats{
		Hits:        s.hits.Load(),
		Misses:      s.misses.Load(),
		Evictions:   s.evictions.Load(),
		Expirations: s.expirations.Load(),
		Reschedules: s.reschedules.Load(),
	}
}
