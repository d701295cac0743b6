// Package expiringmap provides a thread-safe, generic associative
// container whose entries automatically expire after a configurable
// duration.
//
// Entries may share a single map-level expiration policy and duration
// (the default, "uniform" mode) or carry their own policy and duration
// individually (WithVariableExpiration). Expiration is driven by a
// single background scheduler that keeps a firing armed for whichever
// entry is due next, rather than a periodic full-table sweep, so idle
// maps cost nothing beyond a pending timer.
//
//	m := expiringmap.NewBuilder[string, int]().
//		WithExpiration(5 * time.Minute).
//		WithExpirationPolicy(expiringmap.PolicyAccessed).
//		WithExpirationListener(func(key string, value int) {
//			log.Printf("expired: %s=%d", key, value)
//		}).
//		Build()
//	m.Put("sessions", 1)
package expiringmap
