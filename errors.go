package expiringmap

import "github.com/pkg/errors"

// Sentinel errors returned by Map operations. Compare with errors.Is;
// the underlying cause (when wrapped) is recoverable with errors.Cause.
var (
	// ErrKeyNotFound is returned by operations that require an existing
	// entry (GetExpiration, GetExpectedExpiration, SetExpiration) when
	// the key is absent.
	ErrKeyNotFound = errors.New("expiringmap: key not found")

	// ErrNullKey is not returned by any Map method: Put has no error
	// result and does not check its key, so a nil key of an
	// interface-typed K is stored like any other key.
	ErrNullKey = errors.New("expiringmap: nil key")

	// ErrNullValue is not returned by any Map method: Put stores a nil
	// value as given (see DESIGN.md, Open Question decision 2).
	ErrNullValue = errors.New("expiringmap: nil value")

	// ErrVariableExpirationRequired is returned by per-entry expiration
	// operations (PutWithExpiration, SetExpiration, SetExpirationPolicy)
	// on a map built without WithVariableExpiration.
	ErrVariableExpirationRequired = errors.New("expiringmap: operation requires variable expiration")

	// ErrConcurrentModification is returned by iterators when the map's
	// size changed since the iterator was created through a means other
	// than the iterator's own Remove.
	ErrConcurrentModification = errors.New("expiringmap: concurrent modification")
)

// configuration errors, surfaced via panic by the Builder's With*
// methods and by Build (see SPEC_FULL.md §10.2): these represent
// programmer error, not runtime conditions a caller should branch on.
// errNilListener is also returned, not panicked, by
// AddExpirationListener and AddAsyncExpirationListener.
var (
	errBothLoaders    = errors.New("expiringmap: EntryLoader and ExpiringEntryLoader are mutually exclusive")
	errNilListener    = errors.New("expiringmap: listener must not be nil")
	errNilLoader      = errors.New("expiringmap: loader must not be nil")
	errNonPositiveDur = errors.New("expiringmap: expiration duration must be positive")
	errNonPositiveMax = errors.New("expiringmap: max size must be positive")
)
