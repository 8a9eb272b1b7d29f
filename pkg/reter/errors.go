package reter

import "errors"

// Sentinel errors for the kinds listed in spec §7. Callers match with
// errors.Is; wrapped context is added with fmt.Errorf("reter: ...: %w", ...).
var (
	// ErrDuplicateFact is never returned to callers directly — Add and
	// AddWithSource report it only via the added=false return value — but
	// it is kept as a sentinel so internal call sites and tests can use
	// errors.Is uniformly.
	ErrDuplicateFact = errors.New("reter: duplicate fact")

	// ErrMalformedFact marks a fact that is missing a required attribute
	// for its declared type. The fact is still stored; this is carried on
	// the side for logging, never returned from Add.
	ErrMalformedFact = errors.New("reter: malformed fact")

	// ErrQueryParse is returned by ParseREQL with line/column context
	// wrapped in.
	ErrQueryParse = errors.New("reter: query parse error")

	// ErrQueryTimeout is returned by Network.Execute when the deadline set by
	// a positive timeout_ms elapses before the query completes.
	ErrQueryTimeout = errors.New("reter: query timeout")

	// ErrQueryTypeMismatch is not returned by any function in this package:
	// a filter comparing a numeric with a non-numeric operand falls back to
	// lexicographic string comparison instead of failing.
	ErrQueryTypeMismatch = errors.New("reter: filter operand type mismatch")

	// ErrCorruptDeltaEntry marks a journal entry skipped during replay
	// because its CRC did not match.
	ErrCorruptDeltaEntry = errors.New("reter: corrupt delta entry")

	// ErrIncompatibleBase is returned by Open when the delta's recorded
	// base fingerprint does not match the opened base snapshot.
	ErrIncompatibleBase = errors.New("reter: delta incompatible with base snapshot")

	// ErrConcurrentCompaction is returned by CompactAsync when a
	// compaction is already in flight for this Handle.
	ErrConcurrentCompaction = errors.New("reter: compaction already in progress")

	// ErrLazyMutation is not returned by any function in this package: the
	// Handle's mutating methods always materialize a lazily opened store
	// first, and there is no option to turn that off.
	ErrLazyMutation = errors.New("reter: network is lazy-loaded; call Materialize first")
)
