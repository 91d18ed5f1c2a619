package store

import "context"

// Store is the contract this library needs from the remote key-value
// database. Transport, authentication, and retry-on-network-error are
// the implementation's responsibility, not the caller's (spec.md §1,
// "out of scope: external collaborators").
type Store interface {
	// Operate executes ops against a single record atomically: either
	// every op is applied and its Result observed, or none are.
	//
	// Returns ErrKeyNotFound if the record doesn't exist; Operate never
	// creates a record (see CreateRecord).
	Operate(ctx context.Context, key Key, ops ...Op) ([]Result, error)

	// CreateRecord atomically creates a brand-new record with the
	// given initial bin values, then applies ops. Fails with
	// ErrKeyExists if the record already exists.
	CreateRecord(ctx context.Context, key Key, bins map[string]any, ops ...Op) ([]Result, error)

	// Get reads whole-record bin values. Returns ErrKeyNotFound if
	// absent.
	Get(ctx context.Context, key Key, bins ...string) (map[string]any, error)

	// Put writes whole-record bin values, creating the record if
	// absent and merging into it otherwise.
	Put(ctx context.Context, key Key, bins map[string]any, ttlSeconds int64) error

	// Delete removes a whole record. Reports whether it existed.
	Delete(ctx context.Context, key Key) (bool, error)

	// Add atomically increments an integer bin by delta and returns
	// the post-increment value, creating the record (bin=0) first if
	// absent.
	Add(ctx context.Context, key Key, bin string, delta int64) (int64, error)

	// BatchGet reads one bin from each of several records in one
	// round trip, preserving input order; a missing record yields nil
	// at that position instead of an error.
	BatchGet(ctx context.Context, keys []Key, bin string) ([]any, error)
}
