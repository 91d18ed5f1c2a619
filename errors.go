package blockindex

import "errors"

// ErrInvalidArgument is a ConfigurationError per spec.md §7: thrown
// synchronously for a caller mistake (a malformed Key, a non-positive
// scan limit), never retried.
var ErrInvalidArgument = errors.New("blockindex: invalid argument")

// ErrNotFound is returned by Get for a key with no live index entry
// (never present, already deleted, or expired).
var ErrNotFound = errors.New("blockindex: not found")
