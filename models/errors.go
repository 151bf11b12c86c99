package models

import "errors"

// ErrNotFound is returned by ledger lookups when no row matches.
var ErrNotFound = errors.New("record not found")

// ErrVersionConflict is returned when an optimistic lot update loses against
// a concurrent writer. Under the per-lot admission lock this should not
// happen; seeing it outside a retry loop indicates the lock was bypassed.
var ErrVersionConflict = errors.New("optimistic version conflict")

// ErrDuplicate is returned when an insert violates a uniqueness guarantee,
// e.g. a second settlement record for the same lot.
var ErrDuplicate = errors.New("duplicate record")
