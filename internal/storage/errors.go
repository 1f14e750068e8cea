package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrDuplicate is returned when an insert violates a uniqueness constraint,
// e.g. an agent name that is already taken.
var ErrDuplicate = errors.New("storage: duplicate")
