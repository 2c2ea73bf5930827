package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrConflict indicates a write lost an optimistic-concurrency race.
var ErrConflict = errors.New("repository: concurrent modification")

// ErrInvalidArgument indicates the store rejected malformed input.
var ErrInvalidArgument = errors.New("repository: invalid argument")
