package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrConflict indicates a conditional write lost against a concurrent one;
// the row exists but its current state no longer matches the caller's view.
var ErrConflict = errors.New("repository: conflicting write")
