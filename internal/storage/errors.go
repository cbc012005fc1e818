package storage

import "errors"

// ErrNotFound is returned when a requested row does not exist.
// Callers match it with errors.Is to map lookups to 404s.
var ErrNotFound = errors.New("storage: not found")
