package interfaces

import "errors"

// ErrKeyNotFound is returned when a key is not found in the lock or counter store
var ErrKeyNotFound = errors.New("key not found")
