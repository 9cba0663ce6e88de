package app

import "errors"

// ErrNotFound and related errors describe runtime failures outside the domain taxonomy.
var (
	ErrNotFound      = errors.New("not found")
	ErrResyncTimeout = errors.New("resync timed out")
)
