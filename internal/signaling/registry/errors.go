package registry

import "errors"

// Sentinel errors for error checking with errors.Is
var (
	ErrDuplicateConnection = errors.New("connection already registered")
	ErrConnectionNotFound  = errors.New("connection not registered")
	ErrDuplicateSession    = errors.New("session already active")
	ErrSessionNotFound     = errors.New("session not found")
	ErrEmptyID             = errors.New("empty id")
)
