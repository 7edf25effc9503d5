// Package dialplan decides where an inbound call goes for a widget: business
// hours evaluation, route selection with fallback, and destination
// classification.
package dialplan

import (
	"errors"
	"fmt"
)

// Sentinel errors for error checking with errors.Is
var (
	ErrInvalidWindow      = errors.New("invalid business hours")
	ErrOvernightWindow    = errors.New("overnight business hours not supported")
	ErrUnknownRoute       = errors.New("unknown route")
	ErrInvalidDestination = errors.New("invalid destination")
)

// WindowError describes which part of a business-hours window is malformed.
type WindowError struct {
	Field string
	Value string
	Cause error
}

func (e *WindowError) Error() string {
	return fmt.Sprintf("business hours %s %q: %v", e.Field, e.Value, e.Cause)
}

func (e *WindowError) Unwrap() error {
	return e.Cause
}
