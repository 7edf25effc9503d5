package relay

import "fmt"

// SetupError reports a collaborator failure while establishing a call.
// Use errors.As to extract this from wrapped errors.
type SetupError struct {
	Op       string
	WidgetID string
	Cause    error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("call setup %s (widget %s): %v", e.Op, e.WidgetID, e.Cause)
}

func (e *SetupError) Unwrap() error {
	return e.Cause
}
