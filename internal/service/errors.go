package service

import (
	"errors"
	"fmt"
)

// PanicError wraps a panic recovered inside a run loop.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// errorType names the failure class reported in error events.
func errorType(err error) string {
	var pe *PanicError
	if errors.As(err, &pe) {
		return fmt.Sprintf("panic(%T)", pe.Value)
	}
	for {
		u := errors.Unwrap(err)
		if u == nil {
			break
		}
		err = u
	}
	return fmt.Sprintf("%T", err)
}
