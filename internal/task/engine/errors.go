package engine

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument = errors.New("task engine: invalid argument")
	ErrInvalidConfig   = errors.New("task engine: invalid config")
	ErrShutdown        = errors.New("task engine shut down")
)

// PanicError is recorded when a task body panics instead of returning.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }
