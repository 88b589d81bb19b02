package model

import (
	"errors"
	"fmt"
)

var (
	// ErrShapeMismatch is returned when two weight sets cannot be combined element-wise.
	ErrShapeMismatch = errors.New("weight shapes do not match")
	// ErrNotCompiled is returned by Fit/Evaluate on a model that was never compiled.
	ErrNotCompiled = errors.New("model is not compiled")
)

// ValidationError represents an invalid argument passed to a model or aggregation routine
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s=%s: %s", e.Field, e.Value, e.Message)
}
