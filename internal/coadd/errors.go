package coadd

import (
	"errors"
	"fmt"
)

// ErrDimensionMismatch is returned when the planes handed to a kernel do not share one
// geometry. Use errors.Is(err, ErrDimensionMismatch) to check for it.
var ErrDimensionMismatch = &DimensionMismatchError{}

// ErrInvalidWeight is returned by Accumulator.Add for negative or NaN weights.
var ErrInvalidWeight = errors.New("weight must be a non-negative number")

// DimensionMismatchError reports which plane disagreed with the coadd geometry.
type DimensionMismatchError struct {
	What string
	Want Dims
	Got  Dims
}

func (e *DimensionMismatchError) Error() string {
	if e.What == "" {
		return "dimension mismatch"
	}
	return fmt.Sprintf("dimension mismatch: %s is %s, coadd is %s", e.What, e.Got, e.Want)
}

func (e *DimensionMismatchError) Is(target error) bool {
	_, ok := target.(*DimensionMismatchError)
	return ok
}
