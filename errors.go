package treeshap

import (
	"github.com/pkg/errors"
)

// Errors returned by this package. Every error we return wraps exactly one of
// these, so callers can test for a category with errors.Is.
var (
	// ErrFormat is returned when model bytes have the wrong magic or version.
	ErrFormat = errors.New("invalid model format")

	// ErrOutOfRange is returned when model bytes declare offsets, sizes or
	// node indices that do not fit in the buffer.
	ErrOutOfRange = errors.New("model data out of range")

	// ErrInvalidModel is returned when explaining with an ensemble that has
	// more than one output.
	ErrInvalidModel = errors.New("invalid model")

	// ErrInvalidArgument is returned for empty or inconsistently shaped input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnsupportedOption is returned for feature dependence, model
	// transform or interaction settings that are not implemented.
	ErrUnsupportedOption = errors.New("unsupported option")

	// ErrIllegalState is returned when something tries to modify an ensemble
	// or builder after it has been finalized.
	ErrIllegalState = errors.New("illegal state")
)
