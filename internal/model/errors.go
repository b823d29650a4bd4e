package model

import "errors"

var (
	// ErrArgumentCombination reports a mask or bias handed to a backend
	// that cannot consume it.
	ErrArgumentCombination = errors.New("argument combination not supported")

	// ErrSequenceLength reports a batch longer than the model's maximum
	// sequence length.
	ErrSequenceLength = errors.New("sequence length exceeds maximum")

	// ErrDtype reports full-precision activations reaching a backend that
	// only operates on reduced precision.
	ErrDtype = errors.New("dtype not supported by backend")
)
