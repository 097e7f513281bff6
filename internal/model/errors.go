package model

import "errors"

var (
	// ErrInvalid marks input that fails validation. Wrap it with details.
	ErrInvalid = errors.New("invalid request")

	// ErrForbidden marks an action the caller may not perform
	ErrForbidden = errors.New("forbidden")
)
