package models

import "errors"

var (
	// ErrInvalidNumber is returned for non-numeric, negative or non-finite input.
	ErrInvalidNumber = errors.New("invalid number")
	// ErrMissingEntity is returned when a bound mirror entity does not exist yet.
	ErrMissingEntity = errors.New("missing entity")
	// ErrDuplicateEntity is returned when two fields are bound to the same entity.
	ErrDuplicateEntity = errors.New("entity bound to more than one field")
	// ErrArithmetic is returned when a computation yields a non-finite result.
	ErrArithmetic = errors.New("arithmetic failure")
)
