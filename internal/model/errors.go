package model

import "errors"

var (
	// ErrNotFound is returned when a record or registration is not found.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a registration already exists.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotValid is returned when an id or a record is not valid.
	ErrNotValid = errors.New("not valid")
)
