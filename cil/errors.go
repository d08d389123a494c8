package cil

import "errors"

var (
	// ErrMalformed is returned when an image cannot be parsed.
	ErrMalformed = errors.New("malformed module")
	// ErrUnsupported is returned for valid images this package does not
	// handle, such as uncompressed metadata or edit-and-continue tables.
	ErrUnsupported = errors.New("unsupported module")

	ErrTypeNotFound   = errors.New("type not found")
	ErrMethodNotFound = errors.New("method not found")

	// ErrSerialization is returned when a module cannot be written back,
	// for example because an instruction refers to a removed method.
	ErrSerialization = errors.New("cannot serialize module")
)
