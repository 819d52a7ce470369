package dynamic

import "errors"

// Errors returned by administrative operations. They are wrapped with
// context; match them with errors.Is.
var (
	ErrAlreadyExists   = errors.New("dynamic span already exists")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrOutOfMemory     = errors.New("no room for another dynamic span")
	ErrNoSuchDriver    = errors.New("no such dynamic span driver")
	ErrNotFound        = errors.New("dynamic span not found")
	ErrBusy            = errors.New("dynamic span in use")
)
