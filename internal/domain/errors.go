package domain

import "errors"

var (
	ErrConflict      = errors.New("document update conflict")
	ErrNotFound      = errors.New("document not found")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrUnavailable   = errors.New("remote unavailable")
	ErrStorage       = errors.New("local storage failure")
	ErrInvalidRemote = errors.New("invalid remote configuration")
	ErrValidation    = errors.New("validation failed")
)
