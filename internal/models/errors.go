package models

import "errors"

// Domain errors. Components wrap these with %w; the HTTP layer maps them
// to status codes with errors.Is.
var (
	ErrValidation      = errors.New("validation failed")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrVersionConflict = errors.New("version conflict, document changed concurrently")
)
