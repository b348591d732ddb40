package model

import "errors"

var (
	ErrPoolExhausted     = errors.New("pool exhausted")
	ErrSessionClosed     = errors.New("session closed")
	ErrEncoding          = errors.New("encoding error")
	ErrStorage           = errors.New("storage unavailable")
	ErrInvalidTransition = errors.New("invalid transition")

	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidAccessCode = errors.New("invalid access code")
	ErrForbidden         = errors.New("forbidden")
	ErrBusyElsewhere     = errors.New("user holds a machine for another exam")
)
