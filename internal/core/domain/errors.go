package domain

import "errors"

var (
	ErrStreamNotFound = errors.New("stream not found")
	ErrUnauthorized   = errors.New("unauthorized")
)
