package domain

import (
	"errors"
	"fmt"
)

type ValidationKind string

const (
	InvalidName  ValidationKind = "invalid_name"
	InvalidEmail ValidationKind = "invalid_email"
)

var (
	ErrInvalidName  = errors.New("invalid subscriber name")
	ErrInvalidEmail = errors.New("invalid subscriber email")
)

// ValidationError reports which submitted field was rejected. It matches
// ErrInvalidName or ErrInvalidEmail through errors.Is.
type ValidationError struct {
	Kind  ValidationKind
	Input string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %q", e.sentinel().Error(), e.Input)
}

func (e *ValidationError) Is(target error) bool {
	return target == e.sentinel()
}

func (e *ValidationError) sentinel() error {
	if e.Kind == InvalidEmail {
		return ErrInvalidEmail
	}
	return ErrInvalidName
}
