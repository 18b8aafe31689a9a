package emailclient

import (
	"errors"
	"fmt"
)

type DispatchKind string

const (
	Timeout          DispatchKind = "timeout"
	ProviderRejected DispatchKind = "provider_rejected"
	Transport        DispatchKind = "transport"
)

var (
	ErrTimeout          = errors.New("email provider timed out")
	ErrProviderRejected = errors.New("email provider rejected the request")
	ErrTransport        = errors.New("email provider unreachable")
)

// DispatchError describes why a single send attempt failed. StatusCode is only
// set for ProviderRejected.
type DispatchError struct {
	Kind       DispatchKind
	StatusCode int
	Err        error
}

func (e *DispatchError) Error() string {
	msg := e.sentinel().Error()
	if e.Kind == ProviderRejected {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

func (e *DispatchError) Is(target error) bool {
	return target == e.sentinel()
}

func (e *DispatchError) sentinel() error {
	switch e.Kind {
	case Timeout:
		return ErrTimeout
	case ProviderRejected:
		return ErrProviderRejected
	default:
		return ErrTransport
	}
}
