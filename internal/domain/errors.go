package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrBusUnavailable is returned when the session bus cannot be reached
	ErrBusUnavailable = errors.New("session bus unavailable")
	// ErrPresenceUnavailable is returned when no presence endpoint answers
	ErrPresenceUnavailable = errors.New("presence endpoint unavailable")
	// ErrNotConnected is returned when a presence call is made without a session
	ErrNotConnected = errors.New("presence session not connected")
)

// SendError is a transient failure of a set/clear call.
type SendError struct {
	Op   string
	Code int
	Msg  string
	Err  error
}

func (e *SendError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("presence %s: %v", e.Op, e.Err)
	case e.Code != 0:
		return fmt.Sprintf("presence %s: remote error %d: %s", e.Op, e.Code, e.Msg)
	default:
		return fmt.Sprintf("presence %s: %s", e.Op, e.Msg)
	}
}

func (e *SendError) Unwrap() error { return e.Err }

// AuthError means the remote endpoint rejected the application identity.
// It is fatal and never retried.
type AuthError struct {
	Code int
	Msg  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("presence endpoint rejected application id (code %d): %s", e.Code, e.Msg)
}

// IsFatal reports whether err must stop the service instead of being retried.
func IsFatal(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
