package chat

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failed platform call.
type Kind int

const (
	KindUnknown Kind = iota
	KindPermissionDenied
	KindRateLimited
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindPermissionDenied:
		return "permission_denied"
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient_server"
	default:
		return "unknown"
	}
}

// Error is a classified platform error. Callers extract it with errors.As:
//
//	var ce *chat.Error
//	if errors.As(err, &ce) && ce.Kind == chat.KindRateLimited { ... }
type Error struct {
	Kind Kind
	// RetryAfter is the server's hint for RateLimited; zero if absent.
	RetryAfter time.Duration
	Op         string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func PermissionDenied(op string, err error) error {
	return &Error{Kind: KindPermissionDenied, Op: op, Err: err}
}

func RateLimited(op string, after time.Duration, err error) error {
	if after < 0 {
		after = 0
	}
	return &Error{Kind: KindRateLimited, Op: op, RetryAfter: after, Err: err}
}

func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

func Unknown(op string, err error) error {
	return &Error{Kind: KindUnknown, Op: op, Err: err}
}

// KindOf returns the classification of err. Unclassified errors are
// KindUnknown.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// LoginError reports that a credential could not open a session.
// It is the only error that terminates a worker.
type LoginError struct {
	Credential Credential
	Err        error
}

func (e *LoginError) Error() string {
	return fmt.Sprintf("login failed for %s: %v", e.Credential, e.Err)
}

func (e *LoginError) Unwrap() error { return e.Err }

// IsLoginFailure reports whether err carries a LoginError.
func IsLoginFailure(err error) bool {
	var le *LoginError
	return errors.As(err, &le)
}

// ErrClosed is returned by sessions after Close.
var ErrClosed = errors.New("chat: session closed")
