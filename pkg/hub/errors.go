package hub

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies how an invocation failed.
type ErrorKind string

const (
	KindValidation       ErrorKind = "validation"
	KindRemote           ErrorKind = "remote"
	KindResultProcessing ErrorKind = "result_processing"
	KindSendFailure      ErrorKind = "send_failure"
	KindCanceled         ErrorKind = "canceled"
)

var (
	// ErrConnectionClosed is the cause of futures canceled because the
	// connection delivered an empty response (transport teardown).
	ErrConnectionClosed = errors.New("connection closed before response")

	// ErrRemote is wrapped by every server-reported invocation error.
	ErrRemote = errors.New("remote error")
)

// Error is the error carried by a failed or canceled Future and returned by
// local validation.
type Error struct {
	Kind   ErrorKind
	Hub    string
	Method string
	// Message is the server-provided text for KindRemote.
	Message string
	Err     error
}

func (e *Error) Error() string {
	target := e.Hub
	if e.Method != "" {
		target = e.Hub + "." + e.Method
	}
	msg := string(e.Kind)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if target == "" {
		return "hub: " + msg
	}
	return fmt.Sprintf("hub %s: %s", target, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether any error in err's chain is a *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var he *Error
	if !errors.As(err, &he) {
		return false
	}
	return he.Kind == kind
}

func validationError(hub, method, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Hub: hub, Method: method, Err: errors.Errorf(format, args...)}
}
