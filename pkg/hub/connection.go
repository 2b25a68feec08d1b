package hub

import (
	"context"
	"encoding/json"
)

// Connection is the transport capability a Proxy invokes through.
//
// Send writes one serialized envelope and returns once it is written or has
// failed. A Proxy never calls Send on the invoking goroutine.
//
// RegisterCallback stores fn under a fresh correlation id and returns that id.
// The connection calls fn exactly once: with the matching Response, or with nil
// when the invocation can no longer be answered (teardown).
type Connection interface {
	Send(ctx context.Context, payload []byte) error
	RegisterCallback(fn func(*Response)) string
}

// CallbackRemover is implemented by connections that can drop a registered
// callback. A Proxy uses it when the invocation's context is canceled first.
type CallbackRemover interface {
	RemoveCallback(id string)
}

// Invocation is the outgoing envelope for one method call.
type Invocation struct {
	Hub           string                     `json:"hub"`
	Method        string                     `json:"method"`
	Args          []json.RawMessage          `json:"args"`
	CorrelationID string                     `json:"correlationId"`
	State         map[string]json.RawMessage `json:"state,omitempty"`
}

// Response answers one Invocation. A present Error, empty or not, means the
// server failed the call; State carries ambient values to merge and Result
// the return value.
type Response struct {
	CorrelationID string                     `json:"correlationId"`
	Error         *string                    `json:"error,omitempty"`
	State         map[string]json.RawMessage `json:"state,omitempty"`
	Result        json.RawMessage            `json:"result,omitempty"`
}

// Event is a server-pushed call of a client-side event handler.
type Event struct {
	Hub   string            `json:"hub"`
	Event string            `json:"event"`
	Args  []json.RawMessage `json:"args"`
}

// Dispatcher receives pushed events routed by a connection.
type Dispatcher interface {
	Dispatch(eventName string, args []json.RawMessage)
}

// RemoteError returns a pointer to msg for building failed Responses.
func RemoteError(msg string) *string { return &msg }
