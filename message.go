// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package synapse

import (
	"errors"
	"fmt"
	"time"

	"github.com/creachadair/synapse/registry"
	"github.com/creachadair/synapse/wire"
)

// Definitions re-exported from the registry package.
type (
	Command         = registry.Command
	Update          = registry.Update
	UpdateFunc      = registry.UpdateFunc
	Kind            = registry.Kind
	ValidationError = registry.ValidationError
)

// NoTimeout is the timeout of a command without a timeout.
const NoTimeout = registry.NoTimeout

// Errors reported by a dispatcher. Use errors.Is to check for them.
var (
	// ErrTransportClosed is reported for a call made while the transport is
	// not open, or when no transport is attached.
	ErrTransportClosed = errors.New("transport is closed")

	// ErrUnknownCommand is reported for a call to a command that is not
	// registered.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrTimeout is reported for a call that did not receive a reply within
	// the timeout of its command.
	ErrTimeout = errors.New("call timed out")

	// ErrUnknownMessage is reported for an inbound message whose key matches
	// neither a pending call nor an update handler.
	ErrUnknownMessage = errors.New("unknown message")

	// ErrDisconnected is reported for a call that was pending when the
	// transport closed.
	ErrDisconnected = errors.New("transport disconnected")
)

// A Callback receives the result of a call. Exactly one of rsp and err is
// non-nil, except that a successful write of a silent command reports a nil
// response and a nil error.
type Callback func(rsp *Response, err error)

// Response is the result of a successful call.
type Response struct {
	Command string      // the name of the command
	Token   string      // the correlation token of the call
	Fields  wire.Fields // reply values, named by the command's Returns
	Raw     string      // the raw text of the reply
	Issued  time.Time   // when the call was sent
	Elapsed time.Duration
}

// String returns a human-friendly rendering of the response.
func (r *Response) String() string {
	return fmt.Sprintf("Response(%s, Token=%s, Fields=%v, %v)", r.Command, r.Token, r.Fields, r.Elapsed)
}

// A MessageLogger logs a message exchanged with the device.
type MessageLogger func(msg MessageInfo)

// MessageInfo combines the text of a message and a flag indicating whether
// the message was sent or received.
type MessageInfo struct {
	Data []byte // the message being logged
	Sent bool   // whether the message was sent (true) or received (false)
}

func (m MessageInfo) dir() string {
	if m.Sent {
		return "send"
	}
	return "recv"
}

func (m MessageInfo) String() string { return fmt.Sprintf("%v %q", m.dir(), m.Data) }

// CallError is the concrete type of errors reported for a call.
type CallError struct {
	Command string // the name of the command
	Token   string // the correlation token, if one was assigned
	Err     error
}

// Unwrap reports the underlying error of c.
func (c *CallError) Unwrap() error { return c.Err }

// Error satisfies the error interface.
func (c *CallError) Error() string {
	if c.Token != "" {
		return fmt.Sprintf("call %s [%s]: %v", c.Command, c.Token, c.Err)
	}
	return fmt.Sprintf("call %s: %v", c.Command, c.Err)
}

func callError(name, token string, err error) *CallError {
	return &CallError{Command: name, Token: token, Err: err}
}

// MessageError is the concrete type of errors reported for an inbound message
// that could not be delivered.
type MessageError struct {
	Key string // the routing key of the message
	Raw string // the raw text of the message
	Err error
}

// Unwrap reports the underlying error of m.
func (m *MessageError) Unwrap() error { return m.Err }

// Error satisfies the error interface.
func (m *MessageError) Error() string { return fmt.Sprintf("message %q: %v", m.Key, m.Err) }
