package shard

import (
	"errors"
	"fmt"
)

// ErrorResume represents a recoverable connection termination.
//
// The session remains valid: the Shard retains its session ID and sequence
// number, then reconnects and sends an Opcode 6 Resume when a session is
// held (an Opcode 2 Identify otherwise).
type ErrorResume struct {
	Reason string
	Code   int
}

func (e ErrorResume) Error() string {
	return fmt.Sprintf("connection closed with code %d (resume requested): %s", e.Code, e.Reason)
}

// ErrorReidentify represents a connection termination that invalidates the session.
//
// The Shard discards its session ID, sequence number, and trace, then
// reconnects and sends an Opcode 2 Identify.
type ErrorReidentify struct {
	Reason string
	Code   int
}

func (e ErrorReidentify) Error() string {
	return fmt.Sprintf("connection closed with code %d (reidentify requested): %s", e.Code, e.Reason)
}

// ErrorFatal represents a terminal connection termination (i.e invalid token,
// invalid shard) which stops the Shard from retrying.
type ErrorFatal struct {
	Reason string
	Code   int
}

func (e ErrorFatal) Error() string {
	return fmt.Sprintf("connection closed with terminal code %d: %s", e.Code, e.Reason)
}

// ErrorDisconnect represents an error that occurs while a Shard disconnects
// from the Discord Gateway.
type ErrorDisconnect struct {
	// Err represents the error that occurred while disconnecting.
	Err error

	// Action represents the error that prompted the disconnection (if any).
	Action error

	// ShardID represents the label of the Shard that disconnected.
	ShardID string
}

func (e ErrorDisconnect) Error() string {
	return fmt.Sprintf("shard %q disconnect error: %v (action: %v)", e.ShardID, e.Err, e.Action)
}

func (e ErrorDisconnect) Unwrap() error { return e.Err }

// Request Error Messages.
const (
	ErrQueryString = "an error occurred creating a URL Query String for %v:\n%w"
	ErrStatusCode  = "unexpected status code %d from Discord"
)

// Error Event Actions.
const (
	// ErrorEventActionMarshal occurs when a Marshal() call fails.
	ErrorEventActionMarshal = "marshalling"

	// ErrorEventActionUnmarshal occurs when an Unmarshal() call fails.
	ErrorEventActionUnmarshal = "unmarshalling"

	// ErrorEventActionRead occurs when a transport read fails.
	ErrorEventActionRead = "reading"

	// ErrorEventActionWrite occurs when a transport write fails.
	ErrorEventActionWrite = "writing"
)

// ErrorEvent represents a WebSocket error that occurs when an event
// fails to be read from, written to, or converted for the Discord Gateway.
type ErrorEvent struct {
	// Err represents the error that occurred while performing the action.
	Err error

	// Event represents the name of the event involved in this error.
	Event string

	// Action represents the action that prompted the error (ErrorEventAction).
	Action string
}

func (e ErrorEvent) Error() string {
	return fmt.Sprintf("error while %s a %s event: %v", e.Action, e.Event, e.Err)
}

func (e ErrorEvent) Unwrap() error { return e.Err }

// ErrorRequest represents an HTTP request error from the Discord REST API.
type ErrorRequest struct {
	// Err represents the error that occurred while performing the request.
	Err error

	// CorrelationID represents the ID used to correlate the request with its logs.
	CorrelationID string

	// Endpoint represents the endpoint the request was sent to.
	Endpoint string
}

func (e ErrorRequest) Error() string {
	return fmt.Sprintf("request %q to %q: %v", e.CorrelationID, e.Endpoint, e.Err)
}

func (e ErrorRequest) Unwrap() error { return e.Err }

var (
	// errEnvelope occurs when a decoded message is not a JSON object.
	errEnvelope = errors.New("gateway payload is not a JSON object")

	// ErrSendQueueFull occurs when a command is queued while the outbound queue is saturated.
	ErrSendQueueFull = errors.New("outbound send queue is full")

	// ErrShardClosed occurs when a command is queued on a Shard that is shutting down.
	ErrShardClosed = errors.New("shard is closed")
)
