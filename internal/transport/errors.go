package transport

import "errors"

// Transport-level errors. These are retried by the connection manager, never
// surfaced directly to UI collaborators.
var (
	ErrClosed          = errors.New("transport closed")
	ErrWriteBufferFull = errors.New("transport write buffer full")
	ErrRequestTimeout  = errors.New("request timed out waiting for acknowledgment")
)
