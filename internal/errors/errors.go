package errors

import "errors"

// Connection errors.
var (
	ErrConnectionRefused  = errors.New("connection refused")
	ErrTimeout            = errors.New("connection timed out")
	ErrNetworkUnreachable = errors.New("network unreachable")
	ErrNotConnected       = errors.New("not connected")
	ErrWriteFailed        = errors.New("write failed")
	ErrLoopRunning        = errors.New("receive loop already running")
)

// Protocol and dispatch errors.
var (
	ErrMalformedMessage     = errors.New("malformed message")
	ErrUnhandledMessageType = errors.New("unhandled message type")
	ErrHandlerPanic         = errors.New("message handler panicked")
)

// File transfer errors.
var (
	ErrOrphanChunk     = errors.New("chunk without active transfer")
	ErrTransferAborted = errors.New("transfer aborted")
)
