package mcp

import "errors"

var (
	// ErrInvalidServerID is returned when a server ID does not match
	// ^[a-zA-Z0-9_-]+$.
	ErrInvalidServerID = errors.New("invalid server id")

	// ErrDuplicateServer is returned when registering an ID that exists.
	ErrDuplicateServer = errors.New("server already registered")

	// ErrServerNotFound is returned for operations on unknown server IDs.
	ErrServerNotFound = errors.New("server not found")

	// ErrDuplicateTool is returned when registering a built-in tool whose
	// name is already taken by another built-in.
	ErrDuplicateTool = errors.New("tool already registered")

	// ErrToolNotFound is returned when dispatching to an unknown tool.
	ErrToolNotFound = errors.New("tool not found")

	// ErrRejected is returned when the approval handler declines a call.
	ErrRejected = errors.New("Rejected by user")

	// ErrDisposed is returned for operations on a disposed client/manager.
	ErrDisposed = errors.New("disposed")

	// ErrConnectionCancelled is returned from WaitForConnection when the
	// desired state drifts away from connected mid-wait.
	ErrConnectionCancelled = errors.New("connection cancelled")

	// ErrNotInErrorState is returned from Retry outside the error state.
	ErrNotInErrorState = errors.New("retry is only valid from the error state")
)
