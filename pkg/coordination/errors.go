package coordination

import "errors"

var (
	// ErrConnectivity indicates the store could not be reached. It is fatal
	// at startup; callers do not retry.
	ErrConnectivity = errors.New("coordination service unreachable")

	// ErrNodeExists indicates a create raced or repeated an existing node.
	ErrNodeExists = errors.New("node already exists")

	// ErrNoNode indicates a delete or read targeted an absent node.
	ErrNoNode = errors.New("node does not exist")

	// ErrSessionExpired is delivered to OnError handlers when the session is
	// lost after startup.
	ErrSessionExpired = errors.New("coordination session expired")

	// ErrClosed indicates an operation on a closed connection.
	ErrClosed = errors.New("coordination connection closed")
)
