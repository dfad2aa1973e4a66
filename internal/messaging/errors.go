package messaging

import "errors"

// Errors returned by Service. Callers match them with errors.Is; the
// wrapped text carries the detail shown to clients.
var (
	// ErrInvalidOperation marks a semantically nonsensical request.
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrInvalidArgument marks malformed input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrUnauthorized means the caller is not a member of the conversation.
	// The HTTP boundary reports it exactly like ErrNotFound.
	ErrUnauthorized = errors.New("not a member of this conversation")
	// ErrNotFound means a referenced conversation or user does not exist.
	ErrNotFound = errors.New("not found")
)
