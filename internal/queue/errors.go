package queue

import "errors"

// Queue errors
var (
	// ErrInvalidTransition indicates a state change the mutation state machine forbids
	ErrInvalidTransition = errors.New("invalid mutation state transition")

	// ErrUnknownDomain indicates a domain outside the known queue set
	ErrUnknownDomain = errors.New("unknown queue domain")

	// ErrEntityConflicted indicates the entity has an unresolved conflict;
	// further edits are blocked until the user resolves it
	ErrEntityConflicted = errors.New("entity has an unresolved conflict")

	// ErrEmptyQueue indicates there is no eligible pending mutation
	ErrEmptyQueue = errors.New("no pending mutations")
)
