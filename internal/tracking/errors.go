package tracking

import "errors"

var (
	// ErrInvalidTransition is returned when an event is not defined for the current state.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrAuth means the provider rejected the credential.
	ErrAuth = errors.New("provider authentication failed")
	// ErrNotFound means the provider does not share the requested object
	// (or, from a Store, that the owner does not exist).
	ErrNotFound = errors.New("not found")
	// ErrNetwork covers transient provider failures.
	ErrNetwork = errors.New("provider unavailable")
	// ErrStorage is the generic failure reported to callers when persistence failed.
	ErrStorage = errors.New("storage failure")
	// ErrInvalidInput rejects malformed user input (bad email, empty name).
	ErrInvalidInput = errors.New("invalid input")
)

// TransitionError carries the rejected event and the state it was fired from.
type TransitionError struct {
	From  State
	Event string
}

func (e *TransitionError) Error() string {
	return "invalid transition: event " + e.Event + " from state " + string(e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
