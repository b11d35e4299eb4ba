package meshcall

import "fmt"

// ConnectError is returned when the signaling transport fails before the
// handshake completes.
type ConnectError struct {
	URL string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connecting to %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// MediaAccessError is returned when the media source denies capture or has
// no device. It is not retried.
type MediaAccessError struct {
	Err error
}

func (e *MediaAccessError) Error() string {
	return fmt.Sprintf("accessing local media: %v", e.Err)
}

func (e *MediaAccessError) Unwrap() error { return e.Err }

// SessionInitError wraps the first failing step of SessionController.Initialize.
type SessionInitError struct {
	Step string
	Err  error
}

func (e *SessionInitError) Error() string {
	return fmt.Sprintf("initializing session (%s): %v", e.Step, e.Err)
}

func (e *SessionInitError) Unwrap() error { return e.Err }

// NegotiationWarning describes a negotiation message that was dropped. It is
// logged, never returned to the presentation layer.
type NegotiationWarning struct {
	ParticipantID string
	Kind          MessageType
	Reason        string
}

func (e *NegotiationWarning) Error() string {
	return fmt.Sprintf("dropped %s for participant %q: %s", e.Kind, e.ParticipantID, e.Reason)
}
