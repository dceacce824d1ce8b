package session

import "errors"

// ErrNotFound is returned when an operation names an unknown session id.
var ErrNotFound = errors.New("session: not found")

// ErrInvalidState is returned when an operation is rejected by the current
// run-state (e.g. sending input while WaitingPermission).
var ErrInvalidState = errors.New("session: invalid state for operation")

// ErrNotSubscriber is returned when a client acts on a session it has not
// subscribed to.
var ErrNotSubscriber = errors.New("session: client is not a subscriber")

// ErrNotResumable is returned when a session never produced a backend
// resume handle.
var ErrNotResumable = errors.New("session: not resumable")
