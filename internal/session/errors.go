package session

import "errors"

// ErrSessionActive is returned by Start when a session is already connecting
// or active; two sessions must never hold the devices concurrently.
var ErrSessionActive = errors.New("a session is already active")

// ErrStopped is returned by Start when the session was stopped while the
// transport handshake was still in flight.
var ErrStopped = errors.New("session stopped during connect")
