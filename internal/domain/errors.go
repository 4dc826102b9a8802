package domain

import "errors"

var (
	// ErrNotFound is returned when a session or message does not exist.
	ErrNotFound = errors.New("not found")
	// ErrMissingState is returned when a planning operation runs on a session
	// that was never initialized.
	ErrMissingState = errors.New("planning state missing")
	// ErrSessionClosed is returned when writing to a completed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrIllegalTransition is returned by Transition for events the table rejects.
	ErrIllegalTransition = errors.New("illegal node transition")
	// ErrUnknownNode marks a stored node name outside the fixed sequence.
	ErrUnknownNode = errors.New("unknown planning node")
	// ErrInvalidSignal is returned for unparseable signal values.
	ErrInvalidSignal = errors.New("invalid signal")
)
