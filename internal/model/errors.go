package model

import "errors"

var (
	// ErrRouteNotFound is returned when a request path is not /rooms/<id>.
	ErrRouteNotFound = errors.New("not found")

	// ErrInvalidRoomID is returned when the room segment is not URL-safe base64.
	ErrInvalidRoomID = errors.New("invalid room id")

	// ErrCorruptEntry is returned when a scanned mailbox entry does not have
	// the shape the relay wrote.
	ErrCorruptEntry = errors.New("corrupt mailbox entry")

	// ErrNonBinaryFrame is returned when a client sends a text frame.
	ErrNonBinaryFrame = errors.New("non-binary frame")

	// ErrSessionClosed is returned when sending on a closed session.
	ErrSessionClosed = errors.New("session closed")
)
