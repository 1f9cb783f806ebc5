// Package model defines rooms, message ids and the mailbox key layout the
// relay reads and writes.
package model

import (
	"encoding/base64"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/roomrelay/relay/internal/mailbox"
)

// Key segments under a room.
const (
	MessagesSegment = "messages"
	MarkerSegment   = "lastUpdated"
)

// Defaults for the relay's time windows.
const (
	DefaultMessageTTL = 3 * time.Second
	DefaultMarkerTTL  = 24 * time.Hour
	DefaultLookback   = 10 * time.Second
)

// Room is an opaque room identifier decoded from the request path.
type Room []byte

// String returns the URL-safe base64 form used in paths and logs.
func (r Room) String() string {
	return base64.RawURLEncoding.EncodeToString(r)
}

// NewMessageID returns the current time in milliseconds plus a random
// fraction. Ids are unique and increasing in the common case only: two
// messages committed in the same millisecond can collide or invert.
func NewMessageID(now time.Time) float64 {
	return Millis(now) + rand.Float64()
}

// Millis converts t to the float millisecond scale ids live on.
func Millis(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// MessageKey is the key of one message: (room, "messages", id).
func MessageKey(room Room, id float64) mailbox.Key {
	return mailbox.Key{[]byte(room), MessagesSegment, id}
}

// MessagesPrefix covers every message of room.
func MessagesPrefix(room Room) mailbox.Key {
	return mailbox.Key{[]byte(room), MessagesSegment}
}

// MessagesSince is the scan start for messages with id >= since.
func MessagesSince(room Room, since time.Time) mailbox.Key {
	return mailbox.Key{[]byte(room), MessagesSegment, Millis(since)}
}

// MarkerKey is the room marker watched by delivery loops.
func MarkerKey(room Room) mailbox.Key {
	return mailbox.Key{[]byte(room), MarkerSegment}
}

// PostWrites returns the atomic commit for posting payload to room: the
// message itself and the bumped room marker.
func PostWrites(room Room, id float64, payload []byte, messageTTL, markerTTL time.Duration) []mailbox.Write {
	return []mailbox.Write{
		{Key: MessageKey(room, id), Value: payload, TTL: messageTTL},
		{Key: MarkerKey(room), Value: id, TTL: markerTTL},
	}
}

// ParseMessage extracts id and payload from a scanned message entry.
func ParseMessage(e mailbox.Entry) (float64, []byte, error) {
	if len(e.Key) != 3 {
		return 0, nil, fmt.Errorf("%w: key has %d elements", ErrCorruptEntry, len(e.Key))
	}
	id, ok := e.Key[2].(float64)
	if !ok {
		return 0, nil, fmt.Errorf("%w: id is %T, want number", ErrCorruptEntry, e.Key[2])
	}
	payload, ok := e.Value.([]byte)
	if !ok {
		return id, nil, fmt.Errorf("%w: payload is %T, want bytes", ErrCorruptEntry, e.Value)
	}
	return id, payload, nil
}
