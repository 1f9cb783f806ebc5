// Package room parses websocket request paths into room identifiers.
package room

import (
	"encoding/base64"
	"strings"

	"github.com/roomrelay/relay/internal/model"
)

// PathPrefix is the first path segment of every room endpoint.
const PathPrefix = "rooms"

// ParsePath validates a request path of the form /rooms/<base64url> and
// returns the decoded room. Padding on the id is optional and an empty id
// is the empty room.
//
// A path of any other shape, trailing segments included, returns
// model.ErrRouteNotFound. An id that is not URL-safe base64 returns
// model.ErrInvalidRoomID.
func ParsePath(path string) (model.Room, error) {
	segments := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(segments) != 2 || segments[0] != PathPrefix {
		return nil, model.ErrRouteNotFound
	}
	return Decode(segments[1])
}

// Decode decodes a URL-safe base64 room id. Missing padding is restored
// before decoding, so an id whose length leaves a remainder of one is never
// valid and explicit padding must complete a whole quantum.
func Decode(encoded string) (model.Room, error) {
	if len(encoded)-len(strings.TrimRight(encoded, "=")) > 2 {
		return nil, model.ErrInvalidRoomID
	}
	switch len(encoded) % 4 {
	case 1:
		return nil, model.ErrInvalidRoomID
	case 2:
		encoded += "=="
	case 3:
		encoded += "="
	}
	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, model.ErrInvalidRoomID
	}
	return model.Room(raw), nil
}
