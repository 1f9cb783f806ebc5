package model

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/roomrelay/relay/internal/mailbox"
)

func TestRoomString(t *testing.T) {
	if got := Room("room1").String(); got != "cm9vbTE" {
		t.Errorf("expected cm9vbTE, got %q", got)
	}
	if got := (Room{0xfb, 0xff}).String(); got != "-_8" {
		t.Errorf("expected -_8, got %q", got)
	}
}

func TestNewMessageIDProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("id lies within the millisecond it was minted in", prop.ForAll(
		func(ms int64) bool {
			now := time.UnixMilli(ms)
			id := NewMessageID(now)
			return id >= Millis(now) && id <= Millis(now)+1
		},
		gen.Int64Range(0, 4102444800000),
	))

	properties.TestingRun(t)
}

func TestPostWrites(t *testing.T) {
	room := Room("room1")
	writes := PostWrites(room, 1000.5, []byte("hello"), DefaultMessageTTL, DefaultMarkerTTL)

	if len(writes) != 2 {
		t.Fatalf("expected 2 writes, got %d", len(writes))
	}

	msg, marker := writes[0], writes[1]
	if !bytes.Equal(mailbox.MustPack(msg.Key), mailbox.MustPack(MessageKey(room, 1000.5))) {
		t.Errorf("unexpected message key %#v", msg.Key)
	}
	if msg.TTL != 3*time.Second {
		t.Errorf("expected message ttl 3s, got %v", msg.TTL)
	}
	if !bytes.Equal(mailbox.MustPack(marker.Key), mailbox.MustPack(MarkerKey(room))) {
		t.Errorf("unexpected marker key %#v", marker.Key)
	}
	if marker.TTL != 24*time.Hour {
		t.Errorf("expected marker ttl 24h, got %v", marker.TTL)
	}
}

func TestMessageKeysStayInsideTheScanRange(t *testing.T) {
	room := Room("room1")
	now := time.Now()

	prefix := mailbox.MustPack(MessagesPrefix(room))
	since := mailbox.MustPack(MessagesSince(room, now.Add(-DefaultLookback)))
	inside := mailbox.MustPack(MessageKey(room, NewMessageID(now)))
	before := mailbox.MustPack(MessageKey(room, NewMessageID(now.Add(-15*time.Second))))
	marker := mailbox.MustPack(MarkerKey(room))

	if bytes.Compare(inside, since) < 0 || !bytes.HasPrefix(inside, prefix) {
		t.Error("expected a fresh message inside the scan range")
	}
	if bytes.Compare(before, since) >= 0 {
		t.Error("expected a message older than the lookback to sort before the scan start")
	}
	if bytes.HasPrefix(marker, prefix) {
		t.Error("expected the marker outside the messages prefix")
	}
}

func TestParseMessage(t *testing.T) {
	room := []byte("room1")

	tests := []struct {
		name    string
		entry   mailbox.Entry
		wantID  float64
		wantErr bool
	}{
		{
			name:   "valid",
			entry:  mailbox.Entry{Key: mailbox.Key{room, MessagesSegment, 12.5}, Value: []byte("hi")},
			wantID: 12.5,
		},
		{
			name:    "short key",
			entry:   mailbox.Entry{Key: mailbox.Key{room, MessagesSegment}, Value: []byte("hi")},
			wantErr: true,
		},
		{
			name:    "string id",
			entry:   mailbox.Entry{Key: mailbox.Key{room, MessagesSegment, "12"}, Value: []byte("hi")},
			wantErr: true,
		},
		{
			name:    "string payload",
			entry:   mailbox.Entry{Key: mailbox.Key{room, MessagesSegment, 12.5}, Value: "hi"},
			wantErr: true,
		},
		{
			name:    "missing payload",
			entry:   mailbox.Entry{Key: mailbox.Key{room, MessagesSegment, 12.5}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, payload, err := ParseMessage(tt.entry)
			if tt.wantErr {
				if !errors.Is(err, ErrCorruptEntry) {
					t.Errorf("expected ErrCorruptEntry, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if id != tt.wantID || string(payload) != "hi" {
				t.Errorf("expected (%v, hi), got (%v, %q)", tt.wantID, id, payload)
			}
		})
	}
}
