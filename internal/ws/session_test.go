package ws

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/roomrelay/relay/internal/model"
)

func TestSessionLifecycle(t *testing.T) {
	s := NewSession(nil, model.Room("room1"), zerolog.Nop())

	if s.State() != StateConnecting {
		t.Fatalf("expected connecting, got %s", s.State())
	}
	if err := s.Send([]byte("early")); !errors.Is(err, model.ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed before open, got %v", err)
	}

	if !s.Open() {
		t.Fatal("expected connecting -> open to succeed")
	}
	if s.Open() {
		t.Error("expected second open to be rejected")
	}

	if err := s.Send([]byte("hello")); err != nil {
		t.Fatalf("send on open session: %v", err)
	}
	if got := <-s.SendChan(); string(got) != "hello" {
		t.Errorf("expected hello, got %q", got)
	}

	s.Close()
	if !s.Closed() {
		t.Fatalf("expected closed, got %s", s.State())
	}
	if s.Context().Err() == nil {
		t.Error("expected session context to be cancelled")
	}
	if _, ok := <-s.SendChan(); ok {
		t.Error("expected send queue to be closed")
	}
	if err := s.Send([]byte("late")); !errors.Is(err, model.ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed after close, got %v", err)
	}
	if s.Open() {
		t.Error("expected closed -> open to be rejected")
	}

	// Closing twice is a no-op
	s.Close()
}

func TestSessionCloseBeforeOpen(t *testing.T) {
	s := NewSession(nil, model.Room("room1"), zerolog.Nop())
	s.Close()

	if !s.Closed() {
		t.Fatalf("expected closed, got %s", s.State())
	}
	if s.Open() {
		t.Error("expected open after close to be rejected")
	}
}

func TestSessionSlowConsumerIsClosed(t *testing.T) {
	s := NewSession(nil, model.Room("room1"), zerolog.Nop())
	s.Open()

	for i := 0; i < sendBuffer; i++ {
		if err := s.Send([]byte{byte(i)}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	if err := s.Send([]byte("overflow")); !errors.Is(err, model.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed on full queue, got %v", err)
	}
	if !s.Closed() {
		t.Error("expected slow session to be closed")
	}

	// Queued payloads are still drained before the close is observed
	n := 0
	for range s.SendChan() {
		n++
	}
	if n != sendBuffer {
		t.Errorf("expected %d queued payloads, got %d", sendBuffer, n)
	}
}

func TestSessionIdentity(t *testing.T) {
	a := NewSession(nil, model.Room("room1"), zerolog.Nop())
	b := NewSession(nil, model.Room("room1"), zerolog.Nop())

	if a.ID() == "" || a.ID() == b.ID() {
		t.Errorf("expected distinct non-empty ids, got %q and %q", a.ID(), b.ID())
	}
	if string(a.room) != "room1" {
		t.Errorf("expected room1, got %q", a.room)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateConnecting, "connecting"},
		{StateOpen, "open"},
		{StateClosed, "closed"},
		{State(7), "state(7)"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int32(tt.state), got, tt.want)
		}
	}
}
