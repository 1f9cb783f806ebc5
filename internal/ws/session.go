package ws

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/roomrelay/relay/internal/model"
)

// State is a session's lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// sendBuffer bounds the payloads queued for the write pump. A session
// that falls this far behind is closed.
const sendBuffer = 256

// Session is one websocket connection in a room.
type Session struct {
	id   string
	room model.Room
	conn *websocket.Conn
	send chan []byte
	log  zerolog.Logger

	// ctx is cancelled when the session closes. It is the done signal
	// handed to the delivery loop and to mailbox calls.
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state State
}

// NewSession creates a session in StateConnecting. conn may be nil in
// tests that only exercise the state machine and the send queue.
func NewSession(conn *websocket.Conn, room model.Room, log zerolog.Logger) *Session {
	id := uuid.New().String()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:     id,
		room:   room,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		log:    log.With().Str("session", id).Str("room", room.String()).Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ID returns the session's unique id.
func (s *Session) ID() string {
	return s.id
}

// Context is cancelled once the session closes.
func (s *Session) Context() context.Context {
	return s.ctx
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Open moves the session from connecting to open.
func (s *Session) Open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(StateOpen)
}

// Closed reports whether the session reached StateClosed.
func (s *Session) Closed() bool {
	return s.State() == StateClosed
}

// Send queues payload for the write pump. It never blocks: a full queue
// closes the session.
func (s *Session) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateOpen {
		return model.ErrSessionClosed
	}

	select {
	case s.send <- payload:
		return nil
	default:
		s.log.Warn().Msg("send queue full, closing slow session")
		s.transitionLocked(StateClosed)
		return model.ErrSessionClosed
	}
}

// Close moves the session to StateClosed. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitionLocked(StateClosed)
}

// SendChan returns the queue drained by the write pump. It is closed when
// the session closes.
func (s *Session) SendChan() <-chan []byte {
	return s.send
}

// transitionLocked applies the only legal moves: connecting to open, and
// any live state to closed. Entering closed cancels the session context
// and closes the send queue, so nothing can be sent afterwards.
func (s *Session) transitionLocked(to State) bool {
	switch {
	case s.state == StateConnecting && to == StateOpen:
	case s.state != StateClosed && to == StateClosed:
		s.cancel()
		close(s.send)
	default:
		return false
	}
	s.state = to
	return true
}
