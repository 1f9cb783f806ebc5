package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roomrelay/relay/internal/metrics"
	"github.com/roomrelay/relay/internal/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Time allowed for one mailbox commit.
	commitTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// readPump is the session's single event consumer. Frames, transport
// errors and the final close all arrive here, in order.
func (svc *Service) readPump(s *Session) {
	defer svc.finish(s)

	s.conn.SetReadLimit(svc.opts.MaxMessageBytes)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.log.Warn().Err(err).Msg("transport error")
			}
			return
		}

		if err := svc.onFrame(s, messageType, data); err != nil {
			if errors.Is(err, model.ErrNonBinaryFrame) {
				metrics.RejectedFrames.WithLabelValues("non_binary").Inc()
				s.log.Info().Msg("non-binary frame, closing")
				return
			}
			s.log.Error().Err(err).Msg("failed to handle frame")
		}
	}
}

// onFrame handles one inbound frame of an open session.
func (svc *Service) onFrame(s *Session, messageType int, data []byte) error {
	if messageType != websocket.BinaryMessage {
		return model.ErrNonBinaryFrame
	}
	s.log.Debug().Int("bytes", len(data)).Msg("message received")

	if svc.opts.Echo {
		return s.Send(data)
	}
	return svc.post(s, data)
}

// post commits payload and the room marker bump as one unit.
func (svc *Service) post(s *Session, payload []byte) error {
	ctx, cancel := context.WithTimeout(s.Context(), commitTimeout)
	defer cancel()

	id := model.NewMessageID(svc.opts.Clock())
	writes := model.PostWrites(s.room, id, payload, svc.opts.MessageTTL, svc.opts.MarkerTTL)

	start := time.Now()
	err := svc.mailbox.Commit(ctx, writes...)
	metrics.MailboxLatency.WithLabelValues("commit").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.CommitFailures.Inc()
		return err
	}
	metrics.MessagesCommitted.Inc()
	return nil
}

// writePump is the only writer on the socket. It drains the send queue
// and keeps the connection alive with pings.
func (svc *Service) writePump(s *Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
		svc.wg.Done()
	}()

	for {
		select {
		case payload, ok := <-s.SendChan():
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The session closed the queue
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := s.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				s.log.Warn().Err(err).Msg("write failed")
				return
			}

			// Flush whatever queued meanwhile, one frame per payload
			n := len(s.SendChan())
			for i := 0; i < n; i++ {
				queued, ok := <-s.SendChan()
				if !ok {
					break
				}
				s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := s.conn.WriteMessage(websocket.BinaryMessage, queued); err != nil {
					s.log.Warn().Err(err).Msg("write failed")
					return
				}
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// deliveryPump runs the session's delivery loop until the session closes.
// A loop that dies on its own closes the session, since it could no
// longer receive anything.
func (svc *Service) deliveryPump(s *Session) {
	defer svc.wg.Done()

	loop := NewDeliveryLoop(svc.mailbox, s.room, s, svc.opts.Lookback, svc.opts.Clock, s.log)
	if err := loop.Run(s.Context()); err != nil {
		s.log.Error().Err(err).Msg("delivery loop stopped")
		s.Close()
	}
}
