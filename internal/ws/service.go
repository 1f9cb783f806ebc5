package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/roomrelay/relay/internal/mailbox"
	"github.com/roomrelay/relay/internal/metrics"
	"github.com/roomrelay/relay/internal/model"
)

// Options tunes the relay. Zero values take the model defaults.
type Options struct {
	MessageTTL      time.Duration
	MarkerTTL       time.Duration
	Lookback        time.Duration
	MaxMessageBytes int64

	// Echo sends frames back to their sender instead of relaying them.
	Echo bool

	Clock func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MessageTTL <= 0 {
		o.MessageTTL = model.DefaultMessageTTL
	}
	if o.MarkerTTL <= 0 {
		o.MarkerTTL = model.DefaultMarkerTTL
	}
	if o.Lookback <= 0 {
		o.Lookback = model.DefaultLookback
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 64 * 1024
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Service upgrades room requests into sessions and owns their goroutines.
type Service struct {
	mailbox mailbox.Mailbox
	opts    Options
	log     zerolog.Logger
	hubs    *HubManager

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewService creates a relay service on mb. The caller keeps ownership of
// mb and must close it only after Close returns.
func NewService(mb mailbox.Mailbox, opts Options, log zerolog.Logger) *Service {
	return &Service{
		mailbox: mb,
		opts:    opts.withDefaults(),
		log:     log,
		hubs:    NewHubManager(),
	}
}

// Serve upgrades the request and starts a session in room. The request
// must already be a websocket upgrade. On upgrade failure the upgrader has
// written the HTTP error response.
func (svc *Service) Serve(w http.ResponseWriter, r *http.Request, room model.Room) error {
	if !svc.enter() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return nil
	}
	defer svc.wg.Done()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	s := NewSession(conn, room, svc.log)
	s.Open()
	svc.hubs.Join(s)
	metrics.OpenSessions.Inc()
	s.log.Info().Bool("echo", svc.opts.Echo).Msg("opened")

	svc.wg.Add(2)
	go svc.writePump(s)
	go svc.readPumpDone(s)
	if !svc.opts.Echo {
		svc.wg.Add(1)
		go svc.deliveryPump(s)
	}

	// Close may have swept the hubs before this session joined.
	if svc.isClosed() {
		s.Close()
	}
	return nil
}

// enter accounts for one in-flight Serve unless the service is closed.
func (svc *Service) enter() bool {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.closed {
		return false
	}
	svc.wg.Add(1)
	return true
}

func (svc *Service) isClosed() bool {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.closed
}

func (svc *Service) readPumpDone(s *Session) {
	defer svc.wg.Done()
	svc.readPump(s)
}

// finish runs once per session when its read pump exits.
func (svc *Service) finish(s *Session) {
	s.Close()
	s.conn.Close()
	svc.hubs.Leave(s)
	metrics.OpenSessions.Dec()
	s.log.Info().Msg("closed")
}

// Hubs exposes the per-room session registry.
func (svc *Service) Hubs() *HubManager {
	return svc.hubs
}

// Close rejects new sessions, closes every open one and waits for all
// session goroutines to exit.
func (svc *Service) Close() {
	svc.mu.Lock()
	svc.closed = true
	svc.mu.Unlock()

	svc.hubs.Close()
	svc.wg.Wait()
}
