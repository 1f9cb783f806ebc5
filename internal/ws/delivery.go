package ws

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/roomrelay/relay/internal/mailbox"
	"github.com/roomrelay/relay/internal/metrics"
	"github.com/roomrelay/relay/internal/model"
)

// Target is the outbound side of a session as seen by its delivery loop.
type Target interface {
	// Send queues payload for the socket. It fails once the target closed.
	Send(payload []byte) error
	// Closed reports whether the target reached its terminal state.
	Closed() bool
}

// DeliveryLoop delivers every message posted to a room to one target,
// each at most once, for as long as the target stays open.
type DeliveryLoop struct {
	mailbox  mailbox.Mailbox
	room     model.Room
	target   Target
	lookback time.Duration
	now      func() time.Time
	log      zerolog.Logger

	delivered *DedupWindow
}

// NewDeliveryLoop creates a loop for target in room. A zero lookback uses
// model.DefaultLookback; a nil clock uses time.Now.
func NewDeliveryLoop(mb mailbox.Mailbox, room model.Room, target Target, lookback time.Duration, clock func() time.Time, log zerolog.Logger) *DeliveryLoop {
	if lookback <= 0 {
		lookback = model.DefaultLookback
	}
	if clock == nil {
		clock = time.Now
	}
	return &DeliveryLoop{
		mailbox:   mb,
		room:      room,
		target:    target,
		lookback:  lookback,
		now:       clock,
		log:       log,
		delivered: NewDedupWindow(),
	}
}

// Run watches the room marker and runs one delivery pass per wake-up. It
// returns nil when ctx is done or the target closes, and an error when the
// watch cannot be established or ends on its own.
func (d *DeliveryLoop) Run(ctx context.Context) error {
	w, err := d.mailbox.Watch(ctx, model.MarkerKey(d.room))
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to watch room marker: %w", err)
	}
	defer w.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-w.Events():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				if err := w.Err(); err != nil {
					return fmt.Errorf("room marker watch ended: %w", err)
				}
				return errors.New("room marker watch ended")
			}
		}

		if d.stopped(ctx) {
			return nil
		}
		if !d.deliver(ctx) {
			return nil
		}
	}
}

// Delivered exposes the dedup window for inspection.
func (d *DeliveryLoop) Delivered() *DedupWindow {
	return d.delivered
}

func (d *DeliveryLoop) stopped(ctx context.Context) bool {
	return ctx.Err() != nil || d.target.Closed()
}

// deliver scans the lookback window once, sends unseen payloads and prunes
// the dedup window. It returns false once the target is closed.
func (d *DeliveryLoop) deliver(ctx context.Context) bool {
	horizon := d.now().Add(-d.lookback)
	start := time.Now()

	for entry, err := range d.mailbox.Scan(ctx, model.MessagesPrefix(d.room), model.MessagesSince(d.room, horizon)) {
		if d.stopped(ctx) {
			return false
		}
		if err != nil {
			if errors.Is(err, mailbox.ErrMalformed) {
				d.skip(err)
				continue
			}
			metrics.ScanFailures.Inc()
			d.log.Error().Err(err).Msg("scan failed")
			break
		}

		id, payload, err := model.ParseMessage(entry)
		if err != nil {
			d.skip(err)
			continue
		}
		if d.delivered.Has(id) {
			continue
		}
		if err := d.target.Send(payload); err != nil {
			return false
		}
		d.delivered.Add(id)
		metrics.MessagesDelivered.Inc()
		d.log.Debug().Float64("id", id).Int("bytes", len(payload)).Msg("message delivered")
	}
	metrics.MailboxLatency.WithLabelValues("scan").Observe(time.Since(start).Seconds())

	d.delivered.Prune(model.Millis(d.now().Add(-d.lookback)))
	return true
}

func (d *DeliveryLoop) skip(err error) {
	metrics.CorruptEntries.Inc()
	d.log.Error().Err(err).Msg("skipping corrupt mailbox entry")
}
