// Package mailbox defines the shared store contract the relay coordinates
// through: atomic multi-key commits with per-key expiry, ordered prefix
// scans and change notification on a single key.
//
// Adapters live in the sub-packages badgerstore, redisstore, sqlitestore
// and pgstore.
package mailbox

import (
	"bytes"
	"context"
	"errors"
	"iter"
	"time"
)

var (
	// ErrMalformed is returned when packed keys or values cannot be decoded.
	ErrMalformed = errors.New("malformed tuple")

	// ErrClosed is returned by operations on a closed mailbox.
	ErrClosed = errors.New("mailbox closed")
)

// Write is one key of an atomic commit.
type Write struct {
	Key   Key
	Value any
	TTL   time.Duration
}

// Entry is one scanned key/value pair. Value carries the Go type it was
// written with.
type Entry struct {
	Key   Key
	Value any
}

// Mailbox is an ordered, keyed, expiring store with change notification.
type Mailbox interface {
	// Commit applies all writes or none. On success every key is visible to
	// later scans and watchers of any written key are notified.
	Commit(ctx context.Context, writes ...Write) error

	// Scan yields unexpired entries under prefix with key >= start in
	// ascending key order. The sequence is finite and can only be
	// iterated once; issue a new Scan for fresh results.
	Scan(ctx context.Context, prefix, start Key) iter.Seq2[Entry, error]

	// Watch subscribes to changes of key. It returns only once the
	// subscription is live: the watcher then emits an initial event and at
	// least one event after every change committed from that point on. It
	// ends when ctx is done or it is closed.
	Watch(ctx context.Context, key Key) (Watcher, error)

	// Ping checks that the backing store is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// Watcher is the event side of Mailbox.Watch. Events are coalesced: a
// burst of changes may produce a single event, never zero.
type Watcher interface {
	// Events is closed when the watch ends.
	Events() <-chan struct{}
	// Err reports why the watch ended; nil after Close or context cancel.
	Err() error
	Close() error
}

// Clock returns the current time. Adapters take one so expiry can be
// tested without sleeping.
type Clock func() time.Time

// PackRange packs prefix and start and returns the half-open byte range
// [from, to) a scan covers. A start below prefix is clamped to prefix.
func PackRange(prefix, start Key) (from, to []byte, err error) {
	p, err := Pack(prefix)
	if err != nil {
		return nil, nil, err
	}
	s, err := Pack(start)
	if err != nil {
		return nil, nil, err
	}
	if bytes.Compare(s, p) < 0 {
		s = p
	}
	return s, RangeEnd(p), nil
}
