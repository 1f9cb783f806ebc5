// Package badgerstore is the embedded Mailbox adapter backed by BadgerDB.
// It is the default driver: a single relay process with no external
// dependencies.
package badgerstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/pb"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/roomrelay/relay/internal/mailbox"
)

// Badger expires keys on whole seconds, so every entry carries its exact
// deadline in a small header and the badger TTL only drives garbage
// collection.
const (
	headerLen = 8
	gcSlack   = time.Second
)

// Watch confirms each subscription with a sentinel key under a prefix no
// packed tuple can start with, so scans never reach it.
var sentinelPrefix = []byte{0xff, 'w', 0x00}

const (
	sentinelRetry = 5 * time.Millisecond
	sentinelTTL   = time.Minute
)

var errStopped = errors.New("scan stopped")

// Options configures Open.
type Options struct {
	// Dir is the data directory. Empty runs badger in memory.
	Dir    string
	Logger zerolog.Logger
	Clock  mailbox.Clock
}

// Store implements mailbox.Mailbox on a badger database.
type Store struct {
	db  *badger.DB
	now mailbox.Clock
	log zerolog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

var _ mailbox.Mailbox = (*Store)(nil)

// Open opens or creates the database.
func Open(opts Options) (*Store, error) {
	bopts := badger.DefaultOptions(opts.Dir).WithLogger(newLogger(opts.Logger))
	if opts.Dir == "" {
		bopts = bopts.WithInMemory(true)
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		db:     db,
		now:    now,
		log:    opts.Logger,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Commit implements mailbox.Mailbox. All writes go through one badger
// transaction, and subscribers only see them after it commits.
func (s *Store) Commit(ctx context.Context, writes ...mailbox.Write) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return mailbox.ErrClosed
	}

	now := s.now()
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, w := range writes {
			k, err := mailbox.Pack(w.Key)
			if err != nil {
				return err
			}
			v, err := mailbox.PackValue(w.Value)
			if err != nil {
				return err
			}

			var deadline int64
			if w.TTL > 0 {
				deadline = now.Add(w.TTL).UnixMilli()
			}
			e := badger.NewEntry(k, encodeValue(deadline, v))
			if w.TTL > 0 {
				e = e.WithTTL(w.TTL + gcSlack)
			}
			if err := txn.SetEntry(e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// Scan implements mailbox.Mailbox. The sequence reads from one snapshot.
func (s *Store) Scan(ctx context.Context, prefix, start mailbox.Key) iter.Seq2[mailbox.Entry, error] {
	return func(yield func(mailbox.Entry, error) bool) {
		from, to, err := mailbox.PackRange(prefix, start)
		if err != nil {
			yield(mailbox.Entry{}, err)
			return
		}
		p := to[:len(to)-1]
		nowMs := s.now().UnixMilli()

		err = s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = p
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Seek(from); it.ValidForPrefix(p); it.Next() {
				if err := ctx.Err(); err != nil {
					return err
				}
				item := it.Item()
				if bytes.Compare(item.Key(), to) >= 0 {
					break
				}
				raw, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}

				entry, deadline, err := decodeEntry(item.KeyCopy(nil), raw)
				if err == nil && deadline != 0 && deadline <= nowMs {
					continue
				}
				if !yield(entry, err) {
					return errStopped
				}
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStopped) {
			yield(mailbox.Entry{}, fmt.Errorf("failed to scan: %w", err))
		}
	}
}

// Watch implements mailbox.Mailbox on badger's prefix subscriptions.
//
// Badger registers a subscriber from inside Subscribe's own goroutine, so
// Watch writes a throwaway key the subscription also matches and returns
// only after the callback has seen it. Commits made after that point
// always wake the watcher.
func (s *Store) Watch(ctx context.Context, key mailbox.Key) (mailbox.Watcher, error) {
	packed, err := mailbox.Pack(key)
	if err != nil {
		return nil, err
	}
	if s.db.IsClosed() {
		return nil, mailbox.ErrClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	stopOnClose := context.AfterFunc(s.ctx, cancel)
	sig := mailbox.NewSignal(func() {
		stopOnClose()
		cancel()
	})

	sentinel := append(bytes.Clone(sentinelPrefix), uuid.NewString()...)
	live := make(chan struct{})
	ended := make(chan struct{})
	var liveOnce sync.Once

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(ended)
		err := s.db.Subscribe(subCtx, func(kvs *badger.KVList) error {
			for _, kv := range kvs.Kv {
				switch {
				case bytes.Equal(kv.Key, packed):
					sig.Notify()
				case bytes.Equal(kv.Key, sentinel):
					liveOnce.Do(func() { close(live) })
				}
			}
			return nil
		}, []pb.Match{{Prefix: packed}, {Prefix: sentinel}})
		if err != nil && !errors.Is(err, context.Canceled) {
			sig.CloseWithError(fmt.Errorf("badger subscription ended: %w", err))
			return
		}
		sig.CloseWithError(nil)
	}()

	if err := s.awaitLive(subCtx, sentinel, live, ended); err != nil {
		sig.Close()
		if s.ctx.Err() != nil {
			return nil, mailbox.ErrClosed
		}
		return nil, err
	}

	sig.Notify()
	return sig, nil
}

// awaitLive writes sentinel until the subscription reports it, then
// removes it. Writes made before badger registered the subscriber are
// never delivered, hence the retries.
func (s *Store) awaitLive(ctx context.Context, sentinel []byte, live, ended <-chan struct{}) error {
	ticker := time.NewTicker(sentinelRetry)
	defer ticker.Stop()

	for {
		err := s.db.Update(func(txn *badger.Txn) error {
			return txn.SetEntry(badger.NewEntry(sentinel, nil).WithTTL(sentinelTTL))
		})
		if err != nil {
			return fmt.Errorf("failed to confirm subscription: %w", err)
		}

		select {
		case <-live:
			err := s.db.Update(func(txn *badger.Txn) error {
				return txn.Delete(sentinel)
			})
			if err != nil {
				s.log.Debug().Err(err).Msg("Failed to remove watch sentinel")
			}
			return nil
		case <-ended:
			return errors.New("badger subscription ended before it was live")
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Ping implements mailbox.Mailbox.
func (s *Store) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return mailbox.ErrClosed
	}
	return ctx.Err()
}

// Close stops all watchers and closes the database. Later calls return
// the first call's result.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

func encodeValue(deadlineMs int64, packed []byte) []byte {
	out := make([]byte, headerLen, headerLen+len(packed))
	binary.BigEndian.PutUint64(out, uint64(deadlineMs))
	return append(out, packed...)
}

func decodeEntry(k, raw []byte) (mailbox.Entry, int64, error) {
	key, err := mailbox.Unpack(k)
	if err != nil {
		return mailbox.Entry{}, 0, err
	}
	if len(raw) < headerLen {
		return mailbox.Entry{Key: key}, 0, fmt.Errorf("%w: value header truncated", mailbox.ErrMalformed)
	}
	deadline := int64(binary.BigEndian.Uint64(raw[:headerLen]))
	v, err := mailbox.UnpackValue(raw[headerLen:])
	if err != nil {
		return mailbox.Entry{Key: key}, deadline, err
	}
	return mailbox.Entry{Key: key, Value: v}, deadline, nil
}
