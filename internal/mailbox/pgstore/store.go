// Package pgstore is the Mailbox adapter for PostgreSQL. Commits send a
// NOTIFY inside the writing transaction; one LISTEN connection per process
// fans notifications out to local watchers.
//
// NOTIFY payloads must stay under 8000 bytes while keys are unbounded, so
// a notification carries the hex SHA-256 of the packed key and watchers
// subscribe to the broker under that same digest.
package pgstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/roomrelay/relay/internal/mailbox"
)

const (
	channel        = "relay_mailbox"
	reconnectDelay = time.Second
)

const schema = `
CREATE TABLE IF NOT EXISTS relay_mailbox (
	key BYTEA PRIMARY KEY,
	value BYTEA NOT NULL,
	expires_at BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_relay_mailbox_expires_at ON relay_mailbox (expires_at) WHERE expires_at > 0;
`

// Options configures Open.
type Options struct {
	DatabaseURL string
	Logger      zerolog.Logger
	Clock       mailbox.Clock
}

// Store implements mailbox.Mailbox on PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	broker *mailbox.Broker
	now    mailbox.Clock
	log    zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ mailbox.Mailbox = (*Store)(nil)

// Open connects, migrates the schema and starts the listener.
func Open(ctx context.Context, opts Options) (*Store, error) {
	pool, err := pgxpool.New(ctx, opts.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	s := &Store{
		pool:   pool,
		broker: mailbox.NewBroker(),
		now:    clock,
		log:    opts.Logger.With().Str("component", "pgstore").Logger(),
		cancel: cancel,
	}

	ready := make(chan struct{})
	s.wg.Add(1)
	go s.listen(listenCtx, ready)

	select {
	case <-ready:
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	}
	return s, nil
}

// Commit implements mailbox.Mailbox. Postgres delivers NOTIFY payloads
// only when the transaction commits.
func (s *Store) Commit(ctx context.Context, writes ...mailbox.Write) error {
	now := s.now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

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

		if _, err := tx.Exec(ctx, `
			INSERT INTO relay_mailbox (key, value, expires_at) VALUES ($1, $2, $3)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
		`, k, v, deadline); err != nil {
			return fmt.Errorf("write key: %w", err)
		}
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, notifyID(k)); err != nil {
			return fmt.Errorf("notify: %w", err)
		}
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM relay_mailbox WHERE expires_at > 0 AND expires_at <= $1`, now.UnixMilli()); err != nil {
		return fmt.Errorf("purge expired keys: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Scan implements mailbox.Mailbox.
func (s *Store) Scan(ctx context.Context, prefix, start mailbox.Key) iter.Seq2[mailbox.Entry, error] {
	return func(yield func(mailbox.Entry, error) bool) {
		from, to, err := mailbox.PackRange(prefix, start)
		if err != nil {
			yield(mailbox.Entry{}, err)
			return
		}

		rows, err := s.pool.Query(ctx, `
			SELECT key, value FROM relay_mailbox
			WHERE key >= $1 AND key < $2 AND (expires_at = 0 OR expires_at > $3)
			ORDER BY key
		`, from, to, s.now().UnixMilli())
		if err != nil {
			yield(mailbox.Entry{}, fmt.Errorf("scan: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var k, v []byte
			if err := rows.Scan(&k, &v); err != nil {
				yield(mailbox.Entry{}, fmt.Errorf("read row: %w", err))
				return
			}
			if !yield(decodeEntry(k, v)) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(mailbox.Entry{}, fmt.Errorf("scan: %w", err))
		}
	}
}

// Watch implements mailbox.Mailbox.
func (s *Store) Watch(ctx context.Context, key mailbox.Key) (mailbox.Watcher, error) {
	packed, err := mailbox.Pack(key)
	if err != nil {
		return nil, err
	}
	return s.broker.Subscribe(ctx, []byte(notifyID(packed))), nil
}

// Ping implements mailbox.Mailbox.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close stops the listener, ends all watchers and closes the pool.
func (s *Store) Close() error {
	s.cancel()
	s.wg.Wait()
	s.broker.Close(nil)
	s.pool.Close()
	return nil
}

// listen holds one connection in LISTEN mode and republishes every
// notification to the broker. After a reconnect every watcher is woken,
// since notifications sent while disconnected are lost.
func (s *Store) listen(ctx context.Context, ready chan<- struct{}) {
	defer s.wg.Done()

	first := true
	for ctx.Err() == nil {
		err := s.listenOnce(ctx, func() {
			if first {
				first = false
				close(ready)
				return
			}
			s.broker.NotifyAll()
		})
		if ctx.Err() != nil {
			return
		}
		s.log.Warn().Err(err).Dur("retry_in", reconnectDelay).Msg("listener disconnected")

		select {
		case <-time.After(reconnectDelay):
		case <-ctx.Done():
			return
		}
	}
}

func (s *Store) listenOnce(ctx context.Context, onListening func()) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	onListening()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		s.broker.Publish([]byte(n.Payload))
	}
}

// notifyID is the fixed-size name a key's commits are announced under.
func notifyID(packed []byte) string {
	sum := sha256.Sum256(packed)
	return hex.EncodeToString(sum[:])
}

func decodeEntry(k, v []byte) (mailbox.Entry, error) {
	key, err := mailbox.Unpack(k)
	if err != nil {
		return mailbox.Entry{}, err
	}
	val, err := mailbox.UnpackValue(v)
	if err != nil {
		return mailbox.Entry{Key: key}, err
	}
	return mailbox.Entry{Key: key, Value: val}, nil
}
