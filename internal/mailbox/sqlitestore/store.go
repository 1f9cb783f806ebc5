// Package sqlitestore is a single-process Mailbox adapter on SQLite.
// Change notification is in-process only, so every relay sharing the
// database file must run in the same process.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"time"

	"github.com/rs/zerolog"

	"github.com/roomrelay/relay/internal/mailbox"
)

// Store implements mailbox.Mailbox on a *sql.DB opened by db.OpenSQLite.
type Store struct {
	db     *sql.DB
	broker *mailbox.Broker
	now    mailbox.Clock
	log    zerolog.Logger
}

var _ mailbox.Mailbox = (*Store)(nil)

// New wraps db. The store owns it and closes it on Close.
func New(db *sql.DB, log zerolog.Logger, clock mailbox.Clock) *Store {
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		db:     db,
		broker: mailbox.NewBroker(),
		now:    clock,
		log:    log.With().Str("component", "sqlitestore").Logger(),
	}
}

// Commit implements mailbox.Mailbox. Expired rows are purged in the same
// transaction; watchers are notified after it commits.
func (s *Store) Commit(ctx context.Context, writes ...mailbox.Write) error {
	now := s.now()
	keys := make([][]byte, 0, len(writes))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

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

		_, err = tx.ExecContext(ctx, `
			INSERT INTO mailbox (key, value, expires_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
		`, k, v, deadline)
		if err != nil {
			return fmt.Errorf("failed to write key: %w", err)
		}
		keys = append(keys, k)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM mailbox WHERE expires_at > 0 AND expires_at <= ?`, now.UnixMilli()); err != nil {
		return fmt.Errorf("failed to purge expired keys: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	for _, k := range keys {
		s.broker.Publish(k)
	}
	return nil
}

// Scan implements mailbox.Mailbox. BLOB comparison in SQLite is memcmp,
// which matches packed key order.
func (s *Store) Scan(ctx context.Context, prefix, start mailbox.Key) iter.Seq2[mailbox.Entry, error] {
	return func(yield func(mailbox.Entry, error) bool) {
		from, to, err := mailbox.PackRange(prefix, start)
		if err != nil {
			yield(mailbox.Entry{}, err)
			return
		}

		rows, err := s.db.QueryContext(ctx, `
			SELECT key, value FROM mailbox
			WHERE key >= ? AND key < ? AND (expires_at = 0 OR expires_at > ?)
			ORDER BY key
		`, from, to, s.now().UnixMilli())
		if err != nil {
			yield(mailbox.Entry{}, fmt.Errorf("failed to scan: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var k, v []byte
			if err := rows.Scan(&k, &v); err != nil {
				yield(mailbox.Entry{}, fmt.Errorf("failed to read row: %w", err))
				return
			}
			if !yield(decodeEntry(k, v)) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(mailbox.Entry{}, fmt.Errorf("failed to scan: %w", err))
		}
	}
}

// Watch implements mailbox.Mailbox.
func (s *Store) Watch(ctx context.Context, key mailbox.Key) (mailbox.Watcher, error) {
	packed, err := mailbox.Pack(key)
	if err != nil {
		return nil, err
	}
	return s.broker.Subscribe(ctx, packed), nil
}

// Ping implements mailbox.Mailbox.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close ends all watchers and closes the database.
func (s *Store) Close() error {
	s.broker.Close(nil)
	return s.db.Close()
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
