package sqlitestore

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/roomrelay/relay/internal/db"
	"github.com/roomrelay/relay/internal/mailbox"
	"github.com/roomrelay/relay/internal/mailbox/mailboxtest"
)

func newTestStore(t *testing.T) (mailbox.Mailbox, func(time.Duration)) {
	t.Helper()
	sqlDB, err := db.NewTestDB(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	clock := mailboxtest.NewClock()
	s := New(sqlDB, zerolog.Nop(), clock.Now)
	t.Cleanup(func() { s.Close() })
	return s, clock.Advance
}

func TestStore(t *testing.T) {
	mailboxtest.Run(t, newTestStore)
}

func TestCommitPurgesExpiredRows(t *testing.T) {
	sqlDB, err := db.NewTestDB(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	clock := mailboxtest.NewClock()
	s := New(sqlDB, zerolog.Nop(), clock.Now)
	defer s.Close()

	ctx := context.Background()
	old := mailbox.Key{[]byte("room"), "messages", 1.0}
	if err := s.Commit(ctx, mailbox.Write{Key: old, Value: []byte("m"), TTL: 3 * time.Second}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	clock.Advance(5 * time.Second)
	marker := mailbox.Key{[]byte("room"), "lastUpdated"}
	if err := s.Commit(ctx, mailbox.Write{Key: marker, Value: 2.0, TTL: time.Hour}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	var rows int
	if err := sqlDB.QueryRow(`SELECT COUNT(*) FROM mailbox`).Scan(&rows); err != nil {
		t.Fatalf("count: %v", err)
	}
	if rows != 1 {
		t.Errorf("expected only the marker row to remain, got %d rows", rows)
	}
}

func TestWatchersAreReleased(t *testing.T) {
	sqlDB, err := db.NewTestDB(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	s := New(sqlDB, zerolog.Nop(), nil)
	defer s.Close()

	key := mailbox.Key{[]byte("room"), "lastUpdated"}
	w, err := s.Watch(context.Background(), key)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if s.broker.Len() != 1 {
		t.Fatalf("expected 1 subscription, got %d", s.broker.Len())
	}

	w.Close()
	if s.broker.Len() != 0 {
		t.Errorf("expected no subscriptions after close, got %d", s.broker.Len())
	}
}
