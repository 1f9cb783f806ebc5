package badgerstore

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/roomrelay/relay/internal/mailbox"
	"github.com/roomrelay/relay/internal/mailbox/mailboxtest"
)

func newTestStore(t *testing.T) (mailbox.Mailbox, func(time.Duration)) {
	t.Helper()
	clock := mailboxtest.NewClock()
	s, err := Open(Options{Logger: zerolog.Nop(), Clock: clock.Now})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clock.Advance
}

func TestStore(t *testing.T) {
	mailboxtest.Run(t, newTestStore)
}

func TestOpenOnDisk(t *testing.T) {
	dir := t.TempDir()
	key := mailbox.Key{[]byte("room"), "lastUpdated"}

	s, err := Open(Options{Dir: dir, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Commit(context.Background(), mailbox.Write{Key: key, Value: 1.5, TTL: time.Hour}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = Open(Options{Dir: dir, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	n := 0
	for e, err := range s.Scan(context.Background(), key, key) {
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		if v, ok := e.Value.(float64); !ok || v != 1.5 {
			t.Errorf("expected 1.5, got %#v", e.Value)
		}
		n++
	}
	if n != 1 {
		t.Errorf("expected the marker to survive a reopen, got %d entries", n)
	}
}

func TestScanReportsMalformedEntries(t *testing.T) {
	s, err := Open(Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	prefix := mailbox.Key{[]byte("room"), "messages"}
	good := mailbox.MustPack(append(prefix, 2.0))
	bad := mailbox.MustPack(append(prefix, 1.0))

	err = s.db.Update(func(txn *badger.Txn) error {
		// Value shorter than the deadline header
		if err := txn.Set(bad, []byte{0x01}); err != nil {
			return err
		}
		v, _ := mailbox.PackValue([]byte("ok"))
		return txn.Set(good, encodeValue(0, v))
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	var malformed, ok int
	for _, err := range s.Scan(context.Background(), prefix, prefix) {
		switch {
		case errors.Is(err, mailbox.ErrMalformed):
			malformed++
		case err != nil:
			t.Fatalf("unexpected scan error: %v", err)
		default:
			ok++
		}
	}
	if malformed != 1 || ok != 1 {
		t.Errorf("expected 1 malformed and 1 good entry, got %d and %d", malformed, ok)
	}
}

func TestClosedStore(t *testing.T) {
	s, err := Open(Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s.Close()

	key := mailbox.Key{[]byte("room"), "lastUpdated"}
	if err := s.Commit(context.Background(), mailbox.Write{Key: key, Value: 1.0}); !errors.Is(err, mailbox.ErrClosed) {
		t.Errorf("expected ErrClosed from commit, got %v", err)
	}
	if _, err := s.Watch(context.Background(), key); !errors.Is(err, mailbox.ErrClosed) {
		t.Errorf("expected ErrClosed from watch, got %v", err)
	}
	if err := s.Ping(context.Background()); !errors.Is(err, mailbox.ErrClosed) {
		t.Errorf("expected ErrClosed from ping, got %v", err)
	}
}

func TestScanNeverReachesWatchSentinels(t *testing.T) {
	s, err := Open(Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	key := mailbox.Key{[]byte("room"), "lastUpdated"}
	w, err := s.Watch(context.Background(), key)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Close()

	// A sentinel left behind by a watch that never cleaned up
	stray := append(bytes.Clone(sentinelPrefix), "stray"...)
	if err := s.db.Update(func(txn *badger.Txn) error { return txn.Set(stray, nil) }); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Commit(context.Background(), mailbox.Write{Key: key, Value: 1.0, TTL: time.Minute}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	n := 0
	for _, err := range s.Scan(context.Background(), mailbox.Key{}, mailbox.Key{}) {
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		n++
	}
	if n != 1 {
		t.Errorf("expected only the committed entry, got %d entries", n)
	}
}
