// Package mailboxtest is the behaviour suite every Mailbox adapter runs in
// its own tests.
package mailboxtest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/roomrelay/relay/internal/mailbox"
)

const eventTimeout = 2 * time.Second

// Factory returns a fresh, empty store and a function that moves the
// store's notion of time forward. The store is closed by the factory's own
// test cleanup; Close must tolerate being called again.
type Factory func(t *testing.T) (mb mailbox.Mailbox, advance func(time.Duration))

// Clock is a manually advanced mailbox.Clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock stopped at the current time.
func NewClock() *Clock {
	return &Clock{now: time.Now()}
}

// Now returns the clock's time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Run runs the suite against the stores newStore creates.
func Run(t *testing.T, newStore Factory) {
	t.Run("CommitThenScan", func(t *testing.T) { testCommitThenScan(t, newStore) })
	t.Run("ScanFromStart", func(t *testing.T) { testScanFromStart(t, newStore) })
	t.Run("ScanStartBelowPrefix", func(t *testing.T) { testScanStartBelowPrefix(t, newStore) })
	t.Run("ScanStopsEarly", func(t *testing.T) { testScanStopsEarly(t, newStore) })
	t.Run("Overwrite", func(t *testing.T) { testOverwrite(t, newStore) })
	t.Run("Expiry", func(t *testing.T) { testExpiry(t, newStore) })
	t.Run("CommitIsAtomic", func(t *testing.T) { testCommitIsAtomic(t, newStore) })
	t.Run("WatchInitialEvent", func(t *testing.T) { testWatchInitialEvent(t, newStore) })
	t.Run("WatchSeesCommit", func(t *testing.T) { testWatchSeesCommit(t, newStore) })
	t.Run("WatchFirstCommitAfterInitialEvent", func(t *testing.T) { testWatchFirstCommitAfterInitialEvent(t, newStore) })
	t.Run("WatchClose", func(t *testing.T) { testWatchClose(t, newStore) })
	t.Run("WatchContextCancel", func(t *testing.T) { testWatchContextCancel(t, newStore) })
	t.Run("CloseEndsWatches", func(t *testing.T) { testCloseEndsWatches(t, newStore) })
	t.Run("Ping", func(t *testing.T) { testPing(t, newStore) })
}

var room = []byte("room\x00one")

func msgKey(id float64) mailbox.Key {
	return mailbox.Key{room, "messages", id}
}

func msgPrefix() mailbox.Key {
	return mailbox.Key{room, "messages"}
}

func markerKey() mailbox.Key {
	return mailbox.Key{room, "lastUpdated"}
}

func commit(t *testing.T, mb mailbox.Mailbox, writes ...mailbox.Write) {
	t.Helper()
	if err := mb.Commit(context.Background(), writes...); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func scanAll(t *testing.T, mb mailbox.Mailbox, prefix, start mailbox.Key) []mailbox.Entry {
	t.Helper()
	var out []mailbox.Entry
	for e, err := range mb.Scan(context.Background(), prefix, start) {
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		out = append(out, e)
	}
	return out
}

func ids(t *testing.T, entries []mailbox.Entry) []float64 {
	t.Helper()
	out := make([]float64, len(entries))
	for i, e := range entries {
		id, ok := e.Key[len(e.Key)-1].(float64)
		if !ok {
			t.Fatalf("entry %d: last key element is %T", i, e.Key[len(e.Key)-1])
		}
		out[i] = id
	}
	return out
}

func equalIDs(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func testCommitThenScan(t *testing.T, newStore Factory) {
	mb, _ := newStore(t)

	commit(t, mb,
		mailbox.Write{Key: msgKey(300.5), Value: []byte("c"), TTL: time.Minute},
		mailbox.Write{Key: msgKey(100.25), Value: []byte("a"), TTL: time.Minute},
		mailbox.Write{Key: markerKey(), Value: 300.5, TTL: time.Hour},
	)
	commit(t, mb,
		mailbox.Write{Key: msgKey(200), Value: []byte{0x00, 0xff}, TTL: time.Minute},
		mailbox.Write{Key: mailbox.Key{[]byte("other"), "messages", 150.0}, Value: []byte("x"), TTL: time.Minute},
	)

	entries := scanAll(t, mb, msgPrefix(), msgPrefix())
	if got, want := ids(t, entries), []float64{100.25, 200, 300.5}; !equalIDs(got, want) {
		t.Fatalf("expected ids %v, got %v", want, got)
	}

	payload, ok := entries[1].Value.([]byte)
	if !ok || string(payload) != string([]byte{0x00, 0xff}) {
		t.Errorf("expected binary payload to round-trip, got %#v", entries[1].Value)
	}
	if room, ok := entries[0].Key[0].([]byte); !ok || string(room) != "room\x00one" {
		t.Errorf("expected room element to round-trip, got %#v", entries[0].Key[0])
	}

	markers := scanAll(t, mb, markerKey(), markerKey())
	if len(markers) != 1 {
		t.Fatalf("expected 1 marker, got %d", len(markers))
	}
	if v, ok := markers[0].Value.(float64); !ok || v != 300.5 {
		t.Errorf("expected marker value 300.5, got %#v", markers[0].Value)
	}
}

func testScanFromStart(t *testing.T, newStore Factory) {
	mb, _ := newStore(t)

	for _, id := range []float64{10, 20, 30, 40} {
		commit(t, mb, mailbox.Write{Key: msgKey(id), Value: []byte("m"), TTL: time.Minute})
	}

	entries := scanAll(t, mb, msgPrefix(), msgKey(20))
	if got, want := ids(t, entries), []float64{20, 30, 40}; !equalIDs(got, want) {
		t.Errorf("expected ids %v, got %v", want, got)
	}

	entries = scanAll(t, mb, msgPrefix(), msgKey(25))
	if got, want := ids(t, entries), []float64{30, 40}; !equalIDs(got, want) {
		t.Errorf("expected ids %v, got %v", want, got)
	}

	if entries := scanAll(t, mb, msgPrefix(), msgKey(41)); len(entries) != 0 {
		t.Errorf("expected no entries past the last id, got %d", len(entries))
	}
}

func testScanStartBelowPrefix(t *testing.T, newStore Factory) {
	mb, _ := newStore(t)

	commit(t, mb,
		mailbox.Write{Key: msgKey(1), Value: []byte("m"), TTL: time.Minute},
		mailbox.Write{Key: markerKey(), Value: 1.0, TTL: time.Minute},
	)

	entries := scanAll(t, mb, msgPrefix(), mailbox.Key{room})
	if got, want := ids(t, entries), []float64{1}; !equalIDs(got, want) {
		t.Errorf("expected ids %v, got %v", want, got)
	}
}

func testScanStopsEarly(t *testing.T, newStore Factory) {
	mb, _ := newStore(t)

	for _, id := range []float64{1, 2, 3} {
		commit(t, mb, mailbox.Write{Key: msgKey(id), Value: []byte("m"), TTL: time.Minute})
	}

	n := 0
	for _, err := range mb.Scan(context.Background(), msgPrefix(), msgPrefix()) {
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		n++
		break
	}
	if n != 1 {
		t.Fatalf("expected to stop after 1 entry, got %d", n)
	}

	// The store stays usable after an abandoned scan
	commit(t, mb, mailbox.Write{Key: msgKey(4), Value: []byte("m"), TTL: time.Minute})
	if entries := scanAll(t, mb, msgPrefix(), msgPrefix()); len(entries) != 4 {
		t.Errorf("expected 4 entries, got %d", len(entries))
	}
}

func testOverwrite(t *testing.T, newStore Factory) {
	mb, _ := newStore(t)

	commit(t, mb, mailbox.Write{Key: msgKey(7), Value: []byte("first"), TTL: time.Minute})
	commit(t, mb, mailbox.Write{Key: msgKey(7), Value: []byte("second"), TTL: time.Minute})

	entries := scanAll(t, mb, msgPrefix(), msgPrefix())
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if v, _ := entries[0].Value.([]byte); string(v) != "second" {
		t.Errorf("expected second, got %#v", entries[0].Value)
	}
}

func testExpiry(t *testing.T, newStore Factory) {
	mb, advance := newStore(t)

	commit(t, mb,
		mailbox.Write{Key: msgKey(1), Value: []byte("m"), TTL: 3 * time.Second},
		mailbox.Write{Key: markerKey(), Value: 1.0, TTL: 24 * time.Hour},
	)

	advance(2 * time.Second)
	if entries := scanAll(t, mb, msgPrefix(), msgPrefix()); len(entries) != 1 {
		t.Fatalf("expected message to be live after 2s, got %d entries", len(entries))
	}

	advance(2 * time.Second)
	if entries := scanAll(t, mb, msgPrefix(), msgPrefix()); len(entries) != 0 {
		t.Fatalf("expected message to expire after 3s, got %d entries", len(entries))
	}
	if entries := scanAll(t, mb, markerKey(), markerKey()); len(entries) != 1 {
		t.Errorf("expected marker to outlive the message, got %d entries", len(entries))
	}
}

func testCommitIsAtomic(t *testing.T, newStore Factory) {
	mb, _ := newStore(t)

	err := mb.Commit(context.Background(),
		mailbox.Write{Key: msgKey(1), Value: []byte("m"), TTL: time.Minute},
		mailbox.Write{Key: markerKey(), Value: struct{}{}, TTL: time.Minute},
	)
	if !errors.Is(err, mailbox.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}

	if entries := scanAll(t, mb, mailbox.Key{room}, mailbox.Key{room}); len(entries) != 0 {
		t.Errorf("expected a failed commit to write nothing, got %d entries", len(entries))
	}
}

func testWatchInitialEvent(t *testing.T, newStore Factory) {
	mb, _ := newStore(t)

	w, err := mb.Watch(context.Background(), markerKey())
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Close()

	select {
	case _, ok := <-w.Events():
		if !ok {
			t.Fatal("expected an initial event, watch ended")
		}
	case <-time.After(eventTimeout):
		t.Fatal("timed out waiting for the initial event")
	}
}

func testWatchSeesCommit(t *testing.T, newStore Factory) {
	mb, _ := newStore(t)

	w, err := mb.Watch(context.Background(), markerKey())
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Close()
	<-w.Events()

	commit(t, mb, mailbox.Write{Key: markerKey(), Value: 1.0, TTL: time.Minute})
	expectEvent(t, w)
}

// A commit made right after the initial event must wake the watcher even
// when nothing else is committed afterwards.
func testWatchFirstCommitAfterInitialEvent(t *testing.T, newStore Factory) {
	mb, _ := newStore(t)

	for i := 0; i < 50; i++ {
		key := mailbox.Key{room, "lastUpdated", float64(i)}
		w, err := mb.Watch(context.Background(), key)
		if err != nil {
			t.Fatalf("watch %d: %v", i, err)
		}
		<-w.Events()

		commit(t, mb, mailbox.Write{Key: key, Value: float64(i), TTL: time.Minute})
		select {
		case _, ok := <-w.Events():
			if !ok {
				t.Fatalf("watch %d ended: %v", i, w.Err())
			}
		case <-time.After(eventTimeout):
			t.Fatalf("watch %d missed the first commit after its initial event", i)
		}
		w.Close()
	}
}

func expectEvent(t *testing.T, w mailbox.Watcher) {
	t.Helper()
	select {
	case _, ok := <-w.Events():
		if !ok {
			t.Fatalf("watch ended: %v", w.Err())
		}
	case <-time.After(eventTimeout):
		t.Fatal("timed out waiting for a commit event")
	}
}

func expectEnded(t *testing.T, w mailbox.Watcher) {
	t.Helper()
	deadline := time.After(eventTimeout)
	for {
		select {
		case _, ok := <-w.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for the watch to end")
		}
	}
}

func testWatchClose(t *testing.T, newStore Factory) {
	mb, _ := newStore(t)

	w, err := mb.Watch(context.Background(), markerKey())
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	expectEnded(t, w)

	if err := w.Err(); err != nil {
		t.Errorf("expected nil error after close, got %v", err)
	}

	// Commits after the watch ended must not block or panic
	commit(t, mb, mailbox.Write{Key: markerKey(), Value: 1.0, TTL: time.Minute})
}

func testWatchContextCancel(t *testing.T, newStore Factory) {
	mb, _ := newStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	w, err := mb.Watch(ctx, markerKey())
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Close()

	cancel()
	expectEnded(t, w)
}

func testCloseEndsWatches(t *testing.T, newStore Factory) {
	mb, _ := newStore(t)

	w, err := mb.Watch(context.Background(), markerKey())
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Close()

	if err := mb.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	expectEnded(t, w)
}

func testPing(t *testing.T, newStore Factory) {
	mb, _ := newStore(t)

	if err := mb.Ping(context.Background()); err != nil {
		t.Errorf("ping: %v", err)
	}
}
