package mailbox

import (
	"context"
	"errors"
	"testing"
	"time"
)

func pending(s *Signal) int {
	return len(s.events)
}

func TestSignalCoalesces(t *testing.T) {
	s := NewSignal(nil)

	s.Notify()
	s.Notify()
	s.Notify()
	if n := pending(s); n != 1 {
		t.Fatalf("expected 1 pending event, got %d", n)
	}

	<-s.Events()
	s.Notify()
	if n := pending(s); n != 1 {
		t.Errorf("expected a new event after draining, got %d", n)
	}
}

func TestSignalCloseWithError(t *testing.T) {
	stops := 0
	s := NewSignal(func() { stops++ })
	boom := errors.New("boom")

	s.CloseWithError(boom)
	s.CloseWithError(errors.New("later"))
	s.Close()

	if stops != 1 {
		t.Errorf("expected stop to run once, ran %d times", stops)
	}
	if !errors.Is(s.Err(), boom) {
		t.Errorf("expected the first error to stick, got %v", s.Err())
	}
	if _, ok := <-s.Events(); ok {
		t.Error("expected events to be closed")
	}

	// Notify after close is a no-op
	s.Notify()
}

func TestSignalCloseOnDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewSignal(nil)
	s.CloseOnDone(ctx)

	cancel()

	select {
	case _, ok := <-s.Events():
		if ok {
			t.Fatal("expected no event, only the close")
		}
	case <-time.After(time.Second):
		t.Fatal("signal not closed after cancel")
	}
	if s.Err() != nil {
		t.Errorf("expected nil error, got %v", s.Err())
	}
}

func TestBrokerPublish(t *testing.T) {
	b := NewBroker()
	ctx := context.Background()

	a1 := b.Subscribe(ctx, []byte("a"))
	a2 := b.Subscribe(ctx, []byte("a"))
	other := b.Subscribe(ctx, []byte("b"))

	// Drain the initial events
	for _, s := range []*Signal{a1, a2, other} {
		if pending(s) != 1 {
			t.Fatal("expected an initial event on subscribe")
		}
		<-s.Events()
	}

	b.Publish([]byte("a"))
	if pending(a1) != 1 || pending(a2) != 1 {
		t.Error("expected both watchers of a to be notified")
	}
	if pending(other) != 0 {
		t.Error("expected watcher of b to stay quiet")
	}

	b.NotifyAll()
	if pending(other) != 1 {
		t.Error("expected NotifyAll to reach every watcher")
	}
}

func TestBrokerRemovesClosedSignals(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())

	s1 := b.Subscribe(context.Background(), []byte("a"))
	b.Subscribe(ctx, []byte("a"))
	if b.Len() != 2 {
		t.Fatalf("expected 2 subscriptions, got %d", b.Len())
	}

	s1.Close()
	if b.Len() != 1 {
		t.Errorf("expected 1 subscription after close, got %d", b.Len())
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for b.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if b.Len() != 0 {
		t.Errorf("expected cancelled subscription to be removed, got %d", b.Len())
	}

	// Publishing to a key without watchers is fine
	b.Publish([]byte("a"))
}

func TestBrokerClose(t *testing.T) {
	b := NewBroker()
	s := b.Subscribe(context.Background(), []byte("a"))
	boom := errors.New("store gone")

	b.Close(boom)

	if !errors.Is(s.Err(), boom) {
		t.Errorf("expected %v, got %v", boom, s.Err())
	}
	if b.Len() != 0 {
		t.Errorf("expected no subscriptions, got %d", b.Len())
	}
}

func TestBrokerSubscribeAfterClose(t *testing.T) {
	b := NewBroker()
	b.Close(nil)

	s := b.Subscribe(context.Background(), []byte("a"))
	if _, ok := <-s.Events(); ok {
		t.Error("expected the signal to be closed")
	}
	if !errors.Is(s.Err(), ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", s.Err())
	}
	if b.Len() != 0 {
		t.Errorf("expected no subscriptions, got %d", b.Len())
	}
}
