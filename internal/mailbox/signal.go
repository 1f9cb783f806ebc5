package mailbox

import (
	"context"
	"sync"
)

// Signal is the coalescing Watcher the adapters hand out. At most one event
// is pending at a time.
type Signal struct {
	mu     sync.Mutex
	events chan struct{}
	closed bool
	err    error
	stop   func()
}

// NewSignal returns an open signal. stop runs once when the signal closes,
// to release whatever subscription feeds it. It may be nil.
func NewSignal(stop func()) *Signal {
	return &Signal{
		events: make(chan struct{}, 1),
		stop:   stop,
	}
}

// Notify queues an event unless one is already pending.
func (s *Signal) Notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- struct{}{}:
	default:
	}
}

// Events implements Watcher.
func (s *Signal) Events() <-chan struct{} {
	return s.events
}

// Err implements Watcher.
func (s *Signal) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements Watcher.
func (s *Signal) Close() error {
	s.CloseWithError(nil)
	return nil
}

// CloseWithError ends the watch and records err as the reason.
func (s *Signal) CloseWithError(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	close(s.events)
	stop := s.stop
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
}

// CloseOnDone closes s when ctx is done.
func (s *Signal) CloseOnDone(ctx context.Context) {
	context.AfterFunc(ctx, func() { s.CloseWithError(nil) })
}

// Broker fans commit notifications out to in-process watchers. The SQL
// adapters use it since their databases have no per-key change stream of
// their own.
type Broker struct {
	mu     sync.Mutex
	subs   map[string]map[*Signal]struct{}
	closed bool
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[*Signal]struct{})}
}

// Subscribe registers a watcher on a packed key. The returned signal
// already carries the initial event. On a closed broker it is already
// closed with ErrClosed.
func (b *Broker) Subscribe(ctx context.Context, packed []byte) *Signal {
	k := string(packed)
	var sig *Signal
	sig = NewSignal(func() { b.remove(k, sig) })

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sig.CloseWithError(ErrClosed)
		return sig
	}
	set, ok := b.subs[k]
	if !ok {
		set = make(map[*Signal]struct{})
		b.subs[k] = set
	}
	set[sig] = struct{}{}
	b.mu.Unlock()

	sig.Notify()
	sig.CloseOnDone(ctx)
	return sig
}

// Publish notifies every watcher of packed.
func (b *Broker) Publish(packed []byte) {
	b.mu.Lock()
	set := b.subs[string(packed)]
	sigs := make([]*Signal, 0, len(set))
	for sig := range set {
		sigs = append(sigs, sig)
	}
	b.mu.Unlock()

	for _, sig := range sigs {
		sig.Notify()
	}
}

// NotifyAll wakes every watcher regardless of key.
func (b *Broker) NotifyAll() {
	for _, sig := range b.snapshot() {
		sig.Notify()
	}
}

func (b *Broker) snapshot() []*Signal {
	b.mu.Lock()
	defer b.mu.Unlock()
	var sigs []*Signal
	for _, set := range b.subs {
		for sig := range set {
			sigs = append(sigs, sig)
		}
	}
	return sigs
}

// Close ends every outstanding watch with err. Later subscriptions end
// immediately.
func (b *Broker) Close(err error) {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	for _, sig := range b.snapshot() {
		sig.CloseWithError(err)
	}
}

// Len returns the number of live subscriptions.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, set := range b.subs {
		n += len(set)
	}
	return n
}

func (b *Broker) remove(k string, sig *Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[k]
	delete(set, sig)
	if len(set) == 0 {
		delete(b.subs, k)
	}
}
