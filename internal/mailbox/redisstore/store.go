// Package redisstore is the Mailbox adapter for Redis. It lets several
// relay processes share rooms.
//
// Layout under the namespace ns:
//
//	ns:v:<packed key>   value, with the write's TTL
//	ns:idx              sorted set of packed keys, all score 0 (lex order)
//	ns:exp              sorted set of packed keys scored by deadline (ms)
//	ns:w:<packed key>   pub/sub channel notified on every commit of the key
//
// Redis expires the value keys itself. Every commit first drops index
// members whose deadline passed more than purgeGrace ago, so the index
// stays bounded by the live keys even for rooms nobody scans again. Scans
// also prune the expired members they run into.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/roomrelay/relay/internal/mailbox"
)

const (
	defaultNamespace = "relay"
	scanPage         = 256

	// purgeGrace absorbs clock skew between relays sharing a namespace.
	purgeGrace = time.Minute
	purgeBatch = 512
)

// purgeScript removes up to ARGV[2] members whose deadline is at or below
// ARGV[1] from the index (KEYS[1]) and the expiry set (KEYS[2]).
const purgeScript = `
local stale = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', '0', ARGV[2])
if #stale > 0 then
	redis.call('ZREM', KEYS[1], unpack(stale))
	redis.call('ZREM', KEYS[2], unpack(stale))
end
return #stale
`

// pruneScript removes ARGV[i] from the index (KEYS[1]) and the expiry set
// (KEYS[2]) unless its value key KEYS[i+2] was written again meanwhile.
const pruneScript = `
local n = 0
for i, member in ipairs(ARGV) do
	if redis.call('EXISTS', KEYS[i + 2]) == 0 then
		redis.call('ZREM', KEYS[1], member)
		redis.call('ZREM', KEYS[2], member)
		n = n + 1
	end
end
return n
`

// Options configures Open.
type Options struct {
	URL       string
	Namespace string
	Logger    zerolog.Logger
	Clock     mailbox.Clock
}

// Store implements mailbox.Mailbox on Redis.
type Store struct {
	client *redis.Client
	ns     string
	now    mailbox.Clock
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ mailbox.Mailbox = (*Store)(nil)

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, opts Options) (*Store, error) {
	ropts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return New(client, opts.Namespace, opts.Logger, opts.Clock), nil
}

// New wraps an existing client. The store owns it from then on. A nil
// clock uses time.Now.
func New(client *redis.Client, namespace string, log zerolog.Logger, clock mailbox.Clock) *Store {
	if namespace == "" {
		namespace = defaultNamespace
	}
	if clock == nil {
		clock = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		client: client,
		ns:     namespace,
		now:    clock,
		log:    log.With().Str("component", "redisstore").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Store) valueKey(packed string) string {
	return s.ns + ":v:" + packed
}

func (s *Store) indexKey() string {
	return s.ns + ":idx"
}

func (s *Store) expiryKey() string {
	return s.ns + ":exp"
}

func (s *Store) channel(packed string) string {
	return s.ns + ":w:" + packed
}

// Commit implements mailbox.Mailbox with MULTI/EXEC. The PUBLISH commands
// are part of the transaction, so subscribers hear about a key only once
// its value is readable. The purge runs first in the same transaction, so
// it never drops a member this commit writes.
func (s *Store) Commit(ctx context.Context, writes ...mailbox.Write) error {
	type packedWrite struct {
		key, value string
		w          mailbox.Write
	}
	packed := make([]packedWrite, 0, len(writes))
	for _, w := range writes {
		k, err := mailbox.Pack(w.Key)
		if err != nil {
			return err
		}
		v, err := mailbox.PackValue(w.Value)
		if err != nil {
			return err
		}
		packed = append(packed, packedWrite{key: string(k), value: string(v), w: w})
	}

	now := s.now()
	horizon := now.Add(-purgeGrace).UnixMilli()
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Eval(ctx, purgeScript, []string{s.indexKey(), s.expiryKey()}, horizon, purgeBatch)
		for _, p := range packed {
			pipe.Set(ctx, s.valueKey(p.key), p.value, p.w.TTL)
			pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: 0, Member: p.key})
			if p.w.TTL > 0 {
				deadline := now.Add(p.w.TTL).UnixMilli()
				pipe.ZAdd(ctx, s.expiryKey(), redis.Z{Score: float64(deadline), Member: p.key})
			} else {
				pipe.ZRem(ctx, s.expiryKey(), p.key)
			}
		}
		for _, p := range packed {
			pipe.Publish(ctx, s.channel(p.key), "1")
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// Scan implements mailbox.Mailbox. Pages through the lex index and reads
// values with MGET; a member whose value is gone has expired.
func (s *Store) Scan(ctx context.Context, prefix, start mailbox.Key) iter.Seq2[mailbox.Entry, error] {
	return func(yield func(mailbox.Entry, error) bool) {
		from, to, err := mailbox.PackRange(prefix, start)
		if err != nil {
			yield(mailbox.Entry{}, err)
			return
		}

		lo := "[" + string(from)
		hi := "(" + string(to)
		for {
			members, err := s.client.ZRangeByLex(ctx, s.indexKey(), &redis.ZRangeBy{
				Min:   lo,
				Max:   hi,
				Count: scanPage,
			}).Result()
			if err != nil {
				yield(mailbox.Entry{}, fmt.Errorf("failed to scan index: %w", err))
				return
			}
			if len(members) == 0 {
				return
			}

			keys := make([]string, len(members))
			for i, m := range members {
				keys[i] = s.valueKey(m)
			}
			values, err := s.client.MGet(ctx, keys...).Result()
			if err != nil {
				yield(mailbox.Entry{}, fmt.Errorf("failed to read values: %w", err))
				return
			}

			var stale []interface{}
			for i, m := range members {
				if values[i] == nil {
					stale = append(stale, m)
					continue
				}
				if !yield(decodeEntry(m, values[i])) {
					s.prune(stale)
					return
				}
			}
			s.prune(stale)

			if len(members) < scanPage {
				return
			}
			lo = "(" + members[len(members)-1]
		}
	}
}

func (s *Store) prune(members []interface{}) {
	if len(members) == 0 {
		return
	}
	keys := make([]string, 0, len(members)+2)
	keys = append(keys, s.indexKey(), s.expiryKey())
	for _, m := range members {
		keys = append(keys, s.valueKey(m.(string)))
	}
	if err := s.client.Eval(s.ctx, pruneScript, keys, members...).Err(); err != nil {
		s.log.Warn().Err(err).Int("members", len(members)).Msg("failed to prune expired index members")
	}
}

// Watch implements mailbox.Mailbox with a SUBSCRIBE on the key's channel.
// It returns once Redis has confirmed the subscription.
func (s *Store) Watch(ctx context.Context, key mailbox.Key) (mailbox.Watcher, error) {
	packed, err := mailbox.Pack(key)
	if err != nil {
		return nil, err
	}

	ps := s.client.Subscribe(ctx, s.channel(string(packed)))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	stopOnClose := context.AfterFunc(s.ctx, cancel)
	sig := mailbox.NewSignal(func() {
		stopOnClose()
		cancel()
		ps.Close()
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ch := ps.Channel()
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					sig.CloseWithError(nil)
					return
				}
				sig.Notify()
			case <-subCtx.Done():
				sig.CloseWithError(nil)
				return
			}
		}
	}()

	sig.Notify()
	return sig, nil
}

// Ping implements mailbox.Mailbox.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close ends all watchers and closes the client.
func (s *Store) Close() error {
	s.cancel()
	s.wg.Wait()
	if err := s.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}

func decodeEntry(member string, raw interface{}) (mailbox.Entry, error) {
	key, err := mailbox.Unpack([]byte(member))
	if err != nil {
		return mailbox.Entry{}, err
	}
	str, ok := raw.(string)
	if !ok {
		return mailbox.Entry{Key: key}, fmt.Errorf("%w: unexpected reply type %T", mailbox.ErrMalformed, raw)
	}
	v, err := mailbox.UnpackValue([]byte(str))
	if err != nil {
		return mailbox.Entry{Key: key}, err
	}
	return mailbox.Entry{Key: key, Value: v}, nil
}
