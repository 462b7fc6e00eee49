package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quotaguard/quotaguard/internal/domain/abuse"
	"github.com/quotaguard/quotaguard/internal/domain/ratelimit"
	"github.com/quotaguard/quotaguard/internal/port/outbound"
)

// maxTxRetries bounds optimistic retries of a violation record update.
const maxTxRetries = 8

// incrScript adds ARGV[1] to KEYS[1] and sets the expiry to ARGV[2] ms only
// when the key has none, returning {value, pttl}. A key that does not hold an
// integer is overwritten with a fresh counter.
var incrScript = redis.NewScript(`
	local value = redis.pcall('INCRBY', KEYS[1], ARGV[1])
	if type(value) ~= 'number' then
		redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
		return {tonumber(ARGV[1]), tonumber(ARGV[2])}
	end
	local ttl = redis.call('PTTL', KEYS[1])
	if ttl < 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
		ttl = tonumber(ARGV[2])
	end
	return {value, ttl}
`)

// Store implements outbound.Backend on Redis.
type Store struct {
	client redis.UniversalClient
	prefix string
}

// NewStore creates a store. Every key is namespaced with prefix + ":".
func NewStore(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "qg"
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) key(k string) string {
	return s.prefix + ":" + k
}

// IncrementAndGet runs INCRBY and PEXPIRE in one server-side script.
func (s *Store) IncrementAndGet(ctx context.Context, key string, ttl time.Duration, cost int64) (int64, time.Duration, error) {
	ms := ttl.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	res, err := incrScript.Run(ctx, s.client, []string{s.key(key)}, cost, ms).Int64Slice()
	if err != nil {
		return 0, 0, wrapErr("increment", err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("redis increment: %w: unexpected reply length %d", ratelimit.ErrStoreRejected, len(res))
	}
	return res[0], time.Duration(res[1]) * time.Millisecond, nil
}

// BatchRead issues pipelined GETs so keys may live on different cluster slots.
func (s *Store) BatchRead(ctx context.Context, keys []string) (map[string]int64, error) {
	out := make(map[string]int64, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	cmds := make([]*redis.StringCmd, len(keys))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = pipe.Get(ctx, s.key(k))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) && !rejected(err) {
		return nil, wrapErr("batch read", err)
	}
	for i, cmd := range cmds {
		v, err := cmd.Int64()
		// Reads are for display only; a key that is not a counter reads as unused.
		if errors.Is(err, redis.Nil) || (err != nil && rejected(err)) {
			continue
		}
		if err != nil {
			return nil, wrapErr("batch read", err)
		}
		out[keys[i]] = v
	}
	return out, nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func loadRecord(ctx context.Context, c getter, key string) (abuse.ViolationRecord, error) {
	var rec abuse.ViolationRecord
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return rec, nil
	}
	if err != nil {
		if rejected(err) {
			// WRONGTYPE and friends: the key holds something that is not a record.
			return rec, fmt.Errorf("redis load violations %s: %w: %w: %w", key, ratelimit.ErrStoreRejected, abuse.ErrCorruptRecord, err)
		}
		return rec, wrapErr("load violations", err)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return abuse.ViolationRecord{}, fmt.Errorf("redis load violations %s: %w: %w: %w", key, ratelimit.ErrStoreRejected, abuse.ErrCorruptRecord, err)
	}
	return rec, nil
}

// LoadViolations reads the JSON record at key.
func (s *Store) LoadViolations(ctx context.Context, key string) (abuse.ViolationRecord, error) {
	return loadRecord(ctx, s.client, s.key(key))
}

// UpdateViolations applies fn inside WATCH/MULTI and retries when the key
// changed underneath. A record that cannot be decoded is replaced.
func (s *Store) UpdateViolations(ctx context.Context, key string, ttl time.Duration, fn abuse.UpdateFunc) (abuse.ViolationRecord, error) {
	full := s.key(key)
	var next abuse.ViolationRecord

	txf := func(tx *redis.Tx) error {
		cur, err := loadRecord(ctx, tx, full)
		if err != nil && !errors.Is(err, abuse.ErrCorruptRecord) {
			return err
		}
		next = fn(cur)
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode violation record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, full, data, ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, full)
		if err == nil {
			return next, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return abuse.ViolationRecord{}, wrapErr("update violations", err)
	}
	return abuse.ViolationRecord{}, fmt.Errorf("redis update violations %s: %w", key, abuse.ErrConflict)
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return wrapErr("ping", err)
	}
	return nil
}

// Name implements outbound.Backend.
func (s *Store) Name() string {
	return "redis"
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Compile-time interface verification.
var _ outbound.Backend = (*Store)(nil)
