package frontier

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the remote Store backing (§4.2): sorted sets for queue
// ordering, hashes for record/host/visit metadata, and SET NX PX + a Lua
// compare-and-delete for the lock primitive. No distributed-lock library
// appears anywhere in the example pack (go-redis itself ships no lock
// helper), so the lock is hand-rolled directly on go-redis's primitives —
// the same primitive `go-redis`-based services in the pack use for
// coordination (grounded on go-redis usage in the `jonesrussell-north-cloud`
// example repo).
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore returns a Store backed by the Redis instance at addr.
func NewRedisStore(addr, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "darkcrawl"
	}
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		prefix: prefix,
	}
}

type recordMeta struct {
	URL         string    `json:"url"`
	EnqueueTime time.Time `json:"enqueue_time"`
	NotBefore   time.Time `json:"not_before,omitempty"`
}

func (s *RedisStore) zsetKey(queue Queue) string { return fmt.Sprintf("%s:queue:%s", s.prefix, queue) }
func (s *RedisStore) metaKey(queue Queue) string { return fmt.Sprintf("%s:meta:%s", s.prefix, queue) }
func (s *RedisStore) hostsKey() string           { return s.prefix + ":hosts" }
func (s *RedisStore) visitKey(hash string) string { return fmt.Sprintf("%s:visits:%s", s.prefix, hash) }
func (s *RedisStore) lockKey(hash string) string  { return fmt.Sprintf("%s:lock:%s", s.prefix, hash) }

func (s *RedisStore) AddMany(ctx context.Context, queue Queue, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	now := time.Now()
	for _, rec := range records {
		existingRaw, err := s.client.HGet(ctx, s.metaKey(queue), rec.Hash).Result()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("redis hget meta: %w", err)
		}

		meta := recordMeta{URL: rec.URL, EnqueueTime: rec.EnqueueTime, NotBefore: rec.NotBefore}
		if err == redis.Nil {
			// New entry.
		} else {
			var existing recordMeta
			if jsonErr := json.Unmarshal([]byte(existingRaw), &existing); jsonErr == nil {
				if !existing.NotBefore.IsZero() && existing.NotBefore.After(now) {
					// Existing not-before hasn't passed yet: leave it alone.
					continue
				}
				meta.EnqueueTime = now
			}
		}

		payload, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("marshal record meta: %w", err)
		}
		pipe := s.client.TxPipeline()
		pipe.ZAdd(ctx, s.zsetKey(queue), redis.Z{Score: float64(meta.EnqueueTime.UnixNano()), Member: rec.Hash})
		pipe.HSet(ctx, s.metaKey(queue), rec.Hash, payload)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("redis add record: %w", err)
		}
	}
	return nil
}

func (s *RedisStore) Pop(ctx context.Context, queue Queue, max int) ([]Record, error) {
	// Scan more than max candidates because some near the front may not
	// yet be ready (not-before in the future) and must be skipped, not
	// popped.
	scanLimit := int64(max) * 8
	if scanLimit < 64 {
		scanLimit = 64
	}
	hashes, err := s.client.ZRangeByScore(ctx, s.zsetKey(queue), &redis.ZRangeBy{
		Min: "-inf", Max: "+inf", Offset: 0, Count: scanLimit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrange: %w", err)
	}
	if len(hashes) == 0 {
		return nil, nil
	}

	metaRaw, err := s.client.HMGet(ctx, s.metaKey(queue), hashes...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hmget: %w", err)
	}

	now := time.Now()
	out := make([]Record, 0, max)
	for i, hash := range hashes {
		if max > 0 && len(out) >= max {
			break
		}
		raw, ok := metaRaw[i].(string)
		if !ok {
			continue
		}
		var meta recordMeta
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			continue
		}
		if !meta.NotBefore.IsZero() && meta.NotBefore.After(now) {
			continue
		}
		out = append(out, Record{Hash: hash, URL: meta.URL, EnqueueTime: meta.EnqueueTime, NotBefore: meta.NotBefore})

		pipe := s.client.TxPipeline()
		pipe.ZRem(ctx, s.zsetKey(queue), hash)
		pipe.HDel(ctx, s.metaKey(queue), hash)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("redis pop remove: %w", err)
		}
	}
	return out, nil
}

func (s *RedisStore) Drop(ctx context.Context, queue Queue, hash string) error {
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, s.zsetKey(queue), hash)
	pipe.HDel(ctx, s.metaKey(queue), hash)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) HasHost(ctx context.Context, host string) (bool, error) {
	return s.client.HExists(ctx, s.hostsKey(), host).Result()
}

func (s *RedisStore) MarkHost(ctx context.Context, flags HostFlags) error {
	if flags.FirstSeen.IsZero() {
		if existing, ok, err := s.HostFlags(ctx, flags.Host); err == nil && ok {
			flags.FirstSeen = existing.FirstSeen
		} else {
			flags.FirstSeen = time.Now()
		}
	}
	payload, err := json.Marshal(flags)
	if err != nil {
		return fmt.Errorf("marshal host flags: %w", err)
	}
	return s.client.HSet(ctx, s.hostsKey(), flags.Host, payload).Err()
}

func (s *RedisStore) HostFlags(ctx context.Context, host string) (HostFlags, bool, error) {
	raw, err := s.client.HGet(ctx, s.hostsKey(), host).Result()
	if err == redis.Nil {
		return HostFlags{}, false, nil
	}
	if err != nil {
		return HostFlags{}, false, fmt.Errorf("redis hget hosts: %w", err)
	}
	var flags HostFlags
	if err := json.Unmarshal([]byte(raw), &flags); err != nil {
		return HostFlags{}, false, fmt.Errorf("unmarshal host flags: %w", err)
	}
	return flags, true, nil
}

func (s *RedisStore) RecordVisit(ctx context.Context, hash string, kind VisitKind, t time.Time) error {
	existing, err := s.LastVisit(ctx, hash, kind)
	if err != nil {
		return err
	}
	if !existing.IsZero() && !t.After(existing) {
		return nil // I4: never move a visit timestamp backwards.
	}
	return s.client.HSet(ctx, s.visitKey(hash), string(kind), t.UTC().Format(time.RFC3339Nano)).Err()
}

func (s *RedisStore) LastVisit(ctx context.Context, hash string, kind VisitKind) (time.Time, error) {
	raw, err := s.client.HGet(ctx, s.visitKey(hash), string(kind)).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("redis hget visits: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse visit timestamp: %w", err)
	}
	return t, nil
}

// unlockScript is a compare-and-delete: only remove the lock key if it
// still holds the token this caller set, so a lock that expired and was
// re-acquired by another worker is never deleted out from under them.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

func (s *RedisStore) AcquireLock(ctx context.Context, hash string, timeout time.Duration) (LockToken, error) {
	tokenBytes := make([]byte, 16)
	if _, err := rand.Read(tokenBytes); err != nil {
		return LockToken{}, fmt.Errorf("generate lock token: %w", err)
	}
	token := hex.EncodeToString(tokenBytes)

	deadline := time.Now().Add(timeout)
	backoff := 20 * time.Millisecond
	for {
		ok, err := s.client.SetNX(ctx, s.lockKey(hash), token, timeout).Result()
		if err != nil {
			return LockToken{}, fmt.Errorf("redis setnx: %w", err)
		}
		if ok {
			return LockToken{Hash: hash, token: token}, nil
		}
		if time.Now().After(deadline) {
			return LockToken{}, ErrLockBusy
		}
		select {
		case <-ctx.Done():
			return LockToken{}, ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func (s *RedisStore) ReleaseLock(ctx context.Context, token LockToken) error {
	return unlockScript.Run(ctx, s.client, []string{s.lockKey(token.Hash)}, token.token).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
