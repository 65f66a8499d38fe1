// Package redisstore implements the Queue Store contract over a Redis-
// compatible ZSET backend, grounded on darc's three-sorted-set design
// (queue_hostname, queue_requests, queue_selenium) and reusing go-redis/v9's
// Eval to make the "at most one bootstrap per host" guarantee atomic.
package redisstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rohmanhakim/darc-crawler/internal/link"
	"github.com/rohmanhakim/darc-crawler/internal/queue"
)

const (
	keyHostnameZSet = "darc:queue_hostname"
	keyRequestsZSet = "darc:queue_requests"
	keySeleniumZSet = "darc:queue_selenium"

	payloadRequestsPrefix = "darc:payload:requests:"
	payloadSeleniumPrefix = "darc:payload:selenium:"

	lockKeyPrefix = "darc:lock:"
	lockRetryWait = 50 * time.Millisecond
)

// Client is the subset of *redis.Client this package depends on, narrow
// enough to fake in tests without a real Redis server.
type Client interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZAddNX(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZAddXX(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Store is the Redis-backed Queue Store.
type Store struct {
	client      Client
	dataRoot    string
	lockEnabled bool
	lockTimeout time.Duration
	log         *slog.Logger
}

// Option configures optional Store behavior.
type Option func(*Store)

// WithLock enables DARC_REDIS_LOCK: load's zset read-then-rescore section is
// wrapped in a named SET NX PX mutex, with acquisition bounded by timeout.
func WithLock(enabled bool, timeout time.Duration) Option {
	return func(s *Store) {
		s.lockEnabled = enabled
		s.lockTimeout = timeout
	}
}

// WithLogger sets the logger used to warn on lock-acquisition timeout.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// New constructs a Store over an existing Redis client.
func New(client Client, dataRoot string, opts ...Option) *Store {
	s := &Store{client: client, dataRoot: dataRoot, log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// unlockScript deletes key only if its value still matches token, the
// standard compare-and-delete an owner uses to release its own lock without
// clobbering one acquired by someone else after its own lock expired.
const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`

// acquireLock blocks until it holds the named lock or timeout elapses. When
// locking is disabled it returns ok=true immediately with no token to
// release. The returned token must be passed to releaseLock.
func (s *Store) acquireLock(ctx context.Context, name string) (token string, ok bool, err error) {
	if !s.lockEnabled {
		return "", true, nil
	}

	key := lockKeyPrefix + name
	token = randomToken()
	deadline := time.Now().Add(s.lockTimeout)

	for {
		got, err := s.client.SetNX(ctx, key, token, s.lockTimeout).Result()
		if err != nil {
			return "", false, fmt.Errorf("redisstore: acquire lock %s: %w", name, err)
		}
		if got {
			return token, true, nil
		}
		if time.Now().After(deadline) {
			return "", false, nil
		}
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-time.After(lockRetryWait):
		}
	}
}

func (s *Store) releaseLock(ctx context.Context, name string, token string) {
	if !s.lockEnabled || token == "" {
		return
	}
	if err := s.client.Eval(ctx, unlockScript, []string{lockKeyPrefix + name}, token).Err(); err != nil {
		s.log.Warn("redisstore: release lock failed", "lock", name, "error", err)
	}
}

func randomToken() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// haveHostnameScript atomically reads the hostname's last-seen score,
// decides known/stale, and writes the new score, all in one round trip. This
// is the Go rendition's tightening of the original's read-under-lock,
// write-outside-lock sequence (see DESIGN.md).
//
// KEYS[1] = hostname zset key
// ARGV[1] = hostname member
// ARGV[2] = now (unix seconds)
// ARGV[3] = cache window (seconds)
// Returns {known (0/1), stale (0/1)}.
const haveHostnameScript = `
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
local now = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
if score == false then
  redis.call('ZADD', KEYS[1], now, ARGV[1])
  return {0, 0}
end
local stale = 0
if (now - tonumber(score)) >= window then
  stale = 1
  redis.call('ZADD', KEYS[1], now, ARGV[1])
end
return {1, stale}
`

func (s *Store) HaveHostname(ctx context.Context, host string, now time.Time, cacheWindow time.Duration) (bool, bool, error) {
	res, err := s.client.Eval(ctx, haveHostnameScript, []string{keyHostnameZSet},
		host, now.Unix(), int64(cacheWindow.Seconds())).Result()
	if err != nil {
		return false, false, fmt.Errorf("redisstore: have hostname: %w", err)
	}
	fields, ok := res.([]interface{})
	if !ok || len(fields) != 2 {
		return false, false, fmt.Errorf("redisstore: unexpected have-hostname reply %v", res)
	}
	known := toBool(fields[0])
	stale := toBool(fields[1])
	return known, stale, nil
}

func toBool(v interface{}) bool {
	n, ok := v.(int64)
	return ok && n != 0
}

func (s *Store) SaveRequests(ctx context.Context, links []link.Link, opts queue.SaveOptions) error {
	return s.save(ctx, links, opts, keyRequestsZSet, payloadRequestsPrefix)
}

func (s *Store) SaveSelenium(ctx context.Context, links []link.Link, opts queue.SaveOptions) error {
	return s.save(ctx, links, opts, keySeleniumZSet, payloadSeleniumPrefix)
}

func (s *Store) save(ctx context.Context, links []link.Link, opts queue.SaveOptions, zsetKey string, payloadPrefix string) error {
	score := opts.Score
	if score == 0 {
		score = time.Now().Unix()
	}
	for _, l := range links {
		payload, err := queue.EncodePayload(l)
		if err != nil {
			return fmt.Errorf("redisstore: encode payload: %w", err)
		}
		// Payload writes are idempotent and require no lock.
		if err := s.client.Set(ctx, payloadPrefix+l.Name(), payload, 0).Err(); err != nil {
			return fmt.Errorf("redisstore: write payload: %w", err)
		}
		z := redis.Z{Score: float64(score), Member: l.Name()}
		var addErr error
		switch {
		case opts.NX:
			_, addErr = s.client.ZAddNX(ctx, zsetKey, z).Result()
		case opts.XX:
			_, addErr = s.client.ZAddXX(ctx, zsetKey, z).Result()
		default:
			_, addErr = s.client.ZAdd(ctx, zsetKey, z).Result()
		}
		if addErr != nil {
			return fmt.Errorf("redisstore: zadd: %w", addErr)
		}
	}
	return nil
}

func (s *Store) LoadRequests(ctx context.Context, now time.Time, maxPool int, cacheWindow time.Duration) ([]queue.Entry, error) {
	return s.load(ctx, now, maxPool, cacheWindow, keyRequestsZSet, payloadRequestsPrefix)
}

func (s *Store) LoadSelenium(ctx context.Context, now time.Time, maxPool int, cacheWindow time.Duration) ([]queue.Entry, error) {
	return s.load(ctx, now, maxPool, cacheWindow, keySeleniumZSet, payloadSeleniumPrefix)
}

// load implements the §4.2 LoadRequests/LoadSelenium contract: fetch up to
// maxPool entries whose score has elapsed, in ascending order, then advance
// their score forward by cacheWindow so other workers will not immediately
// reclaim them. When DARC_REDIS_LOCK is enabled the read-then-rescore section
// is wrapped in a named mutex so two workers never split the same batch; on
// failure to acquire within the configured timeout, load warns and returns an
// empty pool rather than blocking the caller indefinitely.
func (s *Store) load(ctx context.Context, now time.Time, maxPool int, cacheWindow time.Duration, zsetKey string, payloadPrefix string) ([]queue.Entry, error) {
	token, ok, err := s.acquireLock(ctx, zsetKey)
	if err != nil {
		return nil, fmt.Errorf("redisstore: load: %w", err)
	}
	if !ok {
		s.log.Warn("redisstore: lock acquisition timed out, returning empty pool", "zset", zsetKey)
		return nil, nil
	}
	defer s.releaseLock(ctx, zsetKey, token)

	names, err := s.client.ZRangeByScore(ctx, zsetKey, &redis.ZRangeBy{
		Min:    "0",
		Max:    fmt.Sprintf("%d", now.Unix()),
		Offset: 0,
		Count:  int64(maxPool),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: zrangebyscore: %w", err)
	}
	if len(names) == 0 {
		return nil, nil
	}

	entries := make([]queue.Entry, 0, len(names))
	for _, name := range names {
		raw, err := s.client.Get(ctx, payloadPrefix+name).Result()
		if err != nil {
			continue
		}
		l, err := queue.DecodePayload(s.dataRoot, []byte(raw))
		if err != nil {
			continue
		}
		entries = append(entries, queue.Entry{Link: l, Score: now.Unix()})
	}

	if cacheWindow > 0 {
		newScore := now.Add(cacheWindow).Unix()
		zs := make([]redis.Z, 0, len(names))
		for _, name := range names {
			zs = append(zs, redis.Z{Score: float64(newScore), Member: name})
		}
		if _, err := s.client.ZAdd(ctx, zsetKey, zs...).Result(); err != nil {
			return nil, fmt.Errorf("redisstore: re-score after load: %w", err)
		}
	}

	return entries, nil
}

func (s *Store) DropRequests(ctx context.Context, l link.Link) error {
	return s.drop(ctx, l, keyRequestsZSet, payloadRequestsPrefix)
}

func (s *Store) DropSelenium(ctx context.Context, l link.Link) error {
	return s.drop(ctx, l, keySeleniumZSet, payloadSeleniumPrefix)
}

func (s *Store) drop(ctx context.Context, l link.Link, zsetKey string, payloadPrefix string) error {
	if err := s.client.ZRem(ctx, zsetKey, l.Name()).Err(); err != nil {
		return fmt.Errorf("redisstore: zrem: %w", err)
	}
	if err := s.client.Del(ctx, payloadPrefix+l.Name()).Err(); err != nil {
		return fmt.Errorf("redisstore: del payload: %w", err)
	}
	return nil
}

var _ queue.Store = (*Store)(nil)
