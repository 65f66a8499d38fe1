package redisstore_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rohmanhakim/darc-crawler/internal/link"
	"github.com/rohmanhakim/darc-crawler/internal/queue"
	"github.com/rohmanhakim/darc-crawler/internal/queue/redisstore"
	"github.com/stretchr/testify/require"
)

// fakeClient is an in-memory stand-in for redisstore.Client, good enough to
// exercise the store's save/load contract without a live Redis server. Its
// Eval implementation hand-reproduces the semantics of the package's
// haveHostnameScript Lua script; it is a test double, not a production
// Lua interpreter.
type fakeClient struct {
	mu       sync.Mutex
	zsets    map[string]map[string]float64
	strings  map[string]string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		zsets:   make(map[string]map[string]float64),
		strings: make(map[string]string),
	}
}

func (f *fakeClient) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := keys[0]
	member := fmt.Sprintf("%v", args[0])
	now := toFloat(args[1])
	window := toFloat(args[2])

	z := f.zsets[key]
	if z == nil {
		z = make(map[string]float64)
		f.zsets[key] = z
	}
	score, known := z[member]
	if !known {
		z[member] = now
		cmd := redis.NewCmd(ctx)
		cmd.SetVal([]interface{}{int64(0), int64(0)})
		return cmd
	}
	stale := int64(0)
	if now-score >= window {
		stale = 1
		z[member] = now
	}
	cmd := redis.NewCmd(ctx)
	cmd.SetVal([]interface{}{int64(1), stale})
	return cmd
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case int:
		return float64(n)
	case float64:
		return n
	default:
		var f float64
		fmt.Sscanf(fmt.Sprintf("%v", v), "%f", &f)
		return f
	}
}

func (f *fakeClient) ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd {
	return f.zAdd(ctx, key, members, func(string) bool { return true })
}

func (f *fakeClient) ZAddNX(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd {
	f.mu.Lock()
	z := f.zsets[key]
	f.mu.Unlock()
	return f.zAdd(ctx, key, members, func(m string) bool {
		if z == nil {
			return true
		}
		_, exists := z[m]
		return !exists
	})
}

func (f *fakeClient) ZAddXX(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd {
	f.mu.Lock()
	z := f.zsets[key]
	f.mu.Unlock()
	return f.zAdd(ctx, key, members, func(m string) bool {
		if z == nil {
			return false
		}
		_, exists := z[m]
		return exists
	})
}

func (f *fakeClient) zAdd(ctx context.Context, key string, members []redis.Z, allow func(string) bool) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	z := f.zsets[key]
	if z == nil {
		z = make(map[string]float64)
		f.zsets[key] = z
	}
	var added int64
	for _, m := range members {
		member := fmt.Sprintf("%v", m.Member)
		if !allow(member) {
			continue
		}
		if _, exists := z[member]; !exists {
			added++
		}
		z[member] = m.Score
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(added)
	return cmd
}

func (f *fakeClient) ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewStringSliceCmd(ctx)
	z := f.zsets[key]
	var max float64
	fmt.Sscanf(opt.Max, "%f", &max)
	type pair struct {
		member string
		score  float64
	}
	var pairs []pair
	for m, s := range z {
		if s <= max {
			pairs = append(pairs, pair{m, s})
		}
	}
	for i := 0; i < len(pairs); i++ {
		for j := i + 1; j < len(pairs); j++ {
			if pairs[j].score < pairs[i].score {
				pairs[i], pairs[j] = pairs[j], pairs[i]
			}
		}
	}
	limit := len(pairs)
	if opt.Count > 0 && int(opt.Count) < limit {
		limit = int(opt.Count)
	}
	result := make([]string, 0, limit)
	for i := 0; i < limit; i++ {
		result = append(result, pairs[i].member)
	}
	cmd.SetVal(result)
	return cmd
}

func (f *fakeClient) ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	z := f.zsets[key]
	var removed int64
	for _, m := range members {
		member := fmt.Sprintf("%v", m)
		if z != nil {
			if _, ok := z[member]; ok {
				delete(z, member)
				removed++
			}
		}
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(removed)
	return cmd
}

func (f *fakeClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		f.strings[key] = string(v)
	default:
		f.strings[key] = fmt.Sprintf("%v", v)
	}
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeClient) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewBoolCmd(ctx)
	if _, exists := f.strings[key]; exists {
		cmd.SetVal(false)
		return cmd
	}
	switch v := value.(type) {
	case []byte:
		f.strings[key] = string(v)
	default:
		f.strings[key] = fmt.Sprintf("%v", v)
	}
	cmd.SetVal(true)
	return cmd
}

func (f *fakeClient) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewStringCmd(ctx)
	if v, ok := f.strings[key]; ok {
		cmd.SetVal(v)
	} else {
		cmd.SetErr(redis.Nil)
	}
	return cmd
}

func (f *fakeClient) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var deleted int64
	for _, k := range keys {
		if _, ok := f.strings[k]; ok {
			delete(f.strings, k)
			deleted++
		}
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(deleted)
	return cmd
}

func TestHaveHostname_FirstCallerKnownFalse(t *testing.T) {
	store := redisstore.New(newFakeClient(), "data")
	now := time.Unix(1000, 0)

	known, stale, err := store.HaveHostname(context.Background(), "abc.onion", now, 60*time.Second)
	require.NoError(t, err)
	require.False(t, known)
	require.False(t, stale)

	known, stale, err = store.HaveHostname(context.Background(), "abc.onion", now, 60*time.Second)
	require.NoError(t, err)
	require.True(t, known)
	require.False(t, stale)
}

func TestHaveHostname_StaleAfterCacheWindow(t *testing.T) {
	store := redisstore.New(newFakeClient(), "data")
	ctx := context.Background()
	t0 := time.Unix(1000, 0)

	_, _, err := store.HaveHostname(ctx, "abc.onion", t0, 60*time.Second)
	require.NoError(t, err)

	known, stale, err := store.HaveHostname(ctx, "abc.onion", t0.Add(30*time.Second), 60*time.Second)
	require.NoError(t, err)
	require.True(t, known)
	require.False(t, stale)

	known, stale, err = store.HaveHostname(ctx, "abc.onion", t0.Add(90*time.Second), 60*time.Second)
	require.NoError(t, err)
	require.True(t, known)
	require.True(t, stale)
}

func TestSaveAndLoadRequests_Cooldown(t *testing.T) {
	store := redisstore.New(newFakeClient(), "data")
	ctx := context.Background()
	l := link.Classify("data", "https://example.org/", nil)

	require.NoError(t, store.SaveRequests(ctx, []link.Link{l}, queue.SaveOptions{}))

	now := time.Now()
	entries, err := store.LoadRequests(ctx, now, 100, 60*time.Second)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, l.URL(), entries[0].Link.URL())

	// Within TIME_CACHE, the same entry must not be returned again.
	entries, err = store.LoadRequests(ctx, now.Add(10*time.Second), 100, 60*time.Second)
	require.NoError(t, err)
	require.Empty(t, entries)

	// After TIME_CACHE elapses, it becomes eligible again.
	entries, err = store.LoadRequests(ctx, now.Add(70*time.Second), 100, 60*time.Second)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestSaveRequests_NXIsIdempotent(t *testing.T) {
	store := redisstore.New(newFakeClient(), "data")
	ctx := context.Background()
	l := link.Classify("data", "https://example.org/a", nil)

	opts := queue.SaveOptions{Score: 500, NX: true}
	require.NoError(t, store.SaveRequests(ctx, []link.Link{l}, opts))
	// A second NX save with a different score must not move the entry.
	require.NoError(t, store.SaveRequests(ctx, []link.Link{l}, queue.SaveOptions{Score: 999999, NX: true}))

	entries, err := store.LoadRequests(ctx, time.Unix(600, 0), 100, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestLoadRequests_RespectsMaxPool(t *testing.T) {
	store := redisstore.New(newFakeClient(), "data")
	ctx := context.Background()
	links := []link.Link{
		link.Classify("data", "https://example.org/a", nil),
		link.Classify("data", "https://example.org/b", nil),
		link.Classify("data", "https://example.org/c", nil),
	}
	require.NoError(t, store.SaveRequests(ctx, links, queue.SaveOptions{Score: 1}))

	entries, err := store.LoadRequests(ctx, time.Unix(1000, 0), 2, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestDropRequests(t *testing.T) {
	store := redisstore.New(newFakeClient(), "data")
	ctx := context.Background()
	l := link.Classify("data", "https://example.org/gone", nil)
	require.NoError(t, store.SaveRequests(ctx, []link.Link{l}, queue.SaveOptions{Score: 1}))
	require.NoError(t, store.DropRequests(ctx, l))

	entries, err := store.LoadRequests(ctx, time.Unix(1000, 0), 100, 0)
	require.NoError(t, err)
	require.Empty(t, entries)
}
