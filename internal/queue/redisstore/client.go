package redisstore

import "github.com/redis/go-redis/v9"

// NewClient dials a Redis server at addr and returns a client satisfying the
// Client interface, ready to be passed to New.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}
