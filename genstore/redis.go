package genstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// registerScript binds a fresh epoch unless the name is already live.
// Running it server-side keeps concurrent registrations from handing out two epochs.
var registerScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur then return cur end
local e = redis.call('INCR', KEYS[2])
redis.call('HSET', KEYS[1], ARGV[1], e)
return tostring(e)
`)

// RedisGenStore shares the registry across processes and survives restarts.
type RedisGenStore struct {
	rdb redis.UniversalClient
	ns  string // logical namespace to avoid collisions between deployments
}

var _ GenStore = (*RedisGenStore)(nil)

func NewRedisGenStore(client redis.UniversalClient, namespace string) *RedisGenStore {
	return &RedisGenStore{rdb: client, ns: namespace}
}

// both keys share a hash tag so the script stays on one cluster slot
func (s *RedisGenStore) liveKey() string { return "gen:{" + s.ns + "}:live" }
func (s *RedisGenStore) seqKey() string  { return "gen:{" + s.ns + "}:seq" }

func (s *RedisGenStore) Register(ctx context.Context, name string) (uint64, error) {
	res, err := registerScript.Run(ctx, s.rdb, []string{s.liveKey(), s.seqKey()}, name).Text()
	if err != nil {
		return 0, err
	}
	u, err := strconv.ParseUint(res, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis gen parse: %w", err)
	}
	return u, nil
}

// Snapshot returns the bound epoch; names that are not live read as 0.
func (s *RedisGenStore) Snapshot(ctx context.Context, name string) (uint64, error) {
	res, err := s.rdb.HGet(ctx, s.liveKey(), name).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	u, err := strconv.ParseUint(res, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis gen parse: %w", err)
	}
	return u, nil
}

func (s *RedisGenStore) Remove(ctx context.Context, name string) (bool, error) {
	n, err := s.rdb.HDel(ctx, s.liveKey(), name).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisGenStore) Names(ctx context.Context) ([]string, error) {
	names, err := s.rdb.HKeys(ctx, s.liveKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Close closes the underlying Redis client.
func (s *RedisGenStore) Close(context.Context) error { return s.rdb.Close() }
