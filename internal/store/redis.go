package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements the velocity store on Redis, sharing counters
// across Nexus nodes. Increments are done in Lua so the increment and
// the window TTL are set atomically; two concurrent transactions from
// the same user both land.
type RedisStore struct {
	client *redis.Client
}

const keyPrefix = "nexus:"

// incrScript increments a counter and starts the window TTL on the
// first increment only.
var incrScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// incrAmountScript adds to a float accumulator, starting the TTL when
// the key is fresh (no TTL set yet).
var incrAmountScript = redis.NewScript(`
	local current = redis.call('INCRBYFLOAT', KEYS[1], ARGV[1])
	if redis.call('PTTL', KEYS[1]) < 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return current
`)

// NewRedisStore creates a Redis-backed velocity store.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// IncrCounter atomically increments a windowed counter.
func (s *RedisStore) IncrCounter(ctx context.Context, key string, window time.Duration) (int64, error) {
	return incrScript.Run(ctx, s.client, []string{keyPrefix + key}, window.Milliseconds()).Int64()
}

// IncrAmount atomically adds to a windowed float accumulator.
func (s *RedisStore) IncrAmount(ctx context.Context, key string, amount float64, window time.Duration) (float64, error) {
	res, err := incrAmountScript.Run(ctx, s.client,
		[]string{keyPrefix + key},
		strconv.FormatFloat(amount, 'f', -1, 64),
		window.Milliseconds(),
	).Text()
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(res, 64)
}

// GetCounter returns the counter value, 0 when the key is absent.
func (s *RedisStore) GetCounter(ctx context.Context, key string) (int64, error) {
	val, err := s.client.Get(ctx, keyPrefix+key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return val, err
}

// GetAmount returns the accumulator value, 0 when the key is absent.
func (s *RedisStore) GetAmount(ctx context.Context, key string) (float64, error) {
	val, err := s.client.Get(ctx, keyPrefix+key).Float64()
	if err == redis.Nil {
		return 0, nil
	}
	return val, err
}

// AddToSet adds a member and refreshes the set's TTL.
func (s *RedisStore) AddToSet(ctx context.Context, key, member string, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, keyPrefix+key, member)
	pipe.Expire(ctx, keyPrefix+key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// SetContains reports set membership.
func (s *RedisStore) SetContains(ctx context.Context, key, member string) (bool, error) {
	return s.client.SIsMember(ctx, keyPrefix+key, member).Result()
}

// SetValue stores a plain value with TTL.
func (s *RedisStore) SetValue(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, keyPrefix+key, value, ttl).Err()
}

// GetValue returns a plain value and whether the key exists.
func (s *RedisStore) GetValue(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, keyPrefix+key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
