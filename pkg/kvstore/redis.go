package kvstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stratosure/dbarbiter/logger"
)

// slidingWindowScript implements the check-and-record of the rate limiter
// as one atomic step. A plain ZCARD followed by ZADD from the client would
// let two concurrent callers both pass the count check before either
// records itself.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local member = ARGV[4]
local ttl = tonumber(ARGV[5])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= max then
  return {0, count}
end
redis.call('ZADD', key, now, member)
redis.call('EXPIRE', key, ttl)
return {1, count + 1}
`)

// admitIfHeadScript admits the member only when it is the queue head and
// a pool slot is free, removing it and claiming the slot in the same step.
var admitIfHeadScript = redis.NewScript(`
local queue = KEYS[1]
local state = KEYS[2]
local member = ARGV[1]
local capacity = tonumber(ARGV[2])

local head = redis.call('ZRANGE', queue, 0, 0)
if #head == 0 or head[1] ~= member then
  return 0
end
local active = tonumber(redis.call('GET', state) or '0')
if active >= capacity then
  return 0
end
redis.call('ZREM', queue, member)
redis.call('INCR', state)
return 1
`)

// releaseSlotScript decrements the active-slot counter without letting it
// go negative (a stray double release must not open phantom capacity).
var releaseSlotScript = redis.NewScript(`
local v = redis.call('DECR', KEYS[1])
if v < 0 then
  redis.call('SET', KEYS[1], '0')
  return 0
end
return v
`)

// RedisStore is the production Store implementation over a shared Redis.
type RedisStore struct {
	client *redis.Client
}

// RedisOptions configures the Redis-backed store.
type RedisOptions struct {
	Addr     string
	Username string
	Password string
	DB       int
}

// NewRedisStore connects to Redis and verifies reachability.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to coordination store at %s: %w", opts.Addr, err)
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) SlidingWindowAdmit(ctx context.Context, key, member string, now time.Time, window time.Duration, maxRequests int) (bool, int64, error) {
	nowMs := now.UnixMilli()
	windowMs := window.Milliseconds()
	// Key outlives the window slightly so a cold ZREMRANGEBYSCORE can still
	// observe the tail of the previous window.
	ttlSec := int64(window.Seconds()) + 60

	res, err := slidingWindowScript.Run(ctx, s.client,
		[]string{key}, nowMs, windowMs, maxRequests, member, ttlSec).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("sliding window admit: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("sliding window admit: unexpected script reply %v", res)
	}

	allowed, _ := res[0].(int64)
	count, _ := res[1].(int64)
	return allowed == 1, count, nil
}

func (s *RedisStore) Enqueue(ctx context.Context, queueKey, member string, score float64) error {
	if err := s.client.ZAdd(ctx, queueKey, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", member, err)
	}
	return nil
}

func (s *RedisStore) AdmitIfHead(ctx context.Context, queueKey, stateKey, member string, capacity int64) (bool, error) {
	admitted, err := admitIfHeadScript.Run(ctx, s.client,
		[]string{queueKey, stateKey}, member, capacity).Int64()
	if err != nil {
		return false, fmt.Errorf("admit %s: %w", member, err)
	}
	return admitted == 1, nil
}

func (s *RedisStore) Remove(ctx context.Context, queueKey, member string) (bool, error) {
	removed, err := s.client.ZRem(ctx, queueKey, member).Result()
	if err != nil {
		return false, fmt.Errorf("remove %s: %w", member, err)
	}
	return removed > 0, nil
}

func (s *RedisStore) QueueDepth(ctx context.Context, queueKey string) (int64, error) {
	depth, err := s.client.ZCard(ctx, queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return depth, nil
}

func (s *RedisStore) ReleaseSlot(ctx context.Context, stateKey string) error {
	if err := releaseSlotScript.Run(ctx, s.client, []string{stateKey}).Err(); err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	return nil
}

func (s *RedisStore) ActiveSlots(ctx context.Context, stateKey string) (int64, error) {
	v, err := s.client.Get(ctx, stateKey).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("active slots: %w", err)
	}
	return v, nil
}

func (s *RedisStore) PublishWake(ctx context.Context, channel string) error {
	return s.client.Publish(ctx, channel, "").Err()
}

func (s *RedisStore) SubscribeWake(ctx context.Context, channel string) (<-chan struct{}, func(), error) {
	pubsub := s.client.Subscribe(ctx, channel)
	// Force the subscription to be established before returning so a wake
	// published right after enqueue is not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	out := make(chan struct{}, 1)
	done := make(chan struct{})

	go func() {
		defer close(out)
		msgs := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default: // waiter already has a pending signal
				}
			}
		}
	}()

	cancel := func() {
		close(done)
		if err := pubsub.Close(); err != nil {
			logger.Debug("failed to close wake subscription", "channel", channel, "error", err)
		}
	}

	return out, cancel, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
