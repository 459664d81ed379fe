package policy

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Each client has a sorted set of hold ids scored by creation time (µs) and
// a hash of hold id to amount. Timestamps stay strings so Lua never rounds them.
// KEYS[1] = holds zset, KEYS[2] = amounts hash
// ARGV[1] = now µs, ARGV[2] = window cutoff µs, ARGV[3] = amount,
// ARGV[4] = ceiling, ARGV[5] = hold id, ARGV[6] = key ttl ms
var redisReserveScript = redis.NewScript(`
local holds = KEYS[1]
local amounts = KEYS[2]
local amount = tonumber(ARGV[3])
local ceiling = tonumber(ARGV[4])
local id = ARGV[5]

local expired = redis.call("ZRANGEBYSCORE", holds, "-inf", ARGV[2])
for _, old in ipairs(expired) do
    redis.call("HDEL", amounts, old)
end
redis.call("ZREMRANGEBYSCORE", holds, "-inf", ARGV[2])

local total = 0
local vals = redis.call("HVALS", amounts)
for _, v in ipairs(vals) do
    total = total + tonumber(v)
end

if ceiling > 0 and total + amount > ceiling then
    return {0, tostring(total)}
end

redis.call("ZADD", holds, ARGV[1], id)
redis.call("HSET", amounts, id, ARGV[3])
redis.call("PEXPIRE", holds, ARGV[6])
redis.call("PEXPIRE", amounts, ARGV[6])
return {1, tostring(total)}
`)

// KEYS[1] = amounts hash, ARGV[1] = hold id, ARGV[2] = actual
var redisSettleScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 1 then
    redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
    return 1
end
return 0
`)

// RedisSpendTracker shares rolling spend between hub replicas.
type RedisSpendTracker struct {
	client redis.UniversalClient
	window time.Duration
	prefix string
	now    func() time.Time
}

// NewRedisSpendTracker uses client for storage.
func NewRedisSpendTracker(client redis.UniversalClient, window time.Duration) *RedisSpendTracker {
	if window <= 0 {
		window = DefaultSpendWindow
	}
	return &RedisSpendTracker{client: client, window: window, prefix: "qhub:spend:", now: time.Now}
}

// NewRedisSpendTrackerAddr connects to a single Redis server.
func NewRedisSpendTrackerAddr(addr, password string, db int, window time.Duration) *RedisSpendTracker {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisSpendTracker(rdb, window)
}

func (s *RedisSpendTracker) keys(clientID string) []string {
	return []string{s.prefix + clientID + ":holds", s.prefix + clientID + ":amounts"}
}

func (s *RedisSpendTracker) Reserve(ctx context.Context, clientID string, amount, ceiling float64) (Reservation, error) {
	id := uuid.NewString()
	now := s.now().UnixMicro()
	res, err := redisReserveScript.Run(ctx, s.client, s.keys(clientID),
		strconv.FormatInt(now, 10),
		strconv.FormatInt(now-s.window.Microseconds(), 10),
		strconv.FormatFloat(amount, 'g', -1, 64),
		strconv.FormatFloat(ceiling, 'g', -1, 64),
		id,
		strconv.FormatInt(s.window.Milliseconds(), 10),
	).Result()
	if err != nil {
		return Reservation{}, fmt.Errorf("redis spend reserve: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return Reservation{}, fmt.Errorf("invalid response from lua script")
	}
	allowed, _ := results[0].(int64)
	totalStr, _ := results[1].(string)
	total, err := strconv.ParseFloat(totalStr, 64)
	if err != nil {
		return Reservation{}, fmt.Errorf("redis spend total %q: %w", totalStr, err)
	}

	r := Reservation{ClientID: clientID, Amount: amount, WindowSpend: total}
	if allowed == 1 {
		r.ID = id
		r.Allowed = true
	}
	return r, nil
}

func (s *RedisSpendTracker) Settle(ctx context.Context, r Reservation, actual float64) error {
	if r.ID == "" {
		return nil
	}
	err := redisSettleScript.Run(ctx, s.client, s.keys(r.ClientID)[1:], r.ID,
		strconv.FormatFloat(actual, 'g', -1, 64)).Err()
	if err != nil {
		return fmt.Errorf("redis spend settle: %w", err)
	}
	return nil
}

func (s *RedisSpendTracker) Release(ctx context.Context, r Reservation) error {
	if r.ID == "" {
		return nil
	}
	keys := s.keys(r.ClientID)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, keys[0], r.ID)
		p.HDel(ctx, keys[1], r.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis spend release: %w", err)
	}
	return nil
}

func (s *RedisSpendTracker) Spend(ctx context.Context, clientID string) (float64, error) {
	keys := s.keys(clientID)
	cutoff := s.now().UnixMicro() - s.window.Microseconds()
	ids, err := s.client.ZRangeByScore(ctx, keys[0], &redis.ZRangeBy{
		Min: strconv.FormatInt(cutoff+1, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis spend holds: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	vals, err := s.client.HMGet(ctx, keys[1], ids...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis spend amounts: %w", err)
	}
	var total float64
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(str, 64)
		if err == nil {
			total += f
		}
	}
	return total, nil
}

// Ping checks the connection.
func (s *RedisSpendTracker) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *RedisSpendTracker) Close() error {
	return s.client.Close()
}
