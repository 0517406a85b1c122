package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrNotFound is returned by Get when the key does not exist
var ErrNotFound = errors.New("key not found")

type Client struct {
	client *redis.Client
}

// New creates a new Redis client
func New(ctx context.Context, redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("Redis ping failed: %w", err)
	}

	return &Client{client: client}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

// Get retrieves a value by key
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// Set stores a value with TTL
func (c *Client) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// Del removes keys
func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.client.Del(ctx, keys...).Err()
}

// DelPrefix removes every key starting with prefix
func (c *Client) DelPrefix(ctx context.Context, prefix string) (int, error) {
	var removed int
	iter := c.client.Scan(ctx, 0, prefix+"*", 500).Iterator()
	batch := make([]string, 0, 500)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := c.client.Del(ctx, batch...).Err(); err != nil {
				return removed, err
			}
			removed += len(batch)
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return removed, err
	}
	if len(batch) > 0 {
		if err := c.client.Del(ctx, batch...).Err(); err != nil {
			return removed, err
		}
		removed += len(batch)
	}
	return removed, nil
}

// WindowResult is the outcome of a sliding window admission
type WindowResult struct {
	Allowed    bool
	Requests   int
	Tokens     int
	RetryAfter time.Duration
}

// slidingWindowScript checks and records one event in a sorted set whose
// members are "<event id>:<tokens>" scored by their timestamp in ms.
//
// KEYS[1] window key
// ARGV: now_ms, window_ms, rpm, tpm, tokens, member
const slidingWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local rpm = tonumber(ARGV[3])
local tpm = tonumber(ARGV[4])
local tokens = tonumber(ARGV[5])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local entries = redis.call('ZRANGE', key, 0, -1, 'WITHSCORES')
local count = 0
local used = 0
local oldest = -1
for i = 1, #entries, 2 do
  local member = entries[i]
  local sep = string.find(member, ':', 1, true)
  if sep then
    used = used + (tonumber(string.sub(member, sep + 1)) or 0)
  end
  if oldest < 0 then
    oldest = tonumber(entries[i + 1])
  end
  count = count + 1
end

local retry = 0
if oldest >= 0 then
  retry = oldest + window - now
end

if rpm > 0 and count >= rpm then
  return {0, count, used, retry}
end
if tpm > 0 and count > 0 and used + tokens > tpm then
  return {0, count, used, retry}
end

redis.call('ZADD', key, now, ARGV[6])
redis.call('PEXPIRE', key, window)
return {1, count + 1, used + tokens, 0}
`

var windowScript = redis.NewScript(slidingWindowScript)

// SlidingWindowAdmit atomically prunes the window, checks rpm/tpm limits
// (0 = unlimited) and records the event when allowed
func (c *Client) SlidingWindowAdmit(ctx context.Context, key, eventID string, now time.Time, window time.Duration, rpm, tpm, tokens int) (WindowResult, error) {
	member := windowMember(eventID, tokens)
	val, err := windowScript.Run(ctx, c.client, []string{key},
		now.UnixMilli(), window.Milliseconds(), rpm, tpm, tokens, member).Result()
	if err != nil {
		return WindowResult{}, fmt.Errorf("sliding window script: %w", err)
	}

	parts, ok := val.([]interface{})
	if !ok || len(parts) != 4 {
		return WindowResult{}, fmt.Errorf("unexpected sliding window result: %v", val)
	}
	nums := make([]int64, 4)
	for i, p := range parts {
		n, ok := p.(int64)
		if !ok {
			return WindowResult{}, fmt.Errorf("unexpected sliding window value %T", p)
		}
		nums[i] = n
	}

	return WindowResult{
		Allowed:    nums[0] == 1,
		Requests:   int(nums[1]),
		Tokens:     int(nums[2]),
		RetryAfter: time.Duration(nums[3]) * time.Millisecond,
	}, nil
}

// SlidingWindowAdjust replaces the token count of a recorded event, keeping
// its timestamp. The key's expiry is refreshed to window.
func (c *Client) SlidingWindowAdjust(ctx context.Context, key, eventID string, at time.Time, window time.Duration, oldTokens, newTokens int) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, key, windowMember(eventID, oldTokens))
		pipe.ZAdd(ctx, key, &redis.Z{Score: float64(at.UnixMilli()), Member: windowMember(eventID, newTokens)})
		pipe.PExpire(ctx, key, window)
		return nil
	})
	return err
}

// SlidingWindowUsage returns the request and token totals in the window
func (c *Client) SlidingWindowUsage(ctx context.Context, key string, now time.Time, window time.Duration) (int, int, error) {
	members, err := c.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now.Add(-window).UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, 0, err
	}
	var tokens int
	for _, m := range members {
		tokens += memberTokens(m)
	}
	return len(members), tokens, nil
}

func windowMember(eventID string, tokens int) string {
	return eventID + ":" + strconv.Itoa(tokens)
}

func memberTokens(member string) int {
	for i := len(member) - 1; i >= 0; i-- {
		if member[i] == ':' {
			n, _ := strconv.Atoi(member[i+1:])
			return n
		}
	}
	return 0
}
