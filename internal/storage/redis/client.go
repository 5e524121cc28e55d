package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Presence lives in one sorted set per room, scored by expiry in unix milliseconds,
// so stale members are skipped on read and trimmed lazily. Members are "user|connection"
// so instances sharing a room never clear each other's connections.
const (
	presencePrefix  = "presence:"
	rateLimitPrefix = "rate:"
	slotPrefix      = "slot:"
)

type Client struct {
	cli *redis.Client
	now func() time.Time
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli, now: time.Now}, nil
}

// NewFromClient wraps an existing go-redis client.
func NewFromClient(cli *redis.Client) *Client {
	return &Client{cli: cli, now: time.Now}
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func presenceMember(userID, connID string) string {
	return userID + "|" + connID
}

// presenceUser strips the connection id. Connection ids never contain '|'.
func presenceUser(member string) string {
	if i := strings.LastIndexByte(member, '|'); i >= 0 {
		return member[:i]
	}
	return member
}

func (c *Client) SetPresence(ctx context.Context, roomID, userID, connID string, ttl time.Duration) error {
	key := presencePrefix + roomID
	exp := c.now().Add(ttl).UnixMilli()
	pipe := c.cli.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(exp), Member: presenceMember(userID, connID)})
	pipe.Expire(ctx, key, 2*ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set presence: %w", err)
	}
	return nil
}

func (c *Client) ClearPresence(ctx context.Context, roomID, userID, connID string) error {
	if err := c.cli.ZRem(ctx, presencePrefix+roomID, presenceMember(userID, connID)).Err(); err != nil {
		return fmt.Errorf("redis clear presence: %w", err)
	}
	return nil
}

func (c *Client) OnlineUsers(ctx context.Context, roomID string) ([]string, error) {
	key := presencePrefix + roomID
	now := strconv.FormatInt(c.now().UnixMilli(), 10)
	if err := c.cli.ZRemRangeByScore(ctx, key, "-inf", now).Err(); err != nil {
		return nil, fmt.Errorf("redis trim presence: %w", err)
	}
	members, err := c.cli.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "(" + now, Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis online users: %w", err)
	}
	seen := make(map[string]struct{}, len(members))
	users := make([]string, 0, len(members))
	for _, m := range members {
		u := presenceUser(m)
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		users = append(users, u)
	}
	sort.Strings(users)
	return users, nil
}

// CheckRateLimit is a fixed window. The counter is created with its TTL and incremented in
// one transaction, so it never outlives its window.
func (c *Client) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	key = rateLimitPrefix + key
	pipe := c.cli.TxPipeline()
	pipe.SetNX(ctx, key, 0, window)
	incr := pipe.Incr(ctx, key)
	ttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("redis rate limit: %w", err)
	}
	if incr.Val() <= int64(limit) {
		return true, 0, nil
	}
	left := ttl.Val()
	if left <= 0 {
		left = window
	}
	return false, left, nil
}

func (c *Client) ClaimSlot(ctx context.Context, key string, ttl time.Duration) (bool, time.Duration, error) {
	key = slotPrefix + key
	ok, err := c.cli.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis claim slot: %w", err)
	}
	if ok {
		return true, 0, nil
	}
	left, err := c.cli.PTTL(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, 0, fmt.Errorf("redis slot ttl: %w", err)
	}
	if left <= 0 {
		left = ttl
	}
	return false, left, nil
}

func (c *Client) ReleaseSlot(ctx context.Context, key string) error {
	if err := c.cli.Del(ctx, slotPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis release slot: %w", err)
	}
	return nil
}
