package storage

import (
	"context"
	"time"
)

// Ephemeral holds short-lived chat state shared across gateway instances: a mirror of
// room presence for the online endpoint, fixed-window counters for per-user rate limits and
// the slow-mode slots of room senders.
// Implementations: redis.Client, memory.Client (single instance, no Redis configured).
type Ephemeral interface {
	// SetPresence marks connID of userID live in roomID for ttl. A user stays online while
	// any of their connections, on any instance, is live.
	SetPresence(ctx context.Context, roomID, userID, connID string, ttl time.Duration) error
	ClearPresence(ctx context.Context, roomID, userID, connID string) error
	OnlineUsers(ctx context.Context, roomID string) ([]string, error)
	// CheckRateLimit counts one hit on key. When the window already holds limit hits it
	// returns allowed=false and how long until the window resets.
	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (allowed bool, retryAfter time.Duration, err error)
	// ClaimSlot sets key for ttl unless it is already held. When it is held it returns
	// claimed=false and the time left on it.
	ClaimSlot(ctx context.Context, key string, ttl time.Duration) (claimed bool, left time.Duration, err error)
	ReleaseSlot(ctx context.Context, key string) error
	Close() error
}
