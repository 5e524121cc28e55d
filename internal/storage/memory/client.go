package memory

import (
	"context"
	"sort"
	"sync"
	"time"
)

const pruneEvery = time.Minute

type window struct {
	count int
	reset time.Time
}

type presenceKey struct {
	userID string
	connID string
}

// Client is the single-instance Ephemeral store used when no Redis URL is configured.
type Client struct {
	mu        sync.Mutex
	presence  map[string]map[presenceKey]time.Time // room -> connection -> expiry
	limit     map[string]*window
	slots     map[string]time.Time
	nextPrune time.Time
	now       func() time.Time
}

func New() *Client {
	return &Client{
		presence: make(map[string]map[presenceKey]time.Time),
		limit:    make(map[string]*window),
		slots:    make(map[string]time.Time),
		now:      time.Now,
	}
}

// WithClock replaces time.Now, for tests.
func (c *Client) WithClock(now func() time.Time) *Client {
	c.now = now
	return c
}

func (c *Client) Close() error { return nil }

func (c *Client) SetPresence(ctx context.Context, roomID, userID, connID string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	conns, ok := c.presence[roomID]
	if !ok {
		conns = make(map[presenceKey]time.Time)
		c.presence[roomID] = conns
	}
	conns[presenceKey{userID, connID}] = c.now().Add(ttl)
	return nil
}

func (c *Client) ClearPresence(ctx context.Context, roomID, userID, connID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.presence[roomID], presenceKey{userID, connID})
	if len(c.presence[roomID]) == 0 {
		delete(c.presence, roomID)
	}
	return nil
}

func (c *Client) OnlineUsers(ctx context.Context, roomID string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	seen := make(map[string]struct{})
	out := make([]string, 0, len(c.presence[roomID]))
	for k, exp := range c.presence[roomID] {
		if !now.Before(exp) {
			delete(c.presence[roomID], k)
			continue
		}
		if _, ok := seen[k.userID]; ok {
			continue
		}
		seen[k.userID] = struct{}{}
		out = append(out, k.userID)
	}
	sort.Strings(out)
	return out, nil
}

func (c *Client) CheckRateLimit(ctx context.Context, key string, limit int, win time.Duration) (bool, time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.pruneLocked(now)
	w, ok := c.limit[key]
	if !ok || !now.Before(w.reset) {
		w = &window{reset: now.Add(win)}
		c.limit[key] = w
	}
	w.count++
	if w.count <= limit {
		return true, 0, nil
	}
	return false, w.reset.Sub(now), nil
}

func (c *Client) ClaimSlot(ctx context.Context, key string, ttl time.Duration) (bool, time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.pruneLocked(now)
	if exp, ok := c.slots[key]; ok && now.Before(exp) {
		return false, exp.Sub(now), nil
	}
	c.slots[key] = now.Add(ttl)
	return true, 0, nil
}

func (c *Client) ReleaseSlot(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.slots, key)
	return nil
}

// pruneLocked drops expired windows and slots, at most once per pruneEvery.
func (c *Client) pruneLocked(now time.Time) {
	if now.Before(c.nextPrune) {
		return
	}
	c.nextPrune = now.Add(pruneEvery)
	for k, w := range c.limit {
		if !now.Before(w.reset) {
			delete(c.limit, k)
		}
	}
	for k, exp := range c.slots {
		if !now.Before(exp) {
			delete(c.slots, k)
		}
	}
}
