// Package presence tracks which connections are subscribed to which rooms and who is typing.
//
// Entries carry an expiry. Reads ignore expired entries, and Sweep evicts them in one pass
// and reports what it removed so the owner can broadcast user_left / stop_typing. There is
// no timer per entry. Nothing here is persisted.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/roomchat/internal/model"
)

type Kind int

const (
	KindPresence Kind = iota
	KindTyping
)

// Removal describes an entry that left the tracker. LastForUser is set on presence
// removals when the user has no other live connection in the room.
type Removal struct {
	Kind         Kind
	RoomID       string
	UserID       string
	ConnectionID string
	LastForUser  bool
}

type Tracker struct {
	mu           sync.RWMutex
	heartbeatTTL time.Duration
	typingTTL    time.Duration
	now          func() time.Time

	rooms  map[string]map[string]*model.PresenceEntry // room -> connection -> entry
	conns  map[string]map[string]struct{}             // connection -> rooms
	typing map[string]map[string]time.Time            // room -> user -> expiry
}

type Option func(*Tracker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func New(heartbeatTTL, typingTTL time.Duration, opts ...Option) *Tracker {
	t := &Tracker{
		heartbeatTTL: heartbeatTTL,
		typingTTL:    typingTTL,
		now:          time.Now,
		rooms:        make(map[string]map[string]*model.PresenceEntry),
		conns:        make(map[string]map[string]struct{}),
		typing:       make(map[string]map[string]time.Time),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// userLive reports whether userID has a live entry in room other than exceptConn. Caller holds mu.
func (t *Tracker) userLive(roomID, userID, exceptConn string, now time.Time) bool {
	for connID, e := range t.rooms[roomID] {
		if connID != exceptConn && e.UserID == userID && now.Before(e.ExpiresAt) {
			return true
		}
	}
	return false
}

// MarkOnline subscribes connID to roomID for userID and refreshes its expiry.
// first is true when the user had no live connection in the room before.
func (t *Tracker) MarkOnline(roomID, userID, connID string) (first bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	first = !t.userLive(roomID, userID, connID, now)
	if e, ok := t.rooms[roomID][connID]; ok && e.UserID == userID && now.Before(e.ExpiresAt) {
		first = false
	}

	entries, ok := t.rooms[roomID]
	if !ok {
		entries = make(map[string]*model.PresenceEntry)
		t.rooms[roomID] = entries
	}
	entries[connID] = &model.PresenceEntry{
		RoomID:       roomID,
		UserID:       userID,
		ConnectionID: connID,
		LastSeenAt:   now,
		ExpiresAt:    now.Add(t.heartbeatTTL),
	}
	set, ok := t.conns[connID]
	if !ok {
		set = make(map[string]struct{})
		t.conns[connID] = set
	}
	set[roomID] = struct{}{}
	return first
}

// Refresh extends every live entry of connID; the gateway calls it on each heartbeat.
func (t *Tracker) Refresh(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for roomID := range t.conns[connID] {
		if e, ok := t.rooms[roomID][connID]; ok && now.Before(e.ExpiresAt) {
			e.LastSeenAt = now
			e.ExpiresAt = now.Add(t.heartbeatTTL)
		}
	}
}

// removeLocked drops connID from roomID and reports the removal; ok is false when there was
// no entry. Caller holds mu.
func (t *Tracker) removeLocked(roomID, connID string, now time.Time) (Removal, bool) {
	e, ok := t.rooms[roomID][connID]
	if !ok {
		return Removal{}, false
	}
	delete(t.rooms[roomID], connID)
	if len(t.rooms[roomID]) == 0 {
		delete(t.rooms, roomID)
	}
	if set, ok := t.conns[connID]; ok {
		delete(set, roomID)
		if len(set) == 0 {
			delete(t.conns, connID)
		}
	}
	r := Removal{Kind: KindPresence, RoomID: roomID, UserID: e.UserID, ConnectionID: connID}
	r.LastForUser = !t.userLive(roomID, e.UserID, connID, now)
	return r, true
}

// MarkOffline unsubscribes connID from roomID. ok is false when it was not subscribed.
func (t *Tracker) MarkOffline(roomID, connID string) (Removal, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(roomID, connID, t.now())
}

// DropConnection removes connID from every room it had joined.
func (t *Tracker) DropConnection(connID string) []Removal {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	rooms := make([]string, 0, len(t.conns[connID]))
	for roomID := range t.conns[connID] {
		rooms = append(rooms, roomID)
	}
	sort.Strings(rooms)
	out := make([]Removal, 0, len(rooms))
	for _, roomID := range rooms {
		if r, ok := t.removeLocked(roomID, connID, now); ok {
			out = append(out, r)
		}
	}
	return out
}

// DropRoom removes every subscription and typing entry of roomID.
func (t *Tracker) DropRoom(roomID string) []Removal {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	connIDs := make([]string, 0, len(t.rooms[roomID]))
	for connID := range t.rooms[roomID] {
		connIDs = append(connIDs, connID)
	}
	sort.Strings(connIDs)
	out := make([]Removal, 0, len(connIDs))
	for _, connID := range connIDs {
		if r, ok := t.removeLocked(roomID, connID, now); ok {
			out = append(out, r)
		}
	}
	delete(t.typing, roomID)
	return out
}

// Connections returns the live connection ids subscribed to roomID, sorted.
func (t *Tracker) Connections(roomID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	now := t.now()
	ids := make([]string, 0, len(t.rooms[roomID]))
	for connID, e := range t.rooms[roomID] {
		if now.Before(e.ExpiresAt) {
			ids = append(ids, connID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Online returns the distinct users with a live connection in roomID, sorted.
func (t *Tracker) Online(roomID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	now := t.now()
	seen := make(map[string]struct{}, len(t.rooms[roomID]))
	for _, e := range t.rooms[roomID] {
		if now.Before(e.ExpiresAt) {
			seen[e.UserID] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

// UserConnections returns userID's connections subscribed to roomID, expired ones included.
func (t *Tracker) UserConnections(roomID, userID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, 2)
	for connID, e := range t.rooms[roomID] {
		if e.UserID == userID {
			ids = append(ids, connID)
		}
	}
	sort.Strings(ids)
	return ids
}

func (t *Tracker) IsSubscribed(roomID, connID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.rooms[roomID][connID]
	return ok && t.now().Before(e.ExpiresAt)
}

// Rooms returns the rooms connID is subscribed to, sorted.
func (t *Tracker) Rooms(connID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return sortedKeys(t.conns[connID])
}

// StartTyping sets userID typing in roomID until now + typing TTL. started is false when
// the user was already typing, so callers broadcast only the transition.
func (t *Tracker) StartTyping(roomID, userID string) (started bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	users, ok := t.typing[roomID]
	if !ok {
		users = make(map[string]time.Time)
		t.typing[roomID] = users
	}
	exp, ok := users[userID]
	started = !ok || !now.Before(exp)
	users[userID] = now.Add(t.typingTTL)
	return started
}

// StopTyping clears the entry. It reports whether the user was still typing.
func (t *Tracker) StopTyping(roomID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	exp, ok := t.typing[roomID][userID]
	if !ok {
		return false
	}
	delete(t.typing[roomID], userID)
	if len(t.typing[roomID]) == 0 {
		delete(t.typing, roomID)
	}
	return t.now().Before(exp)
}

// Typing returns the users currently typing in roomID, sorted.
func (t *Tracker) Typing(roomID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	now := t.now()
	live := make(map[string]struct{}, len(t.typing[roomID]))
	for userID, exp := range t.typing[roomID] {
		if now.Before(exp) {
			live[userID] = struct{}{}
		}
	}
	return sortedKeys(live)
}

// Sweep evicts every expired entry and returns what it removed, presence first.
func (t *Tracker) Sweep() []Removal {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	var out []Removal

	type key struct{ room, conn string }
	var expired []key
	for roomID, entries := range t.rooms {
		for connID, e := range entries {
			if !now.Before(e.ExpiresAt) {
				expired = append(expired, key{roomID, connID})
			}
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		if expired[i].room != expired[j].room {
			return expired[i].room < expired[j].room
		}
		return expired[i].conn < expired[j].conn
	})
	for _, k := range expired {
		if r, ok := t.removeLocked(k.room, k.conn, now); ok {
			out = append(out, r)
		}
	}

	var typing []Removal
	for roomID, users := range t.typing {
		for userID, exp := range users {
			if !now.Before(exp) {
				delete(users, userID)
				typing = append(typing, Removal{Kind: KindTyping, RoomID: roomID, UserID: userID})
			}
		}
		if len(users) == 0 {
			delete(t.typing, roomID)
		}
	}
	sort.Slice(typing, func(i, j int) bool {
		if typing[i].RoomID != typing[j].RoomID {
			return typing[i].RoomID < typing[j].RoomID
		}
		return typing[i].UserID < typing[j].UserID
	})
	return append(out, typing...)
}

// Run sweeps every interval until ctx is done and hands non-empty results to onExpired.
func (t *Tracker) Run(ctx context.Context, interval time.Duration, onExpired func([]Removal)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := t.Sweep(); len(removed) > 0 {
				onExpired(removed)
			}
		}
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
