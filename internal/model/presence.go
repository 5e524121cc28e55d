package model

import "time"

// PresenceEntry is one live subscription of a connection to a room.
type PresenceEntry struct {
	RoomID       string    `json:"room_id"`
	UserID       string    `json:"user_id"`
	ConnectionID string    `json:"connection_id"`
	LastSeenAt   time.Time `json:"last_seen_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type TypingEntry struct {
	RoomID    string    `json:"room_id"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}
