package model

import "time"

type RoomType string

const (
	RoomTypeDirect    RoomType = "direct"
	RoomTypeGroup     RoomType = "group"
	RoomTypeCommunity RoomType = "community"
	RoomTypeEvent     RoomType = "event"
)

// Valid reports whether t is one of the known room types.
func (t RoomType) Valid() bool {
	switch t {
	case RoomTypeDirect, RoomTypeGroup, RoomTypeCommunity, RoomTypeEvent:
		return true
	}
	return false
}

type Role string

const (
	RoleOwner     Role = "owner"
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleMember    Role = "member"
)

func (r Role) rank() int {
	switch r {
	case RoleOwner:
		return 4
	case RoleAdmin:
		return 3
	case RoleModerator:
		return 2
	case RoleMember:
		return 1
	}
	return 0
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool { return r.rank() > 0 }

// AtLeast reports whether r ranks the same as or above other.
func (r Role) AtLeast(other Role) bool { return r.rank() >= other.rank() }

type Settings struct {
	IsPrivate        bool `json:"is_private"`
	AllowInvites     bool `json:"allow_invites"`
	AllowFileSharing bool `json:"allow_file_sharing"`
	SlowModeSeconds  int  `json:"slow_mode_seconds"`
	// ModeratorsCanEdit lets moderators and above edit other members' messages.
	ModeratorsCanEdit bool `json:"moderators_can_edit"`
}

// DefaultSettings are applied to rooms created without explicit settings.
func DefaultSettings() Settings {
	return Settings{AllowInvites: true, AllowFileSharing: true}
}

type Room struct {
	ID        string          `json:"id"`
	Type      RoomType        `json:"type"`
	Name      string          `json:"name"`
	RefID     string          `json:"ref_id,omitempty"`
	DirectKey string          `json:"-"`
	CreatedBy string          `json:"created_by"`
	CreatedAt time.Time       `json:"created_at"`
	Settings  Settings        `json:"settings"`
	Members   map[string]Role `json:"members"`
	Pinned    []string        `json:"pinned_message_ids"`
}

// RoleOf returns the member's role and whether userID is a member at all.
func (r *Room) RoleOf(userID string) (Role, bool) {
	role, ok := r.Members[userID]
	return role, ok
}

func (r *Room) IsMember(userID string) bool {
	_, ok := r.Members[userID]
	return ok
}

// IsPinned reports whether messageID is in the pinned list.
func (r *Room) IsPinned(messageID string) bool {
	for _, id := range r.Pinned {
		if id == messageID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers outside the room worker never share its maps.
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	c := *r
	c.Members = make(map[string]Role, len(r.Members))
	for k, v := range r.Members {
		c.Members[k] = v
	}
	c.Pinned = append([]string(nil), r.Pinned...)
	return &c
}

// DirectKey returns the stable key of the direct room between two users.
func DirectKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// RoomMember is a member entry as shown to clients in presence events.
type RoomMember struct {
	ID   string `json:"id"`
	Role Role   `json:"role,omitempty"`
}
