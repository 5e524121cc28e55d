package model

import "time"

type EventType string

const (
	EventMessage         EventType = "message"
	EventMessageEdited   EventType = "message_edited"
	EventMessageDeleted  EventType = "message_deleted"
	EventReactionUpdated EventType = "reaction_updated"
	EventTyping          EventType = "typing"
	EventStopTyping      EventType = "stop_typing"
	EventUserJoined      EventType = "user_joined"
	EventUserLeft        EventType = "user_left"
	EventMessagePinned   EventType = "message_pinned"
	EventMessageUnpinned EventType = "message_unpinned"
	EventRoomUpdated     EventType = "room_updated"
	EventJoined          EventType = "joined"
	EventPong            EventType = "pong"
	EventError           EventType = "error"
)

// Event is what the server sends to a connection.
// Payload uses typed structs to avoid heap-heavy map[string]any.
type Event struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload,omitempty"`
}

type MessageEditedPayload struct {
	MessageID string    `json:"message_id"`
	RoomID    string    `json:"room_id"`
	Sequence  int64     `json:"sequence"`
	Content   string    `json:"content"`
	EditedAt  time.Time `json:"edited_at"`
}

type MessageDeletedPayload struct {
	MessageID string    `json:"message_id"`
	RoomID    string    `json:"room_id"`
	Sequence  int64     `json:"sequence"`
	DeletedAt time.Time `json:"deleted_at"`
}

// ReactionUpdatedPayload carries the full user set for one emoji after the change.
type ReactionUpdatedPayload struct {
	MessageID string   `json:"message_id"`
	RoomID    string   `json:"room_id"`
	Emoji     string   `json:"emoji"`
	UserIDs   []string `json:"user_ids"`
}

type TypingPayload struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

type UserPresencePayload struct {
	RoomID string     `json:"room_id"`
	User   RoomMember `json:"user"`
}

type PinPayload struct {
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
	PinnedBy  string `json:"pinned_by,omitempty"`
}

type ErrorPayload struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	// Ref echoes the client's clientMsgId or op type so it can roll back optimistic state.
	Ref string `json:"ref,omitempty"`
}
