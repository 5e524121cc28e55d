package model

import (
	"encoding/json"
	"sort"
	"time"
)

type ContentType string

const (
	ContentTypeText     ContentType = "text"
	ContentTypeImage    ContentType = "image"
	ContentTypeVideo    ContentType = "video"
	ContentTypeFile     ContentType = "file"
	ContentTypeLocation ContentType = "location"
	ContentTypeEventRef ContentType = "event"
)

func (t ContentType) Valid() bool {
	switch t {
	case ContentTypeText, ContentTypeImage, ContentTypeVideo, ContentTypeFile, ContentTypeLocation, ContentTypeEventRef:
		return true
	}
	return false
}

// Attachment is the descriptor returned by the upload service.
type Attachment struct {
	URL  string `json:"url"`
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

type Message struct {
	ID          string       `json:"id"`
	RoomID      string       `json:"room_id"`
	SenderID    string       `json:"sender_id"`
	Sequence    int64        `json:"sequence"`
	ClientMsgID string       `json:"client_msg_id,omitempty"`
	Content     string       `json:"content"`
	ContentType ContentType  `json:"content_type"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ReplyToID   *string      `json:"reply_to_id,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	EditedAt    *time.Time   `json:"edited_at,omitempty"`
	DeletedAt   *time.Time   `json:"deleted_at,omitempty"`
	Reactions   Reactions    `json:"reactions,omitempty"`
}

func (m *Message) IsDeleted() bool { return m.DeletedAt != nil }

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Attachments = append([]Attachment(nil), m.Attachments...)
	if m.ReplyToID != nil {
		id := *m.ReplyToID
		c.ReplyToID = &id
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		c.EditedAt = &t
	}
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		c.DeletedAt = &t
	}
	c.Reactions = m.Reactions.Clone()
	return &c
}

// Draft is a message before commit: no id, sequence or timestamps yet.
type Draft struct {
	SenderID    string
	ClientMsgID string
	Content     string
	ContentType ContentType
	Attachments []Attachment
	ReplyToID   *string
}

// UserSet is a set of user ids.
type UserSet map[string]struct{}

// Reactions maps an emoji to the users who reacted with it.
type Reactions map[string]UserSet

// Add records userID under emoji; it returns false when it was already there.
func (r Reactions) Add(emoji, userID string) bool {
	set, ok := r[emoji]
	if !ok {
		set = make(UserSet)
		r[emoji] = set
	}
	if _, exists := set[userID]; exists {
		return false
	}
	set[userID] = struct{}{}
	return true
}

// Remove deletes userID from emoji; it returns false when nothing changed.
func (r Reactions) Remove(emoji, userID string) bool {
	set, ok := r[emoji]
	if !ok {
		return false
	}
	if _, exists := set[userID]; !exists {
		return false
	}
	delete(set, userID)
	if len(set) == 0 {
		delete(r, emoji)
	}
	return true
}

// Users returns the sorted user ids that reacted with emoji.
func (r Reactions) Users(emoji string) []string {
	set := r[emoji]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r Reactions) Clone() Reactions {
	if r == nil {
		return nil
	}
	c := make(Reactions, len(r))
	for emoji, set := range r {
		cs := make(UserSet, len(set))
		for id := range set {
			cs[id] = struct{}{}
		}
		c[emoji] = cs
	}
	return c
}

func (r Reactions) MarshalJSON() ([]byte, error) {
	out := make(map[string][]string, len(r))
	for emoji := range r {
		out[emoji] = r.Users(emoji)
	}
	return json.Marshal(out)
}

func (r *Reactions) UnmarshalJSON(data []byte) error {
	var in map[string][]string
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*r = make(Reactions, len(in))
	for emoji, ids := range in {
		for _, id := range ids {
			r.Add(emoji, id)
		}
	}
	return nil
}
