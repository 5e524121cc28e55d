// Package msgstore is the durable per-room message log: sequence assignment at commit,
// edits, soft-delete tombstones, reaction sets and ordered backfill reads.
//
// Store wraps a Backend (Postgres in production, memory in tests and -inmem runs) with the
// ownership rules and a bounded retry policy. Backend errors that are not domain errors are
// retried; when the attempts are exhausted the caller gets chaterr.ErrStoreUnavailable.
package msgstore

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/roomchat/internal/chaterr"
	"github.com/roomchat/internal/model"
	"github.com/roomchat/internal/retry"
)

// Backend is the persistence contract. Append must assign m.Sequence as the room's
// last sequence + 1 in the same atomic step that stores the message, return
// chaterr.ErrNotFound when the room does not exist and chaterr.ErrDuplicate when
// (room, sender, client id) was already committed.
type Backend interface {
	Append(ctx context.Context, m *model.Message) error
	Get(ctx context.Context, id string) (*model.Message, error)
	FindByClientID(ctx context.Context, roomID, senderID, clientMsgID string) (*model.Message, error)
	UpdateContent(ctx context.Context, id, content string, editedAt time.Time) error
	MarkDeleted(ctx context.Context, id string, deletedAt time.Time) error
	AddReaction(ctx context.Context, id, userID, emoji string) error
	RemoveReaction(ctx context.Context, id, userID, emoji string) error
	After(ctx context.Context, roomID string, since int64, limit int) ([]model.Message, error)
	Before(ctx context.Context, roomID string, before int64, limit int) ([]model.Message, error)
}

const (
	maxEmojiBytes  = 64
	maxAttachments = 10
	maxClientMsgID = 128
	defaultLimit   = 50
)

type Store struct {
	backend    Backend
	policy     retry.Policy
	editWindow time.Duration
	maxContent int
	maxLimit   int
	now        func() time.Time
}

type Option func(*Store)

// WithRetry sets how many times a failing backend call is attempted and the initial backoff.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(s *Store) {
		if attempts > 0 {
			s.policy.Attempts = attempts
		}
		if backoff >= 0 {
			s.policy.Backoff = backoff
		}
	}
}

// WithEditWindow limits edits to window after creation; 0 disables the limit.
func WithEditWindow(window time.Duration) Option {
	return func(s *Store) { s.editWindow = window }
}

func WithMaxContentLength(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxContent = n
		}
	}
}

func WithHistoryLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxLimit = n
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:    backend,
		policy:     retry.Default,
		maxContent: 4000,
		maxLimit:   100,
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return s.policy.Do(ctx, "msgstore."+op, fn)
}

// ValidateDraft checks the payload shape independent of room settings.
func (s *Store) ValidateDraft(d model.Draft) error {
	if d.SenderID == "" {
		return chaterr.Validation("sender is required")
	}
	if !d.ContentType.Valid() {
		return chaterr.Validation("unknown content type %q", d.ContentType)
	}
	if strings.TrimSpace(d.Content) == "" && len(d.Attachments) == 0 {
		return chaterr.Validation("content or attachments required")
	}
	if utf8.RuneCountInString(d.Content) > s.maxContent {
		return chaterr.Validation("content exceeds %d characters", s.maxContent)
	}
	if len(d.Attachments) > maxAttachments {
		return chaterr.Validation("at most %d attachments", maxAttachments)
	}
	for _, a := range d.Attachments {
		if a.URL == "" {
			return chaterr.Validation("attachment url is required")
		}
		if a.Size < 0 {
			return chaterr.Validation("attachment size must not be negative")
		}
	}
	if len(d.ClientMsgID) > maxClientMsgID {
		return chaterr.Validation("client message id too long")
	}
	return nil
}

// Append commits d to roomID and returns the committed message. When the sender already
// committed the same client message id, the original message is returned with duplicate=true.
func (s *Store) Append(ctx context.Context, roomID string, d model.Draft) (*model.Message, bool, error) {
	if roomID == "" {
		return nil, false, chaterr.Validation("room id is required")
	}
	if err := s.ValidateDraft(d); err != nil {
		return nil, false, err
	}
	if d.ClientMsgID != "" {
		existing, err := s.findByClientID(ctx, roomID, d.SenderID, d.ClientMsgID)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, true, nil
		}
	}
	if d.ReplyToID != nil && *d.ReplyToID != "" {
		parent, err := s.Get(ctx, *d.ReplyToID)
		if err != nil {
			return nil, false, err
		}
		if parent.RoomID != roomID {
			return nil, false, chaterr.Validation("reply target belongs to another room")
		}
	} else {
		d.ReplyToID = nil
	}

	m := &model.Message{
		ID:          uuid.New().String(),
		RoomID:      roomID,
		SenderID:    d.SenderID,
		ClientMsgID: d.ClientMsgID,
		Content:     d.Content,
		ContentType: d.ContentType,
		Attachments: d.Attachments,
		ReplyToID:   d.ReplyToID,
		CreatedAt:   s.now().UTC(),
		Reactions:   model.Reactions{},
	}
	err := s.retry(ctx, "append", func(ctx context.Context) error {
		return s.backend.Append(ctx, m)
	})
	if errors.Is(err, chaterr.ErrDuplicate) {
		existing, ferr := s.findByClientID(ctx, roomID, d.SenderID, d.ClientMsgID)
		if ferr != nil {
			return nil, false, ferr
		}
		if existing != nil {
			return existing, true, nil
		}
		return nil, false, chaterr.StoreUnavailable(err)
	}
	if err != nil {
		return nil, false, err
	}
	return m, false, nil
}

// FindByClientID returns the message senderID committed with clientMsgID, or nil.
func (s *Store) FindByClientID(ctx context.Context, roomID, senderID, clientMsgID string) (*model.Message, error) {
	if clientMsgID == "" {
		return nil, nil
	}
	return s.findByClientID(ctx, roomID, senderID, clientMsgID)
}

func (s *Store) findByClientID(ctx context.Context, roomID, senderID, clientMsgID string) (*model.Message, error) {
	var found *model.Message
	err := s.retry(ctx, "find_client_id", func(ctx context.Context) error {
		m, err := s.backend.FindByClientID(ctx, roomID, senderID, clientMsgID)
		if errors.Is(err, chaterr.ErrNotFound) {
			return nil
		}
		found = m
		return err
	})
	return found, err
}

func (s *Store) Get(ctx context.Context, id string) (*model.Message, error) {
	if id == "" {
		return nil, chaterr.Validation("message id is required")
	}
	var m *model.Message
	err := s.retry(ctx, "get", func(ctx context.Context) error {
		var err error
		m, err = s.backend.Get(ctx, id)
		return err
	})
	return m, err
}

// Edit replaces the content of an active message. Only the author may edit unless
// allowOthers is set by the caller's room policy. Sequence and id never change.
func (s *Store) Edit(ctx context.Context, id, content, actorID string, allowOthers bool) (*model.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, chaterr.Validation("content is required")
	}
	if utf8.RuneCountInString(content) > s.maxContent {
		return nil, chaterr.Validation("content exceeds %d characters", s.maxContent)
	}
	m, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.IsDeleted() {
		return nil, chaterr.NotFound("message %s was deleted", id)
	}
	if m.SenderID != actorID && !allowOthers {
		return nil, chaterr.Forbidden("only the author can edit this message")
	}
	now := s.now().UTC()
	if s.editWindow > 0 && now.Sub(m.CreatedAt) > s.editWindow {
		return nil, chaterr.Forbidden("edit window of %s has passed", s.editWindow)
	}
	if err := s.retry(ctx, "edit", func(ctx context.Context) error {
		return s.backend.UpdateContent(ctx, id, content, now)
	}); err != nil {
		return nil, err
	}
	m.Content = content
	m.EditedAt = &now
	return m, nil
}

// SoftDelete tombstones a message. The author or a moderator may delete; deleting an
// already deleted message succeeds with changed=false.
func (s *Store) SoftDelete(ctx context.Context, id, actorID string, moderator bool) (*model.Message, bool, error) {
	m, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if m.SenderID != actorID && !moderator {
		return nil, false, chaterr.Forbidden("only the author or a moderator can delete this message")
	}
	if m.IsDeleted() {
		return m, false, nil
	}
	now := s.now().UTC()
	if err := s.retry(ctx, "delete", func(ctx context.Context) error {
		return s.backend.MarkDeleted(ctx, id, now)
	}); err != nil {
		return nil, false, err
	}
	m.DeletedAt = &now
	m.Content = ""
	m.Attachments = nil
	return m, true, nil
}

func validEmoji(emoji string) error {
	if strings.TrimSpace(emoji) == "" {
		return chaterr.Validation("emoji is required")
	}
	if len(emoji) > maxEmojiBytes || !utf8.ValidString(emoji) {
		return chaterr.Validation("invalid emoji")
	}
	return nil
}

// React adds userID to the emoji's set. Re-adding is a successful no-op (changed=false).
func (s *Store) React(ctx context.Context, id, userID, emoji string) (*model.Message, bool, error) {
	return s.setReaction(ctx, id, userID, emoji, true)
}

// Unreact removes userID from the emoji's set. Removing an absent reaction is a no-op.
func (s *Store) Unreact(ctx context.Context, id, userID, emoji string) (*model.Message, bool, error) {
	return s.setReaction(ctx, id, userID, emoji, false)
}

func (s *Store) setReaction(ctx context.Context, id, userID, emoji string, add bool) (*model.Message, bool, error) {
	if err := validEmoji(emoji); err != nil {
		return nil, false, err
	}
	m, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if m.IsDeleted() {
		return nil, false, chaterr.NotFound("message %s was deleted", id)
	}
	if m.Reactions == nil {
		m.Reactions = model.Reactions{}
	}
	var changed bool
	if add {
		changed = m.Reactions.Add(emoji, userID)
	} else {
		changed = m.Reactions.Remove(emoji, userID)
	}
	if !changed {
		return m, false, nil
	}
	op := "react"
	if !add {
		op = "unreact"
	}
	err = s.retry(ctx, op, func(ctx context.Context) error {
		if add {
			return s.backend.AddReaction(ctx, id, userID, emoji)
		}
		return s.backend.RemoveReaction(ctx, id, userID, emoji)
	})
	if err != nil {
		return nil, false, err
	}
	return m, true, nil
}

func (s *Store) clampLimit(limit int) int {
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > s.maxLimit {
		limit = s.maxLimit
	}
	return limit
}

// History returns messages with sequence > since in ascending order.
func (s *Store) History(ctx context.Context, roomID string, since int64, limit int) ([]model.Message, error) {
	if since < 0 {
		since = 0
	}
	limit = s.clampLimit(limit)
	var out []model.Message
	err := s.retry(ctx, "history", func(ctx context.Context) error {
		var err error
		out, err = s.backend.After(ctx, roomID, since, limit)
		return err
	})
	return out, err
}

// HistoryBefore returns messages with sequence < before in descending order.
// before <= 0 starts from the newest message.
func (s *Store) HistoryBefore(ctx context.Context, roomID string, before int64, limit int) ([]model.Message, error) {
	limit = s.clampLimit(limit)
	var out []model.Message
	err := s.retry(ctx, "history_before", func(ctx context.Context) error {
		var err error
		out, err = s.backend.Before(ctx, roomID, before, limit)
		return err
	})
	return out, err
}
