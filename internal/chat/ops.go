package chat

import (
	"context"
	"math"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/roomchat/internal/chaterr"
	"github.com/roomchat/internal/logger"
	"github.com/roomchat/internal/model"
	"github.com/roomchat/internal/presence"
	"github.com/roomchat/internal/registry"
)

// directoryKind maps a room type to the directory collection its RefID points into.
func directoryKind(t model.RoomType) string {
	switch t {
	case model.RoomTypeEvent:
		return "events"
	case model.RoomTypeCommunity:
		return "communities"
	}
	return ""
}

// CreateRoom creates a group, community or event room. Event and community rooms without a
// name take the display name of the entity they are attached to.
func (s *Service) CreateRoom(ctx context.Context, req registry.CreateRoom) (*model.Room, error) {
	if req.Name == "" && req.RefID != "" && s.directory != nil {
		if kind := directoryKind(req.Type); kind != "" {
			name, err := s.directory.Name(ctx, kind, req.RefID)
			if err != nil {
				logger.Warnf("directory lookup %s/%s: %v", kind, req.RefID, err)
			}
			req.Name = name
		}
	}
	return s.rooms.Create(ctx, req)
}

// OpenDirect returns the direct room between a and b, creating it on first use.
func (s *Service) OpenDirect(ctx context.Context, a, b string) (*model.Room, error) {
	return s.rooms.GetOrCreateDirect(ctx, a, b)
}

// Room returns a snapshot of roomID if userID may read it.
func (s *Service) Room(ctx context.Context, roomID, userID string) (*model.Room, error) {
	var out *model.Room
	err := s.do(ctx, roomID, func(ctx context.Context, w *roomWorker) error {
		room, err := w.load(ctx)
		if err != nil {
			return err
		}
		if !canRead(room, userID) {
			return chaterr.Forbidden("not a member of this room")
		}
		out = room.Clone()
		return nil
	})
	return out, err
}

// JoinRoom subscribes connID to roomID. Public rooms are joined implicitly; private rooms
// need membership or a pending invite. The first connection of a user announces user_joined.
func (s *Service) JoinRoom(ctx context.Context, roomID, userID, connID string) (*model.Room, error) {
	var out *model.Room
	err := s.do(ctx, roomID, func(ctx context.Context, w *roomWorker) error {
		room, err := w.load(ctx)
		if err != nil {
			return err
		}
		if !room.IsMember(userID) {
			if _, err := s.rooms.Join(ctx, room, userID); err != nil {
				return err
			}
		}
		if s.presence.MarkOnline(roomID, userID, connID) {
			w.publish(model.EventUserJoined, model.UserPresencePayload{RoomID: roomID, User: w.user(userID)})
		}
		s.mirrorSet(roomID, userID, connID)
		out = room.Clone()
		return nil
	})
	return out, err
}

// Enroll makes userID a member of roomID without subscribing a connection. Private rooms
// need a pending invite.
func (s *Service) Enroll(ctx context.Context, roomID, userID string) (*model.Room, error) {
	var out *model.Room
	err := s.do(ctx, roomID, func(ctx context.Context, w *roomWorker) error {
		room, err := w.load(ctx)
		if err != nil {
			return err
		}
		if !room.IsMember(userID) {
			if _, err := s.rooms.Join(ctx, room, userID); err != nil {
				return err
			}
		}
		out = room.Clone()
		return nil
	})
	return out, err
}

// Unsubscribe removes connID from roomID without touching membership.
func (s *Service) Unsubscribe(ctx context.Context, roomID, userID, connID string) error {
	return s.do(ctx, roomID, func(ctx context.Context, w *roomWorker) error {
		r, ok := s.presence.MarkOffline(roomID, connID)
		if !ok {
			return nil
		}
		if r.LastForUser {
			w.left(r.UserID)
		}
		return nil
	})
}

// LeaveRoom gives up membership of roomID and unsubscribes all of userID's connections.
func (s *Service) LeaveRoom(ctx context.Context, roomID, userID string) error {
	return s.do(ctx, roomID, func(ctx context.Context, w *roomWorker) error {
		room, err := w.load(ctx)
		if err != nil {
			return err
		}
		if room.Type == model.RoomTypeDirect {
			return chaterr.Forbidden("direct rooms cannot be left")
		}
		announced := w.user(userID)
		if _, err := s.rooms.Leave(ctx, room, userID); err != nil {
			return err
		}
		removed := false
		for _, connID := range s.presence.UserConnections(roomID, userID) {
			if _, ok := s.presence.MarkOffline(roomID, connID); ok {
				removed = true
				s.mirrorClear(roomID, userID, connID)
			}
		}
		s.releaseSlowMode(ctx, roomID, userID)
		if removed {
			if s.presence.StopTyping(roomID, userID) {
				w.publish(model.EventStopTyping, model.TypingPayload{RoomID: roomID, UserID: userID})
			}
			w.publish(model.EventUserLeft, model.UserPresencePayload{RoomID: roomID, User: announced})
		}
		return nil
	})
}

// Disconnect evicts connID from every room at once; user_left follows on each room's worker.
func (s *Service) Disconnect(connID string) {
	for _, r := range s.presence.DropConnection(connID) {
		s.post(r.RoomID, func(ctx context.Context, w *roomWorker) error {
			s.mirrorClear(r.RoomID, r.UserID, r.ConnectionID)
			if r.LastForUser {
				w.left(r.UserID)
			}
			return nil
		})
	}
}

// HandleExpired announces entries the presence sweep evicted.
func (s *Service) HandleExpired(removed []presence.Removal) {
	for _, r := range removed {
		switch r.Kind {
		case presence.KindPresence:
			s.post(r.RoomID, func(ctx context.Context, w *roomWorker) error {
				s.mirrorClear(r.RoomID, r.UserID, r.ConnectionID)
				if r.LastForUser {
					w.left(r.UserID)
				}
				return nil
			})
		case presence.KindTyping:
			s.post(r.RoomID, func(ctx context.Context, w *roomWorker) error {
				for _, id := range s.presence.Typing(r.RoomID) {
					if id == r.UserID {
						return nil
					}
				}
				w.publish(model.EventStopTyping, model.TypingPayload{RoomID: r.RoomID, UserID: r.UserID})
				return nil
			})
		}
	}
}

// Heartbeat extends the presence of connID in every room it joined.
func (s *Service) Heartbeat(connID, userID string) {
	s.presence.Refresh(connID)
	for _, roomID := range s.presence.Rooms(connID) {
		s.mirrorSet(roomID, userID, connID)
	}
}

type SendRequest struct {
	RoomID string
	// RecipientID addresses the direct room with that user when RoomID is empty.
	RecipientID string
	// ConnectionID is the origin; it gets the message even when not subscribed to the room.
	ConnectionID string
	Draft        model.Draft
}

func retryAfterSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}

// allowSend applies the per-user message rate limit. Limiter failures let the message through.
func (s *Service) allowSend(ctx context.Context, userID string) error {
	if s.ephemeral == nil || s.cfg.MessageRateLimit <= 0 {
		return nil
	}
	ok, retryAfter, err := s.ephemeral.CheckRateLimit(ctx, "msg:"+userID, s.cfg.MessageRateLimit, s.cfg.MessageRateWindow)
	if err != nil {
		logger.Warnf("message rate limit user=%s: %v", userID, err)
		return nil
	}
	if !ok {
		return chaterr.RateLimited(retryAfterSeconds(retryAfter), "too many messages")
	}
	return nil
}

// SendMessage commits a message and broadcasts it to the room. duplicate is true when the
// client message id was already committed; the original is then echoed to the origin only.
func (s *Service) SendMessage(ctx context.Context, senderID string, req SendRequest) (msg *model.Message, duplicate bool, err error) {
	d := req.Draft
	d.SenderID = senderID
	if err := s.store.ValidateDraft(d); err != nil {
		return nil, false, err
	}
	roomID := req.RoomID
	if roomID == "" {
		if req.RecipientID == "" {
			return nil, false, chaterr.Validation("room id or recipient id is required")
		}
		room, err := s.OpenDirect(ctx, senderID, req.RecipientID)
		if err != nil {
			return nil, false, err
		}
		roomID = room.ID
	}
	if err := s.allowSend(ctx, senderID); err != nil {
		return nil, false, err
	}

	err = s.do(ctx, roomID, func(ctx context.Context, w *roomWorker) error {
		room, err := w.member(ctx, senderID)
		if err != nil {
			return err
		}
		if len(d.Attachments) > 0 && !room.Settings.AllowFileSharing {
			return chaterr.Forbidden("file sharing is disabled in this room")
		}
		existing, err := s.store.FindByClientID(ctx, roomID, senderID, d.ClientMsgID)
		if err != nil {
			return err
		}
		if existing != nil {
			msg, duplicate = existing, true
			s.echo(req.ConnectionID, existing)
			return nil
		}
		claimed := false
		if slow := time.Duration(room.Settings.SlowModeSeconds) * time.Second; slow > 0 {
			if claimed, err = s.claimSlowMode(ctx, roomID, senderID, slow); err != nil {
				return err
			}
		}

		m, dup, err := s.store.Append(ctx, roomID, d)
		if err != nil || dup {
			if claimed {
				s.releaseSlowMode(ctx, roomID, senderID)
			}
		}
		if err != nil {
			return err
		}
		msg, duplicate = m, dup
		if dup {
			s.echo(req.ConnectionID, m)
			return nil
		}
		w.publish(model.EventMessage, m)
		if req.ConnectionID != "" && !s.presence.IsSubscribed(roomID, req.ConnectionID) {
			s.echo(req.ConnectionID, m)
		}
		if s.presence.StopTyping(roomID, senderID) {
			w.publish(model.EventStopTyping, model.TypingPayload{RoomID: roomID, UserID: senderID})
		}
		s.notifyOffline(room, m)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return msg, duplicate, nil
}

func (s *Service) echo(connID string, m *model.Message) {
	if connID != "" {
		s.bus.PublishTo(connID, model.Event{Type: model.EventMessage, Payload: m})
	}
}

const pushPreviewRunes = 120

// notifyOffline hands m to the push service for members with no live subscription.
func (s *Service) notifyOffline(room *model.Room, m *model.Message) {
	if s.notifier == nil {
		return
	}
	online := make(map[string]struct{})
	for _, id := range s.presence.Online(room.ID) {
		online[id] = struct{}{}
	}
	var targets []string
	for id := range room.Members {
		if _, ok := online[id]; !ok && id != m.SenderID {
			targets = append(targets, id)
		}
	}
	if len(targets) == 0 {
		return
	}
	sort.Strings(targets)

	title := room.Name
	if title == "" {
		title = m.SenderID
	}
	body := m.Content
	if body == "" {
		body = "Attachment"
	}
	if utf8.RuneCountInString(body) > pushPreviewRunes {
		body = string([]rune(body)[:pushPreviewRunes-3]) + "..."
	}
	data := map[string]string{"room_id": room.ID, "message_id": m.ID, "sender_id": m.SenderID}
	go func() {
		for _, id := range targets {
			s.notifier.Notify(context.Background(), id, title, body, data)
		}
	}()
}

// onMessage looks up messageID and runs fn on the worker of its room.
func (s *Service) onMessage(ctx context.Context, messageID string, fn func(ctx context.Context, w *roomWorker) error) error {
	m, err := s.store.Get(ctx, messageID)
	if err != nil {
		return err
	}
	return s.do(ctx, m.RoomID, fn)
}

// EditMessage replaces the content of a message and broadcasts message_edited.
func (s *Service) EditMessage(ctx context.Context, actorID, messageID, content string) (*model.Message, error) {
	var out *model.Message
	err := s.onMessage(ctx, messageID, func(ctx context.Context, w *roomWorker) error {
		room, err := w.member(ctx, actorID)
		if err != nil {
			return err
		}
		m, err := s.store.Edit(ctx, messageID, content, actorID, registry.CanEditOthers(room, actorID))
		if err != nil {
			return err
		}
		out = m
		w.publish(model.EventMessageEdited, model.MessageEditedPayload{
			MessageID: m.ID,
			RoomID:    m.RoomID,
			Sequence:  m.Sequence,
			Content:   m.Content,
			EditedAt:  *m.EditedAt,
		})
		return nil
	})
	return out, err
}

// DeleteMessage tombstones a message. Deleting it again succeeds without a second broadcast.
func (s *Service) DeleteMessage(ctx context.Context, actorID, messageID string) (*model.Message, error) {
	var out *model.Message
	err := s.onMessage(ctx, messageID, func(ctx context.Context, w *roomWorker) error {
		room, err := w.member(ctx, actorID)
		if err != nil {
			return err
		}
		m, changed, err := s.store.SoftDelete(ctx, messageID, actorID, registry.CanModerate(room, actorID))
		if err != nil {
			return err
		}
		out = m
		if changed {
			w.publish(model.EventMessageDeleted, model.MessageDeletedPayload{
				MessageID: m.ID,
				RoomID:    m.RoomID,
				Sequence:  m.Sequence,
				DeletedAt: *m.DeletedAt,
			})
		}
		return nil
	})
	return out, err
}

func (s *Service) React(ctx context.Context, actorID, messageID, emoji string) (*model.Message, error) {
	return s.setReaction(ctx, actorID, messageID, emoji, true)
}

func (s *Service) Unreact(ctx context.Context, actorID, messageID, emoji string) (*model.Message, error) {
	return s.setReaction(ctx, actorID, messageID, emoji, false)
}

func (s *Service) setReaction(ctx context.Context, actorID, messageID, emoji string, add bool) (*model.Message, error) {
	var out *model.Message
	err := s.onMessage(ctx, messageID, func(ctx context.Context, w *roomWorker) error {
		if _, err := w.member(ctx, actorID); err != nil {
			return err
		}
		var (
			m       *model.Message
			changed bool
			err     error
		)
		if add {
			m, changed, err = s.store.React(ctx, messageID, actorID, emoji)
		} else {
			m, changed, err = s.store.Unreact(ctx, messageID, actorID, emoji)
		}
		if err != nil {
			return err
		}
		out = m
		if changed {
			w.publish(model.EventReactionUpdated, model.ReactionUpdatedPayload{
				MessageID: m.ID,
				RoomID:    m.RoomID,
				Emoji:     emoji,
				UserIDs:   m.Reactions.Users(emoji),
			})
		}
		return nil
	})
	return out, err
}

// Typing marks userID as typing; only the transition is broadcast.
func (s *Service) Typing(ctx context.Context, roomID, userID string) error {
	return s.do(ctx, roomID, func(ctx context.Context, w *roomWorker) error {
		if _, err := w.member(ctx, userID); err != nil {
			return err
		}
		if s.presence.StartTyping(roomID, userID) {
			w.publish(model.EventTyping, model.TypingPayload{RoomID: roomID, UserID: userID})
		}
		return nil
	})
}

func (s *Service) StopTyping(ctx context.Context, roomID, userID string) error {
	return s.do(ctx, roomID, func(ctx context.Context, w *roomWorker) error {
		if s.presence.StopTyping(roomID, userID) {
			w.publish(model.EventStopTyping, model.TypingPayload{RoomID: roomID, UserID: userID})
		}
		return nil
	})
}

func (s *Service) Pin(ctx context.Context, roomID, actorID, messageID string) error {
	return s.do(ctx, roomID, func(ctx context.Context, w *roomWorker) error {
		room, err := w.load(ctx)
		if err != nil {
			return err
		}
		m, err := s.store.Get(ctx, messageID)
		if err != nil {
			return err
		}
		if m.RoomID != roomID || m.IsDeleted() {
			return chaterr.NotFound("message %s not found in this room", messageID)
		}
		pinned, err := s.rooms.Pin(ctx, room, actorID, messageID)
		if err != nil {
			return err
		}
		if pinned {
			w.publish(model.EventMessagePinned, model.PinPayload{RoomID: roomID, MessageID: messageID, PinnedBy: actorID})
		}
		return nil
	})
}

func (s *Service) Unpin(ctx context.Context, roomID, actorID, messageID string) error {
	return s.do(ctx, roomID, func(ctx context.Context, w *roomWorker) error {
		room, err := w.load(ctx)
		if err != nil {
			return err
		}
		unpinned, err := s.rooms.Unpin(ctx, room, actorID, messageID)
		if err != nil {
			return err
		}
		if unpinned {
			w.publish(model.EventMessageUnpinned, model.PinPayload{RoomID: roomID, MessageID: messageID})
		}
		return nil
	})
}

func (s *Service) UpdateSettings(ctx context.Context, roomID, actorID string, settings model.Settings) (*model.Room, error) {
	var out *model.Room
	err := s.do(ctx, roomID, func(ctx context.Context, w *roomWorker) error {
		room, err := w.load(ctx)
		if err != nil {
			return err
		}
		if err := s.rooms.UpdateSettings(ctx, room, actorID, settings); err != nil {
			return err
		}
		out = room.Clone()
		w.publish(model.EventRoomUpdated, out)
		return nil
	})
	return out, err
}

func (s *Service) SetRole(ctx context.Context, roomID, actorID, targetID string, role model.Role) (*model.Room, error) {
	var out *model.Room
	err := s.do(ctx, roomID, func(ctx context.Context, w *roomWorker) error {
		room, err := w.load(ctx)
		if err != nil {
			return err
		}
		if err := s.rooms.SetRole(ctx, room, actorID, targetID, role); err != nil {
			return err
		}
		out = room.Clone()
		w.publish(model.EventRoomUpdated, out)
		return nil
	})
	return out, err
}

func (s *Service) Invite(ctx context.Context, roomID, actorID, userID string) error {
	return s.do(ctx, roomID, func(ctx context.Context, w *roomWorker) error {
		room, err := w.load(ctx)
		if err != nil {
			return err
		}
		return s.rooms.Invite(ctx, room, actorID, userID)
	})
}

// History returns messages after since in ascending order.
func (s *Service) History(ctx context.Context, roomID, userID string, since int64, limit int) ([]model.Message, error) {
	if _, err := s.Room(ctx, roomID, userID); err != nil {
		return nil, err
	}
	return s.store.History(ctx, roomID, since, limit)
}

// HistoryBefore returns messages before the given sequence, newest first.
func (s *Service) HistoryBefore(ctx context.Context, roomID, userID string, before int64, limit int) ([]model.Message, error) {
	if _, err := s.Room(ctx, roomID, userID); err != nil {
		return nil, err
	}
	return s.store.HistoryBefore(ctx, roomID, before, limit)
}

// Message returns one message, a tombstone if it was deleted.
func (s *Service) Message(ctx context.Context, userID, messageID string) (*model.Message, error) {
	m, err := s.store.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := s.Room(ctx, m.RoomID, userID); err != nil {
		return nil, err
	}
	return m, nil
}

// Online lists users subscribed to roomID here or, with a shared store, on other instances.
func (s *Service) Online(ctx context.Context, roomID, userID string) ([]string, error) {
	if _, err := s.Room(ctx, roomID, userID); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	for _, id := range s.presence.Online(roomID) {
		seen[id] = struct{}{}
	}
	if s.ephemeral != nil {
		ids, err := s.ephemeral.OnlineUsers(ctx, roomID)
		if err != nil {
			logger.Warnf("presence mirror read room=%s: %v", roomID, err)
		}
		for _, id := range ids {
			seen[id] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// UserRooms lists the rooms userID belongs to.
func (s *Service) UserRooms(ctx context.Context, userID string) ([]string, error) {
	return s.rooms.UserRooms(ctx, userID)
}
