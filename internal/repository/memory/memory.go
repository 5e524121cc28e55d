// Package memory is an in-process implementation of the durable room and message
// backends. It keeps the same contract as the Postgres repositories and is used by
// tests and by the -inmem mode of the chat service.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/roomchat/internal/chaterr"
	"github.com/roomchat/internal/model"
)

type roomRecord struct {
	room    *model.Room
	lastSeq int64
	seqs    []string // message ids in sequence order
	invites map[string]struct{}
}

type Store struct {
	mu       sync.RWMutex
	rooms    map[string]*roomRecord
	direct   map[string]string
	messages map[string]*model.Message
	clientID map[string]string
	fail     error
}

func New() *Store {
	return &Store{
		rooms:    make(map[string]*roomRecord),
		direct:   make(map[string]string),
		messages: make(map[string]*model.Message),
		clientID: make(map[string]string),
	}
}

// SetFailure makes every following call fail with err until it is reset with nil.
func (s *Store) SetFailure(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

func clientKey(roomID, senderID, clientMsgID string) string {
	return roomID + "\x00" + senderID + "\x00" + clientMsgID
}

// --- rooms ---

func (s *Store) CreateRoom(ctx context.Context, r *model.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	if r.DirectKey != "" {
		if _, taken := s.direct[r.DirectKey]; taken {
			return chaterr.ErrDuplicate
		}
		s.direct[r.DirectKey] = r.ID
	}
	s.rooms[r.ID] = &roomRecord{room: r.Clone(), invites: make(map[string]struct{})}
	return nil
}

func (s *Store) record(id string) (*roomRecord, error) {
	if s.fail != nil {
		return nil, s.fail
	}
	rec, ok := s.rooms[id]
	if !ok {
		return nil, chaterr.NotFound("room %s not found", id)
	}
	return rec, nil
}

func (s *Store) GetRoom(ctx context.Context, id string) (*model.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := s.record(id)
	if err != nil {
		return nil, err
	}
	return rec.room.Clone(), nil
}

func (s *Store) FindDirect(ctx context.Context, key string) (*model.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.fail != nil {
		return nil, s.fail
	}
	id, ok := s.direct[key]
	if !ok {
		return nil, chaterr.NotFound("direct room not found")
	}
	return s.rooms[id].room.Clone(), nil
}

func (s *Store) AddMember(ctx context.Context, roomID, userID string, role model.Role, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.record(roomID)
	if err != nil {
		return err
	}
	if _, ok := rec.room.Members[userID]; !ok {
		rec.room.Members[userID] = role
	}
	return nil
}

func (s *Store) RemoveMember(ctx context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.record(roomID)
	if err != nil {
		return err
	}
	delete(rec.room.Members, userID)
	return nil
}

func (s *Store) SetRole(ctx context.Context, roomID, userID string, role model.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.record(roomID)
	if err != nil {
		return err
	}
	if _, ok := rec.room.Members[userID]; !ok {
		return chaterr.NotFound("%s is not a member", userID)
	}
	rec.room.Members[userID] = role
	return nil
}

func (s *Store) UpdateSettings(ctx context.Context, roomID string, settings model.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.record(roomID)
	if err != nil {
		return err
	}
	rec.room.Settings = settings
	return nil
}

func (s *Store) AddInvite(ctx context.Context, roomID, userID, invitedBy string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.record(roomID)
	if err != nil {
		return err
	}
	rec.invites[userID] = struct{}{}
	return nil
}

func (s *Store) HasInvite(ctx context.Context, roomID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := s.record(roomID)
	if err != nil {
		return false, err
	}
	_, ok := rec.invites[userID]
	return ok, nil
}

func (s *Store) DeleteInvite(ctx context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.record(roomID)
	if err != nil {
		return err
	}
	delete(rec.invites, userID)
	return nil
}

func (s *Store) Pin(ctx context.Context, roomID, messageID, pinnedBy string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.record(roomID)
	if err != nil {
		return err
	}
	if !rec.room.IsPinned(messageID) {
		rec.room.Pinned = append(rec.room.Pinned, messageID)
	}
	return nil
}

func (s *Store) Unpin(ctx context.Context, roomID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.record(roomID)
	if err != nil {
		return err
	}
	kept := rec.room.Pinned[:0]
	for _, id := range rec.room.Pinned {
		if id != messageID {
			kept = append(kept, id)
		}
	}
	rec.room.Pinned = kept
	return nil
}

// UserRooms returns the ids of rooms userID belongs to, sorted.
func (s *Store) UserRooms(ctx context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.fail != nil {
		return nil, s.fail
	}
	ids := make([]string, 0, 4)
	for id, rec := range s.rooms {
		if rec.room.IsMember(userID) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// --- messages ---

func (s *Store) Append(ctx context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.record(m.RoomID)
	if err != nil {
		return err
	}
	if m.ClientMsgID != "" {
		key := clientKey(m.RoomID, m.SenderID, m.ClientMsgID)
		if _, dup := s.clientID[key]; dup {
			return chaterr.ErrDuplicate
		}
		s.clientID[key] = m.ID
	}
	rec.lastSeq++
	m.Sequence = rec.lastSeq
	rec.seqs = append(rec.seqs, m.ID)
	s.messages[m.ID] = m.Clone()
	return nil
}

func (s *Store) message(id string) (*model.Message, error) {
	if s.fail != nil {
		return nil, s.fail
	}
	m, ok := s.messages[id]
	if !ok {
		return nil, chaterr.NotFound("message %s not found", id)
	}
	return m, nil
}

func (s *Store) Get(ctx context.Context, id string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, err := s.message(id)
	if err != nil {
		return nil, err
	}
	return m.Clone(), nil
}

func (s *Store) FindByClientID(ctx context.Context, roomID, senderID, clientMsgID string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.fail != nil {
		return nil, s.fail
	}
	id, ok := s.clientID[clientKey(roomID, senderID, clientMsgID)]
	if !ok {
		return nil, chaterr.NotFound("message not found")
	}
	return s.messages[id].Clone(), nil
}

func (s *Store) UpdateContent(ctx context.Context, id, content string, editedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.message(id)
	if err != nil {
		return err
	}
	if m.IsDeleted() {
		return chaterr.NotFound("message %s was deleted", id)
	}
	m.Content = content
	t := editedAt
	m.EditedAt = &t
	return nil
}

func (s *Store) MarkDeleted(ctx context.Context, id string, deletedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.message(id)
	if err != nil {
		return err
	}
	if m.IsDeleted() {
		return nil
	}
	t := deletedAt
	m.DeletedAt = &t
	m.Content = ""
	m.Attachments = nil
	return nil
}

func (s *Store) AddReaction(ctx context.Context, id, userID, emoji string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.message(id)
	if err != nil {
		return err
	}
	if m.Reactions == nil {
		m.Reactions = model.Reactions{}
	}
	m.Reactions.Add(emoji, userID)
	return nil
}

func (s *Store) RemoveReaction(ctx context.Context, id, userID, emoji string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.message(id)
	if err != nil {
		return err
	}
	m.Reactions.Remove(emoji, userID)
	return nil
}

func (s *Store) After(ctx context.Context, roomID string, since int64, limit int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := s.record(roomID)
	if err != nil {
		return nil, err
	}
	out := make([]model.Message, 0, limit)
	// sequences start at 1, so seqs[i] holds sequence i+1
	for i := int(since); i < len(rec.seqs) && len(out) < limit; i++ {
		out = append(out, *s.messages[rec.seqs[i]].Clone())
	}
	return out, nil
}

func (s *Store) Before(ctx context.Context, roomID string, before int64, limit int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := s.record(roomID)
	if err != nil {
		return nil, err
	}
	start := len(rec.seqs) - 1
	if before > 0 && int(before)-2 < start {
		start = int(before) - 2
	}
	out := make([]model.Message, 0, limit)
	for i := start; i >= 0 && len(out) < limit; i-- {
		out = append(out, *s.messages[rec.seqs[i]].Clone())
	}
	return out, nil
}

// Rooms returns the ids of all rooms, sorted. Used by tests and diagnostics.
func (s *Store) Rooms() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
