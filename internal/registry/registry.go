// Package registry is the room directory: member roles, room settings, invites and pins.
//
// Reads go straight to the Backend. Mutations take the *model.Room held by the room's
// owning worker, check the permission rules, persist, and then update that room in place,
// so the caller's copy is never ahead of the store.
package registry

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

type Backend interface {
	CreateRoom(ctx context.Context, r *model.Room) error
	GetRoom(ctx context.Context, id string) (*model.Room, error)
	FindDirect(ctx context.Context, key string) (*model.Room, error)
	AddMember(ctx context.Context, roomID, userID string, role model.Role, at time.Time) error
	RemoveMember(ctx context.Context, roomID, userID string) error
	SetRole(ctx context.Context, roomID, userID string, role model.Role) error
	UpdateSettings(ctx context.Context, roomID string, s model.Settings) error
	AddInvite(ctx context.Context, roomID, userID, invitedBy string, at time.Time) error
	HasInvite(ctx context.Context, roomID, userID string) (bool, error)
	DeleteInvite(ctx context.Context, roomID, userID string) error
	Pin(ctx context.Context, roomID, messageID, pinnedBy string, at time.Time) error
	Unpin(ctx context.Context, roomID, messageID string) error
	UserRooms(ctx context.Context, userID string) ([]string, error)
}

const (
	maxNameLength   = 200
	maxSlowMode     = 6 * 60 * 60
	maxPinned       = 50
	maxInitialUsers = 500
)

type Registry struct {
	backend Backend
	policy  retry.Policy
	now     func() time.Time
}

type Option func(*Registry)

func WithRetry(p retry.Policy) Option {
	return func(r *Registry) { r.policy = p }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func New(backend Backend, opts ...Option) *Registry {
	r := &Registry{backend: backend, policy: retry.Default, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Registry) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return r.policy.Do(ctx, "registry."+op, fn)
}

// CreateRoom describes a non-direct room. Members join with the member role; the creator is owner.
type CreateRoom struct {
	Type      model.RoomType
	Name      string
	RefID     string
	CreatorID string
	Settings  *model.Settings
	Members   []string
}

func validateSettings(s model.Settings) error {
	if s.SlowModeSeconds < 0 || s.SlowModeSeconds > maxSlowMode {
		return chaterr.Validation("slow mode must be between 0 and %d seconds", maxSlowMode)
	}
	return nil
}

func (r *Registry) Create(ctx context.Context, req CreateRoom) (*model.Room, error) {
	if req.CreatorID == "" {
		return nil, chaterr.Validation("creator is required")
	}
	if !req.Type.Valid() {
		return nil, chaterr.Validation("unknown room type %q", req.Type)
	}
	if req.Type == model.RoomTypeDirect {
		return nil, chaterr.Validation("direct rooms are created from a direct message")
	}
	name := strings.TrimSpace(req.Name)
	if name == "" && req.RefID == "" {
		return nil, chaterr.Validation("name is required")
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return nil, chaterr.Validation("name exceeds %d characters", maxNameLength)
	}
	if (req.Type == model.RoomTypeEvent || req.Type == model.RoomTypeCommunity) && req.RefID == "" {
		return nil, chaterr.Validation("%s rooms need a reference id", req.Type)
	}
	if len(req.Members) > maxInitialUsers {
		return nil, chaterr.Validation("at most %d initial members", maxInitialUsers)
	}
	settings := model.DefaultSettings()
	if req.Settings != nil {
		settings = *req.Settings
	}
	if err := validateSettings(settings); err != nil {
		return nil, err
	}

	room := &model.Room{
		ID:        uuid.New().String(),
		Type:      req.Type,
		Name:      name,
		RefID:     req.RefID,
		CreatedBy: req.CreatorID,
		CreatedAt: r.now().UTC(),
		Settings:  settings,
		Members:   map[string]model.Role{req.CreatorID: model.RoleOwner},
		Pinned:    []string{},
	}
	for _, id := range req.Members {
		if id == "" || id == req.CreatorID {
			continue
		}
		room.Members[id] = model.RoleMember
	}
	if err := r.do(ctx, "create", func(ctx context.Context) error {
		return r.backend.CreateRoom(ctx, room)
	}); err != nil {
		return nil, err
	}
	return room, nil
}

// GetOrCreateDirect returns the direct room between a and b, creating it on first use.
func (r *Registry) GetOrCreateDirect(ctx context.Context, a, b string) (*model.Room, error) {
	if a == "" || b == "" {
		return nil, chaterr.Validation("both users are required")
	}
	if a == b {
		return nil, chaterr.Validation("cannot open a direct room with yourself")
	}
	key := model.DirectKey(a, b)
	if room, err := r.findDirect(ctx, key); err == nil || !errors.Is(err, chaterr.ErrNotFound) {
		return room, err
	}

	room := &model.Room{
		ID:        uuid.New().String(),
		Type:      model.RoomTypeDirect,
		DirectKey: key,
		CreatedBy: a,
		CreatedAt: r.now().UTC(),
		Settings:  model.Settings{IsPrivate: true, AllowFileSharing: true},
		Members:   map[string]model.Role{a: model.RoleMember, b: model.RoleMember},
		Pinned:    []string{},
	}
	err := r.do(ctx, "create_direct", func(ctx context.Context) error {
		return r.backend.CreateRoom(ctx, room)
	})
	if errors.Is(err, chaterr.ErrDuplicate) {
		// another connection created it first
		return r.findDirect(ctx, key)
	}
	if err != nil {
		return nil, err
	}
	return room, nil
}

func (r *Registry) findDirect(ctx context.Context, key string) (*model.Room, error) {
	var room *model.Room
	err := r.do(ctx, "find_direct", func(ctx context.Context) error {
		var err error
		room, err = r.backend.FindDirect(ctx, key)
		return err
	})
	return room, err
}

func (r *Registry) Get(ctx context.Context, id string) (*model.Room, error) {
	if id == "" {
		return nil, chaterr.Validation("room id is required")
	}
	var room *model.Room
	err := r.do(ctx, "get", func(ctx context.Context) error {
		var err error
		room, err = r.backend.GetRoom(ctx, id)
		return err
	})
	return room, err
}

func (r *Registry) UserRooms(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := r.do(ctx, "user_rooms", func(ctx context.Context) error {
		var err error
		ids, err = r.backend.UserRooms(ctx, userID)
		return err
	})
	return ids, err
}

// Join adds userID as a member. Private rooms need a pending invite, which is consumed.
// Joining a room twice is a no-op (joined=false).
func (r *Registry) Join(ctx context.Context, room *model.Room, userID string) (bool, error) {
	if room.IsMember(userID) {
		return false, nil
	}
	if room.Type == model.RoomTypeDirect {
		return false, chaterr.Forbidden("direct rooms are closed")
	}
	invited := false
	if room.Settings.IsPrivate {
		if err := r.do(ctx, "has_invite", func(ctx context.Context) error {
			var err error
			invited, err = r.backend.HasInvite(ctx, room.ID, userID)
			return err
		}); err != nil {
			return false, err
		}
		if !invited {
			return false, chaterr.Forbidden("room is private")
		}
	}
	if err := r.do(ctx, "join", func(ctx context.Context) error {
		return r.backend.AddMember(ctx, room.ID, userID, model.RoleMember, r.now().UTC())
	}); err != nil {
		return false, err
	}
	room.Members[userID] = model.RoleMember
	if invited {
		if err := r.do(ctx, "delete_invite", func(ctx context.Context) error {
			return r.backend.DeleteInvite(ctx, room.ID, userID)
		}); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Leave removes userID. The owner may leave voluntarily; nobody else can remove them.
func (r *Registry) Leave(ctx context.Context, room *model.Room, userID string) (bool, error) {
	if !room.IsMember(userID) {
		return false, nil
	}
	if err := r.do(ctx, "leave", func(ctx context.Context) error {
		return r.backend.RemoveMember(ctx, room.ID, userID)
	}); err != nil {
		return false, err
	}
	delete(room.Members, userID)
	return true, nil
}

func outranks(a, b model.Role) bool { return a.AtLeast(b) && a != b }

// SetRole changes targetID's role. The actor must be at least admin and outrank the target;
// the owner role is never granted nor taken here.
func (r *Registry) SetRole(ctx context.Context, room *model.Room, actorID, targetID string, role model.Role) error {
	if !role.Valid() {
		return chaterr.Validation("unknown role %q", role)
	}
	if role == model.RoleOwner {
		return chaterr.Forbidden("ownership cannot be granted")
	}
	actorRole, ok := room.RoleOf(actorID)
	if !ok || !actorRole.AtLeast(model.RoleAdmin) {
		return chaterr.Forbidden("only owners and admins can change roles")
	}
	targetRole, ok := room.RoleOf(targetID)
	if !ok {
		return chaterr.NotFound("%s is not a member", targetID)
	}
	if targetRole == model.RoleOwner {
		return chaterr.Forbidden("the owner role cannot be revoked")
	}
	if !outranks(actorRole, targetRole) || !actorRole.AtLeast(role) {
		return chaterr.Forbidden("insufficient role")
	}
	if targetRole == role {
		return nil
	}
	if err := r.do(ctx, "set_role", func(ctx context.Context) error {
		return r.backend.SetRole(ctx, room.ID, targetID, role)
	}); err != nil {
		return err
	}
	room.Members[targetID] = role
	return nil
}

func (r *Registry) UpdateSettings(ctx context.Context, room *model.Room, actorID string, s model.Settings) error {
	actorRole, ok := room.RoleOf(actorID)
	if !ok || !actorRole.AtLeast(model.RoleAdmin) {
		return chaterr.Forbidden("only owners and admins can change settings")
	}
	if err := validateSettings(s); err != nil {
		return err
	}
	if room.Type == model.RoomTypeDirect && !s.IsPrivate {
		return chaterr.Validation("direct rooms are always private")
	}
	if err := r.do(ctx, "update_settings", func(ctx context.Context) error {
		return r.backend.UpdateSettings(ctx, room.ID, s)
	}); err != nil {
		return err
	}
	room.Settings = s
	return nil
}

// Invite records a pending invite for userID. Members can invite when the room allows it;
// admins always can.
func (r *Registry) Invite(ctx context.Context, room *model.Room, actorID, userID string) error {
	if userID == "" {
		return chaterr.Validation("user is required")
	}
	if room.Type == model.RoomTypeDirect {
		return chaterr.Forbidden("direct rooms are closed")
	}
	actorRole, ok := room.RoleOf(actorID)
	if !ok {
		return chaterr.Forbidden("not a member")
	}
	if !room.Settings.AllowInvites && !actorRole.AtLeast(model.RoleAdmin) {
		return chaterr.Forbidden("invites are disabled in this room")
	}
	if room.IsMember(userID) {
		return nil
	}
	return r.do(ctx, "invite", func(ctx context.Context) error {
		return r.backend.AddInvite(ctx, room.ID, userID, actorID, r.now().UTC())
	})
}

// CanModerate reports whether userID may delete others' messages and pin in room.
func CanModerate(room *model.Room, userID string) bool {
	role, ok := room.RoleOf(userID)
	return ok && role.AtLeast(model.RoleModerator)
}

// CanEditOthers reports whether userID may edit messages they did not write.
func CanEditOthers(room *model.Room, userID string) bool {
	return room.Settings.ModeratorsCanEdit && CanModerate(room, userID)
}

func canPin(room *model.Room, userID string) bool {
	if room.Type == model.RoomTypeDirect {
		return room.IsMember(userID)
	}
	return CanModerate(room, userID)
}

// Pin appends messageID to the pinned list. The caller checks that the message belongs to the room.
func (r *Registry) Pin(ctx context.Context, room *model.Room, actorID, messageID string) (bool, error) {
	if !canPin(room, actorID) {
		return false, chaterr.Forbidden("insufficient role to pin")
	}
	if room.IsPinned(messageID) {
		return false, nil
	}
	if len(room.Pinned) >= maxPinned {
		return false, chaterr.Validation("at most %d pinned messages", maxPinned)
	}
	if err := r.do(ctx, "pin", func(ctx context.Context) error {
		return r.backend.Pin(ctx, room.ID, messageID, actorID, r.now().UTC())
	}); err != nil {
		return false, err
	}
	room.Pinned = append(room.Pinned, messageID)
	return true, nil
}

func (r *Registry) Unpin(ctx context.Context, room *model.Room, actorID, messageID string) (bool, error) {
	if !canPin(room, actorID) {
		return false, chaterr.Forbidden("insufficient role to unpin")
	}
	if !room.IsPinned(messageID) {
		return false, nil
	}
	if err := r.do(ctx, "unpin", func(ctx context.Context) error {
		return r.backend.Unpin(ctx, room.ID, messageID)
	}); err != nil {
		return false, err
	}
	kept := make([]string, 0, len(room.Pinned))
	for _, id := range room.Pinned {
		if id != messageID {
			kept = append(kept, id)
		}
	}
	room.Pinned = kept
	return true, nil
}
