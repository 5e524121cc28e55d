package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/roomchat/internal/chaterr"
	"github.com/roomchat/internal/logger"
	"github.com/roomchat/internal/model"
)

type RoomRepository struct {
	pool *pgxpool.Pool
}

func NewRoomRepository(pool *pgxpool.Pool) *RoomRepository {
	return &RoomRepository{pool: pool}
}

const roomColumns = `id, room_type, name, ref_id, COALESCE(direct_key, ''), created_by, created_at,
	is_private, allow_invites, allow_file_sharing, slow_mode_seconds, moderators_can_edit`

// CreateRoom inserts the room and its initial members in one transaction.
// A taken direct key yields chaterr.ErrDuplicate.
func (r *RoomRepository) CreateRoom(ctx context.Context, room *model.Room) error {
	defer logger.DeferLogDuration("room.CreateRoom", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("roomRepo.CreateRoom begin: %w", err)
	}
	defer tx.Rollback(ctx)

	s := room.Settings
	_, err = tx.Exec(ctx,
		`INSERT INTO rooms (id, room_type, name, ref_id, direct_key, created_by, created_at,
		                    is_private, allow_invites, allow_file_sharing, slow_mode_seconds, moderators_can_edit)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, $11, $12)`,
		room.ID, room.Type, room.Name, room.RefID, room.DirectKey, room.CreatedBy, room.CreatedAt,
		s.IsPrivate, s.AllowInvites, s.AllowFileSharing, s.SlowModeSeconds, s.ModeratorsCanEdit,
	)
	if err != nil {
		return mapErr("roomRepo.CreateRoom", err)
	}
	for userID, role := range room.Members {
		if _, err := tx.Exec(ctx,
			`INSERT INTO room_members (room_id, user_id, role, joined_at) VALUES ($1, $2, $3, $4)`,
			room.ID, userID, role, room.CreatedAt,
		); err != nil {
			return mapErr("roomRepo.CreateRoom member", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("roomRepo.CreateRoom commit: %w", err)
	}
	return nil
}

func (r *RoomRepository) GetRoom(ctx context.Context, id string) (*model.Room, error) {
	defer logger.DeferLogDuration("room.GetRoom", time.Now())()
	return r.load(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1`, id)
}

func (r *RoomRepository) FindDirect(ctx context.Context, key string) (*model.Room, error) {
	defer logger.DeferLogDuration("room.FindDirect", time.Now())()
	return r.load(ctx, `SELECT `+roomColumns+` FROM rooms WHERE direct_key = $1`, key)
}

func (r *RoomRepository) load(ctx context.Context, query string, arg string) (*model.Room, error) {
	room := &model.Room{Members: make(map[string]model.Role)}
	s := &room.Settings
	err := r.pool.QueryRow(ctx, query, arg).Scan(
		&room.ID, &room.Type, &room.Name, &room.RefID, &room.DirectKey, &room.CreatedBy, &room.CreatedAt,
		&s.IsPrivate, &s.AllowInvites, &s.AllowFileSharing, &s.SlowModeSeconds, &s.ModeratorsCanEdit,
	)
	if err != nil {
		return nil, mapErr("roomRepo.load", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT user_id, role FROM room_members WHERE room_id = $1 ORDER BY joined_at`, room.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("roomRepo.load members query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var userID string
		var role model.Role
		if err := rows.Scan(&userID, &role); err != nil {
			return nil, fmt.Errorf("roomRepo.load members scan: %w", err)
		}
		room.Members[userID] = role
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("roomRepo.load members rows: %w", err)
	}

	pinned, err := r.pinnedIDs(ctx, room.ID)
	if err != nil {
		return nil, err
	}
	room.Pinned = pinned
	return room, nil
}

func (r *RoomRepository) AddMember(ctx context.Context, roomID, userID string, role model.Role, at time.Time) error {
	defer logger.DeferLogDuration("room.AddMember", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO room_members (room_id, user_id, role, joined_at)
		 VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
		roomID, userID, role, at,
	)
	return mapErr("roomRepo.AddMember", err)
}

func (r *RoomRepository) RemoveMember(ctx context.Context, roomID, userID string) error {
	defer logger.DeferLogDuration("room.RemoveMember", time.Now())()
	_, err := r.pool.Exec(ctx,
		`DELETE FROM room_members WHERE room_id = $1 AND user_id = $2`,
		roomID, userID,
	)
	return mapErr("roomRepo.RemoveMember", err)
}

func (r *RoomRepository) SetRole(ctx context.Context, roomID, userID string, role model.Role) error {
	defer logger.DeferLogDuration("room.SetRole", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE room_members SET role = $1 WHERE room_id = $2 AND user_id = $3`,
		role, roomID, userID,
	)
	if err != nil {
		return mapErr("roomRepo.SetRole", err)
	}
	if tag.RowsAffected() == 0 {
		return chaterr.NotFound("%s is not a member", userID)
	}
	return nil
}

func (r *RoomRepository) UpdateSettings(ctx context.Context, roomID string, s model.Settings) error {
	defer logger.DeferLogDuration("room.UpdateSettings", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE rooms SET is_private = $1, allow_invites = $2, allow_file_sharing = $3,
		                  slow_mode_seconds = $4, moderators_can_edit = $5
		 WHERE id = $6`,
		s.IsPrivate, s.AllowInvites, s.AllowFileSharing, s.SlowModeSeconds, s.ModeratorsCanEdit, roomID,
	)
	if err != nil {
		return mapErr("roomRepo.UpdateSettings", err)
	}
	if tag.RowsAffected() == 0 {
		return chaterr.NotFound("room %s not found", roomID)
	}
	return nil
}

func (r *RoomRepository) AddInvite(ctx context.Context, roomID, userID, invitedBy string, at time.Time) error {
	defer logger.DeferLogDuration("room.AddInvite", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO room_invites (room_id, user_id, invited_by, invited_at)
		 VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
		roomID, userID, invitedBy, at,
	)
	return mapErr("roomRepo.AddInvite", err)
}

func (r *RoomRepository) HasInvite(ctx context.Context, roomID, userID string) (bool, error) {
	defer logger.DeferLogDuration("room.HasInvite", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM room_invites WHERE room_id = $1 AND user_id = $2)`,
		roomID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("roomRepo.HasInvite: %w", err)
	}
	return exists, nil
}

func (r *RoomRepository) DeleteInvite(ctx context.Context, roomID, userID string) error {
	defer logger.DeferLogDuration("room.DeleteInvite", time.Now())()
	_, err := r.pool.Exec(ctx,
		`DELETE FROM room_invites WHERE room_id = $1 AND user_id = $2`,
		roomID, userID,
	)
	return mapErr("roomRepo.DeleteInvite", err)
}

// UserRooms returns the ids of rooms userID belongs to, newest membership first.
func (r *RoomRepository) UserRooms(ctx context.Context, userID string) ([]string, error) {
	defer logger.DeferLogDuration("room.UserRooms", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT room_id FROM room_members WHERE user_id = $1 ORDER BY joined_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("roomRepo.UserRooms query: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("roomRepo.UserRooms rows: %w", err)
	}
	return ids, nil
}
