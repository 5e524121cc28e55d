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

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

const messageColumns = `id, room_id, sender_id, sequence, client_msg_id, content, content_type,
	attachments, reply_to_id, created_at, edited_at, deleted_at`

func scanMessage(row pgx.Row, m *model.Message) error {
	return row.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Sequence, &m.ClientMsgID, &m.Content, &m.ContentType,
		&m.Attachments, &m.ReplyToID, &m.CreatedAt, &m.EditedAt, &m.DeletedAt)
}

// Append bumps the room's last_sequence and inserts the message in one transaction,
// so a failed insert never leaves a gap.
func (r *MessageRepository) Append(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Append", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("msgRepo.Append begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var seq int64
	err = tx.QueryRow(ctx,
		`UPDATE rooms SET last_sequence = last_sequence + 1 WHERE id = $1 RETURNING last_sequence`,
		m.RoomID,
	).Scan(&seq)
	if err != nil {
		return mapErr("msgRepo.Append sequence", err)
	}

	attachments := m.Attachments
	if attachments == nil {
		attachments = []model.Attachment{}
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO messages (id, room_id, sender_id, sequence, client_msg_id, content, content_type,
		                       attachments, reply_to_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID, m.RoomID, m.SenderID, seq, m.ClientMsgID, m.Content, m.ContentType,
		attachments, m.ReplyToID, m.CreatedAt,
	)
	if err != nil {
		return mapErr("msgRepo.Append insert", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("msgRepo.Append commit: %w", err)
	}
	m.Sequence = seq
	return nil
}

func (r *MessageRepository) Get(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.Get", time.Now())()
	m := &model.Message{}
	if err := scanMessage(r.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id), m); err != nil {
		return nil, mapErr("msgRepo.Get", err)
	}
	if err := r.attachReactions(ctx, []*model.Message{m}); err != nil {
		return nil, err
	}
	return m, nil
}

func (r *MessageRepository) FindByClientID(ctx context.Context, roomID, senderID, clientMsgID string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.FindByClientID", time.Now())()
	m := &model.Message{}
	err := scanMessage(r.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE room_id = $1 AND sender_id = $2 AND client_msg_id = $3 AND client_msg_id <> ''`,
		roomID, senderID, clientMsgID,
	), m)
	if err != nil {
		return nil, mapErr("msgRepo.FindByClientID", err)
	}
	if err := r.attachReactions(ctx, []*model.Message{m}); err != nil {
		return nil, err
	}
	return m, nil
}

// UpdateContent edits an active message's content and sets edited_at.
func (r *MessageRepository) UpdateContent(ctx context.Context, id, content string, editedAt time.Time) error {
	defer logger.DeferLogDuration("msg.UpdateContent", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE messages SET content = $1, edited_at = $2 WHERE id = $3 AND deleted_at IS NULL`,
		content, editedAt, id,
	)
	if err != nil {
		return mapErr("msgRepo.UpdateContent", err)
	}
	if tag.RowsAffected() == 0 {
		return chaterr.NotFound("message %s not found", id)
	}
	return nil
}

// MarkDeleted tombstones a message and clears its body; the row and its sequence stay.
func (r *MessageRepository) MarkDeleted(ctx context.Context, id string, deletedAt time.Time) error {
	defer logger.DeferLogDuration("msg.MarkDeleted", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE messages SET deleted_at = $1, content = '', attachments = '[]'
		 WHERE id = $2 AND deleted_at IS NULL`,
		deletedAt, id,
	)
	return mapErr("msgRepo.MarkDeleted", err)
}

func (r *MessageRepository) After(ctx context.Context, roomID string, since int64, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.After", time.Now())()
	return r.list(ctx, "msgRepo.After",
		`SELECT `+messageColumns+` FROM messages
		 WHERE room_id = $1 AND sequence > $2
		 ORDER BY sequence ASC
		 LIMIT $3`, roomID, since, limit)
}

func (r *MessageRepository) Before(ctx context.Context, roomID string, before int64, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.Before", time.Now())()
	if before <= 0 {
		return r.list(ctx, "msgRepo.Before",
			`SELECT `+messageColumns+` FROM messages
			 WHERE room_id = $1
			 ORDER BY sequence DESC
			 LIMIT $2`, roomID, limit)
	}
	return r.list(ctx, "msgRepo.Before",
		`SELECT `+messageColumns+` FROM messages
		 WHERE room_id = $1 AND sequence < $2
		 ORDER BY sequence DESC
		 LIMIT $3`, roomID, before, limit)
}

func (r *MessageRepository) list(ctx context.Context, op, query string, args ...any) ([]model.Message, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s query: %w", op, err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, 32)
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("%s scan: %w", op, err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s rows: %w", op, err)
	}

	ptrs := make([]*model.Message, len(messages))
	for i := range messages {
		ptrs[i] = &messages[i]
	}
	if err := r.attachReactions(ctx, ptrs); err != nil {
		return nil, err
	}
	return messages, nil
}
