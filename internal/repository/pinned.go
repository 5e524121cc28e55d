package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/roomchat/internal/logger"
)

func (r *RoomRepository) Pin(ctx context.Context, roomID, messageID, pinnedBy string, at time.Time) error {
	defer logger.DeferLogDuration("pinned.Pin", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO pinned_messages (room_id, message_id, pinned_by, pinned_at)
		 VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
		roomID, messageID, pinnedBy, at,
	)
	return mapErr("pinnedRepo.Pin", err)
}

func (r *RoomRepository) Unpin(ctx context.Context, roomID, messageID string) error {
	defer logger.DeferLogDuration("pinned.Unpin", time.Now())()
	_, err := r.pool.Exec(ctx,
		`DELETE FROM pinned_messages WHERE room_id = $1 AND message_id = $2`,
		roomID, messageID,
	)
	return mapErr("pinnedRepo.Unpin", err)
}

// pinnedIDs lists pinned message ids in pin order.
func (r *RoomRepository) pinnedIDs(ctx context.Context, roomID string) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT message_id FROM pinned_messages WHERE room_id = $1 ORDER BY pinned_at, message_id`, roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("pinnedRepo.pinnedIDs query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 4)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("pinnedRepo.pinnedIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pinnedRepo.pinnedIDs rows: %w", err)
	}
	return ids, nil
}
