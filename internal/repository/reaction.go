package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/roomchat/internal/logger"
	"github.com/roomchat/internal/model"
)

func (r *MessageRepository) AddReaction(ctx context.Context, messageID, userID, emoji string) error {
	defer logger.DeferLogDuration("reaction.Add", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO message_reactions (message_id, user_id, emoji)
		 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		messageID, userID, emoji,
	)
	return mapErr("reactionRepo.Add", err)
}

func (r *MessageRepository) RemoveReaction(ctx context.Context, messageID, userID, emoji string) error {
	defer logger.DeferLogDuration("reaction.Remove", time.Now())()
	_, err := r.pool.Exec(ctx,
		`DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3`,
		messageID, userID, emoji,
	)
	return mapErr("reactionRepo.Remove", err)
}

// attachReactions loads the reaction sets of msgs with a single query.
func (r *MessageRepository) attachReactions(ctx context.Context, msgs []*model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	byID := make(map[string]*model.Message, len(msgs))
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		m.Reactions = model.Reactions{}
		byID[m.ID] = m
		ids = append(ids, m.ID)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT message_id, user_id, emoji FROM message_reactions
		 WHERE message_id = ANY($1)
		 ORDER BY created_at`, ids,
	)
	if err != nil {
		return fmt.Errorf("reactionRepo.attach query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var messageID, userID, emoji string
		if err := rows.Scan(&messageID, &userID, &emoji); err != nil {
			return fmt.Errorf("reactionRepo.attach scan: %w", err)
		}
		if m, ok := byID[messageID]; ok {
			m.Reactions.Add(emoji, userID)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("reactionRepo.attach rows: %w", err)
	}
	return nil
}
