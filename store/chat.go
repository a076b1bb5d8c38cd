package store

import (
	"context"
	"fmt"

	"github.com/tmsqd/modbot/models"
)

// InsertChatMessage logs one chat line. Replays of the same message id are ignored.
func (s *Store) InsertChatMessage(ctx context.Context, m models.ChatMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_log (id, channel, user_id, login, display_name, color, message, sent_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8) ON CONFLICT (id) DO NOTHING`,
		m.ID, m.Channel, m.UserID, m.Login, nullString(m.DisplayName), nullString(m.Color), m.Text, m.SentAt)
	if err != nil {
		return fmt.Errorf("insert chat message %s: %w", m.ID, err)
	}
	return nil
}

// MarkMessageDeleted flags a logged line as deleted. Unknown ids are ignored.
func (s *Store) MarkMessageDeleted(ctx context.Context, messageID string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE chat_log SET deleted = TRUE WHERE id = $1`, messageID); err != nil {
		return fmt.Errorf("mark message %s deleted: %w", messageID, err)
	}
	return nil
}

// RecentChat returns the user's last limit lines in channel, oldest first.
func (s *Store) RecentChat(ctx context.Context, channel, userID string, limit int) ([]models.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel, user_id, COALESCE(login, ''), COALESCE(display_name, ''), COALESCE(color, ''), COALESCE(message, ''), sent_at, deleted
		 FROM chat_log WHERE channel = $1 AND user_id = $2 ORDER BY sent_at DESC LIMIT $3`,
		channel, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent chat: %w", err)
	}
	defer rows.Close()
	var out []models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.ID, &m.Channel, &m.UserID, &m.Login, &m.DisplayName, &m.Color, &m.Text, &m.SentAt, &m.Deleted); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ChannelActivity returns, per channel, the last time the user chatted,
// most recent first.
func (s *Store) ChannelActivity(ctx context.Context, userID string, limit int) ([]models.ChannelActivity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel, MAX(sent_at) AS last_active FROM chat_log WHERE user_id = $1
		 GROUP BY channel ORDER BY last_active DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("channel activity: %w", err)
	}
	defer rows.Close()
	var out []models.ChannelActivity
	for rows.Next() {
		var a models.ChannelActivity
		if err := rows.Scan(&a.Channel, &a.LastActive); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
