package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tmsqd/modbot/models"
)

// ModeratorByDiscordID returns the moderator linked to a Discord account.
func (s *Store) ModeratorByDiscordID(ctx context.Context, discordID string) (models.Moderator, error) {
	var m models.Moderator
	err := s.db.QueryRowContext(ctx,
		`SELECT id, discord_id, COALESCE(twitch_id, ''), COALESCE(display_name, '') FROM moderators WHERE discord_id = $1`,
		discordID).Scan(&m.ID, &m.DiscordID, &m.TwitchID, &m.DisplayName)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Moderator{}, ErrNotFound
	}
	if err != nil {
		return models.Moderator{}, fmt.Errorf("moderator %s: %w", discordID, err)
	}
	return m, nil
}

// ModeratedChannels lists the channels a moderator covers.
func (s *Store) ModeratedChannels(ctx context.Context, moderatorID int64) ([]string, error) {
	return s.channels(ctx, `SELECT channel FROM moderator_channels WHERE moderator_id = $1 ORDER BY channel`, moderatorID)
}

// CoveredChannels lists every channel any moderator covers.
func (s *Store) CoveredChannels(ctx context.Context) ([]string, error) {
	return s.channels(ctx, `SELECT DISTINCT channel FROM moderator_channels ORDER BY channel`)
}

func (s *Store) channels(ctx context.Context, q string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var ch string
		if err := rows.Scan(&ch); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// UpsertModerator links a Discord account to a Twitch account and returns
// the moderator id. A known Discord id keeps its id.
func (s *Store) UpsertModerator(ctx context.Context, m models.Moderator) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO moderators (discord_id, twitch_id, display_name) VALUES ($1,$2,$3)
		 ON CONFLICT (discord_id) DO UPDATE SET twitch_id = EXCLUDED.twitch_id, display_name = EXCLUDED.display_name
		 RETURNING id`,
		m.DiscordID, nullString(m.TwitchID), nullString(m.DisplayName)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert moderator %s: %w", m.DiscordID, err)
	}
	return id, nil
}

// SetModeratorChannels replaces the channels a moderator covers.
func (s *Store) SetModeratorChannels(ctx context.Context, moderatorID int64, channels []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin moderator channels tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM moderator_channels WHERE moderator_id = $1`, moderatorID); err != nil {
		return fmt.Errorf("clear moderator channels: %w", err)
	}
	for _, ch := range channels {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO moderator_channels (moderator_id, channel) VALUES ($1,$2) ON CONFLICT DO NOTHING`,
			moderatorID, models.NormalizeChannel(ch)); err != nil {
			return fmt.Errorf("add moderator channel %s: %w", ch, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit moderator channels: %w", err)
	}
	return nil
}

// InsertComment stores a moderator's note about a banned user.
func (s *Store) InsertComment(ctx context.Context, c models.Comment) (int64, error) {
	var banID sql.NullInt64
	if c.BanID != 0 {
		banID = sql.NullInt64{Int64: c.BanID, Valid: true}
	}
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO comments (moderator_id, target_user_id, target_username, ban_id, message_id, body)
		 VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		c.ModeratorID, c.TargetUserID, nullString(c.TargetUsername), banID, nullString(c.MessageID), c.Body).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert comment: %w", err)
	}
	return id, nil
}

// CommentsForUser returns moderator notes about a user, oldest first.
func (s *Store) CommentsForUser(ctx context.Context, userID string) ([]models.Comment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, moderator_id, target_user_id, COALESCE(target_username, ''), COALESCE(ban_id, 0), COALESCE(message_id, ''), body, created_at
		 FROM comments WHERE target_user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("comments for user: %w", err)
	}
	defer rows.Close()
	var out []models.Comment
	for rows.Next() {
		var c models.Comment
		if err := rows.Scan(&c.ID, &c.ModeratorID, &c.TargetUserID, &c.TargetUsername, &c.BanID, &c.MessageID, &c.Body, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
