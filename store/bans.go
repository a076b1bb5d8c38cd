package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tmsqd/modbot/models"
)

// InsertBan records an active ban and returns its id.
func (s *Store) InsertBan(ctx context.Context, b models.BanRecord) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO bans (channel, streamer_id, user_id, username, reason, banned_at, active)
		 VALUES ($1,$2,$3,$4,$5,$6,TRUE) RETURNING id`,
		b.Channel, b.StreamerID, b.UserID, b.Username, nullString(b.Reason), b.BannedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert ban %s/%s: %w", b.Channel, b.UserID, err)
	}
	return id, nil
}

// InsertTimeout records an active timeout and returns its id.
func (s *Store) InsertTimeout(ctx context.Context, t models.TimeoutRecord) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO timeouts (channel, streamer_id, user_id, username, reason, duration_seconds, timed_out_at, active)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,TRUE) RETURNING id`,
		t.Channel, t.StreamerID, t.UserID, t.Username, nullString(t.Reason), int64(t.Duration/time.Second), t.TimedOutAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert timeout %s/%s: %w", t.Channel, t.UserID, err)
	}
	return id, nil
}

// AttachBanNotification stores the id of the message posted about a ban.
func (s *Store) AttachBanNotification(ctx context.Context, banID int64, notificationID string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE bans SET notification_id = $1 WHERE id = $2`, notificationID, banID); err != nil {
		return fmt.Errorf("attach notification to ban %d: %w", banID, err)
	}
	return nil
}

// ActiveBans returns every ban still flagged active.
func (s *Store) ActiveBans(ctx context.Context) ([]models.Restriction, error) {
	return s.activeRestrictions(ctx, `SELECT channel, user_id, username, 0 FROM bans WHERE active`)
}

// ActiveTimeouts returns every timeout still flagged active.
func (s *Store) ActiveTimeouts(ctx context.Context) ([]models.Restriction, error) {
	return s.activeRestrictions(ctx, `SELECT channel, user_id, username, duration_seconds FROM timeouts WHERE active`)
}

func (s *Store) activeRestrictions(ctx context.Context, q string) ([]models.Restriction, error) {
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("load active restrictions: %w", err)
	}
	defer rows.Close()
	var out []models.Restriction
	for rows.Next() {
		var (
			r    models.Restriction
			secs int64
		)
		if err := rows.Scan(&r.Channel, &r.UserID, &r.Username, &secs); err != nil {
			return nil, fmt.Errorf("scan restriction: %w", err)
		}
		r.Duration = time.Duration(secs) * time.Second
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeactivateBans clears the active flag on the user's bans in channel.
func (s *Store) DeactivateBans(ctx context.Context, channel, userID string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE bans SET active = FALSE WHERE channel = $1 AND user_id = $2 AND active`, channel, userID); err != nil {
		return fmt.Errorf("deactivate bans: %w", err)
	}
	return nil
}

// DeactivateTimeouts clears the active flag on the user's timeouts in channel.
func (s *Store) DeactivateTimeouts(ctx context.Context, channel, userID string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE timeouts SET active = FALSE WHERE channel = $1 AND user_id = $2 AND active`, channel, userID); err != nil {
		return fmt.Errorf("deactivate timeouts: %w", err)
	}
	return nil
}

// ActiveBanChannels lists the channels where the user has an active ban.
func (s *Store) ActiveBanChannels(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT channel FROM bans WHERE user_id = $1 AND active ORDER BY channel`, userID)
	if err != nil {
		return nil, fmt.Errorf("active ban channels: %w", err)
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

const banColumns = `id, channel, streamer_id, user_id, username, COALESCE(reason, ''), banned_at, COALESCE(notification_id, ''), active`

func scanBan(sc interface{ Scan(...any) error }) (models.BanRecord, error) {
	var b models.BanRecord
	err := sc.Scan(&b.ID, &b.Channel, &b.StreamerID, &b.UserID, &b.Username, &b.Reason, &b.BannedAt, &b.NotificationID, &b.Active)
	return b, err
}

// BanByNotification finds the ban a notification message was posted for.
func (s *Store) BanByNotification(ctx context.Context, notificationID string) (models.BanRecord, error) {
	b, err := scanBan(s.db.QueryRowContext(ctx, `SELECT `+banColumns+` FROM bans WHERE notification_id = $1`, notificationID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.BanRecord{}, ErrNotFound
	}
	if err != nil {
		return models.BanRecord{}, fmt.Errorf("ban by notification %s: %w", notificationID, err)
	}
	return b, nil
}

// BansForUser returns the user's bans, newest first.
func (s *Store) BansForUser(ctx context.Context, userID string) ([]models.BanRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+banColumns+` FROM bans WHERE user_id = $1 ORDER BY banned_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("bans for user: %w", err)
	}
	defer rows.Close()
	var out []models.BanRecord
	for rows.Next() {
		b, err := scanBan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ban: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
