package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tmsqd/modbot/models"
)

const profileColumns = `id, login, COALESCE(display_name, ''), COALESCE(profile_image_url, ''), COALESCE(offline_image_url, ''),
	COALESCE(description, ''), COALESCE(broadcaster_type, ''), COALESCE(view_count, 0), updated_at`

// ProfileByID returns a cached Twitch profile.
func (s *Store) ProfileByID(ctx context.Context, id string) (models.Profile, error) {
	return s.profile(ctx, `SELECT `+profileColumns+` FROM twitch_users WHERE id = $1`, id)
}

// ProfileByLogin returns a cached Twitch profile by login name.
func (s *Store) ProfileByLogin(ctx context.Context, login string) (models.Profile, error) {
	return s.profile(ctx, `SELECT `+profileColumns+` FROM twitch_users WHERE login = $1`, login)
}

func (s *Store) profile(ctx context.Context, q, arg string) (models.Profile, error) {
	var p models.Profile
	err := s.db.QueryRowContext(ctx, q, arg).Scan(&p.ID, &p.Login, &p.DisplayName, &p.ProfileImageURL, &p.OfflineImageURL,
		&p.Description, &p.BroadcasterType, &p.ViewCount, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Profile{}, ErrNotFound
	}
	if err != nil {
		return models.Profile{}, fmt.Errorf("profile %s: %w", arg, err)
	}
	return p, nil
}

// UpsertProfile inserts a profile or refreshes the stored copy.
func (s *Store) UpsertProfile(ctx context.Context, p models.Profile) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO twitch_users (id, login, display_name, profile_image_url, offline_image_url, description, broadcaster_type, view_count, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW())
		 ON CONFLICT (id) DO UPDATE SET
			login = EXCLUDED.login,
			display_name = EXCLUDED.display_name,
			profile_image_url = EXCLUDED.profile_image_url,
			offline_image_url = EXCLUDED.offline_image_url,
			description = EXCLUDED.description,
			broadcaster_type = EXCLUDED.broadcaster_type,
			view_count = EXCLUDED.view_count,
			updated_at = NOW()`,
		p.ID, p.Login, p.DisplayName, p.ProfileImageURL, p.OfflineImageURL, p.Description, p.BroadcasterType, p.ViewCount)
	if err != nil {
		return fmt.Errorf("upsert profile %s: %w", p.ID, err)
	}
	return nil
}
