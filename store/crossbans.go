package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tmsqd/modbot/models"
)

// InsertCrossbans writes one proposal batch in a single transaction. The
// returned rows carry their ids and the batch id shared by all of them.
func (s *Store) InsertCrossbans(ctx context.Context, rows []models.CrossbanProposal) ([]models.CrossbanProposal, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	batch := uuid.New()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin crossban tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	out := make([]models.CrossbanProposal, 0, len(rows))
	for _, r := range rows {
		err := tx.QueryRowContext(ctx,
			`INSERT INTO crossbans (batch_id, username, user_id, channel, origin_channel, moderator_id)
			 VALUES ($1,$2,$3,$4,$5,$6) RETURNING id, created_at`,
			batch, r.Username, r.UserID, r.Channel, r.OriginChannel, r.ModeratorID).Scan(&r.ID, &r.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("insert crossban %s/%s: %w", r.Channel, r.UserID, err)
		}
		r.BatchID = batch.String()
		out = append(out, r)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit crossbans: %w", err)
	}
	return out, nil
}

// SetCrossbanAlert backfills the confirmation message id on every row of a batch.
func (s *Store) SetCrossbanAlert(ctx context.Context, batchID, alertID string) error {
	id, err := uuid.Parse(batchID)
	if err != nil {
		return fmt.Errorf("batch id %q: %w", batchID, err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE crossbans SET alert_message_id = $1 WHERE batch_id = $2`, alertID, id); err != nil {
		return fmt.Errorf("set crossban alert: %w", err)
	}
	return nil
}

// CancelCrossbans deletes every unfulfilled row keyed by alertID in one
// statement and reports how many were removed.
func (s *Store) CancelCrossbans(ctx context.Context, alertID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM crossbans WHERE alert_message_id = $1 AND fulfilled = FALSE`, alertID)
	if err != nil {
		return 0, fmt.Errorf("cancel crossbans %s: %w", alertID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// PendingCrossbans returns unfulfilled rows created at or before cutoff.
func (s *Store) PendingCrossbans(ctx context.Context, cutoff time.Time) ([]models.CrossbanProposal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, batch_id, username, user_id, channel, origin_channel, moderator_id, COALESCE(alert_message_id, ''), created_at
		 FROM crossbans WHERE fulfilled = FALSE AND created_at <= $1 ORDER BY id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("pending crossbans: %w", err)
	}
	defer rows.Close()
	var out []models.CrossbanProposal
	for rows.Next() {
		var (
			p     models.CrossbanProposal
			batch uuid.UUID
		)
		if err := rows.Scan(&p.ID, &batch, &p.Username, &p.UserID, &p.Channel, &p.OriginChannel, &p.ModeratorID, &p.AlertMessageID, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan crossban: %w", err)
		}
		p.BatchID = batch.String()
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkCrossbanFulfilled flips a pending row to fulfilled. Rows already
// fulfilled or cancelled are left alone.
func (s *Store) MarkCrossbanFulfilled(ctx context.Context, id int64, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE crossbans SET fulfilled = TRUE, fulfilled_at = $1 WHERE id = $2 AND fulfilled = FALSE`, at, id); err != nil {
		return fmt.Errorf("mark crossban %d fulfilled: %w", id, err)
	}
	return nil
}

// PermalinkFor returns the user's permalink, creating it on first use.
func (s *Store) PermalinkFor(ctx context.Context, userID string) (string, error) {
	var link uuid.UUID
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO permalinks (link, user_id) VALUES ($1, $2)
		 ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id RETURNING link`,
		uuid.New(), userID).Scan(&link)
	if err != nil {
		return "", fmt.Errorf("permalink for %s: %w", userID, err)
	}
	return link.String(), nil
}

// ResolvePermalink returns the user id behind a permalink.
func (s *Store) ResolvePermalink(ctx context.Context, link string) (string, error) {
	id, err := uuid.Parse(link)
	if err != nil {
		return "", ErrNotFound
	}
	var userID string
	err = s.db.QueryRowContext(ctx, `SELECT user_id FROM permalinks WHERE link = $1`, id).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve permalink: %w", err)
	}
	return userID, nil
}
