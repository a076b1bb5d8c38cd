// Package store is the Postgres repository for chat logs, moderation records,
// moderators and crossban proposals.
package store

import (
	"database/sql"
	"errors"

	"github.com/tmsqd/modbot/telemetry"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Store wraps a *sql.DB opened with the pgx driver.
type Store struct {
	db *sql.DB
}

// New returns a Store over db.
func New(db *sql.DB) *Store { return &Store{db: db} }

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// ReportPoolStats publishes connection pool gauges.
func (s *Store) ReportPoolStats() {
	st := s.db.Stats()
	telemetry.UpdateDatabasePoolMetrics(st.OpenConnections, st.InUse)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
