// Package main provides a CLI tool that encrypts OAuth tokens stored in
// plaintext (encryption_version=0) with ENCRYPTION_KEY.
//
// Usage:
//
//	migrate-tokens [--dry-run] [--provider PROVIDER]
//
// Flags:
//
//	--dry-run:  Show what would be encrypted without making changes
//	--provider: Encrypt the token of one provider only (default: all)
//
// Environment Variables:
//
//	DB_DSN:         Database connection string (required)
//	ENCRYPTION_KEY: Base64-encoded 32-byte encryption key (required)
//
// Example:
//
//	export ENCRYPTION_KEY="$(openssl rand -base64 32)"
//	./migrate-tokens --dry-run
//	./migrate-tokens
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/tmsqd/modbot/config"
	"github.com/tmsqd/modbot/crypto"
	"github.com/tmsqd/modbot/db"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be encrypted without making changes")
	provider := flag.String("provider", "", "Encrypt the token of one provider only (default: all)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if cfg.EncryptionKey == "" {
		slog.Error("ENCRYPTION_KEY environment variable is required for migration")
		os.Exit(1)
	}
	sealer, err := crypto.NewSealer(cfg.EncryptionKey, "v1")
	if err != nil {
		slog.Error("failed to initialize sealer", slog.Any("err", err))
		os.Exit(1)
	}

	ctx := context.Background()
	database, err := db.Connect(ctx, cfg.DBDsn)
	if err != nil {
		slog.Error("failed to connect to database", slog.Any("err", err))
		os.Exit(1)
	}
	defer database.Close()

	if _, err := migrateTokens(ctx, database, sealer, *dryRun, *provider); err != nil {
		slog.Error("migration failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := reportStatus(ctx, database); err != nil {
		slog.Warn("status report failed", slog.Any("err", err))
	}
	slog.Info("migration completed successfully")
}

// plaintextProviders lists providers whose token is not yet encrypted.
func plaintextProviders(ctx context.Context, database *sql.DB, filter string) ([]string, error) {
	query := `SELECT provider FROM oauth_tokens WHERE COALESCE(encryption_version, 0) = 0`
	var args []any
	if filter != "" {
		query += " AND provider = $1"
		args = append(args, filter)
	}
	query += " ORDER BY provider"

	rows, err := database.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query plaintext tokens: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan token row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// migrateTokens re-stores every plaintext token through a sealing TokenStore
// and returns how many were (or, with dryRun, would be) encrypted.
func migrateTokens(ctx context.Context, database *sql.DB, sealer *crypto.Sealer, dryRun bool, filter string) (int, error) {
	providers, err := plaintextProviders(ctx, database, filter)
	if err != nil {
		return 0, err
	}
	if len(providers) == 0 {
		slog.Info("no plaintext tokens found to migrate")
		return 0, nil
	}
	slog.Info("found plaintext tokens to migrate", slog.Int("count", len(providers)), slog.Bool("dry_run", dryRun))

	plain := &db.TokenStore{DB: database}
	sealed := &db.TokenStore{DB: database, Sealer: sealer}
	migrated, failed := 0, 0
	for i, p := range providers {
		logger := slog.With(slog.String("provider", p), slog.Int("index", i+1), slog.Int("total", len(providers)))
		if dryRun {
			logger.Info("would migrate token (dry-run)")
			migrated++
			continue
		}
		tok, err := plain.GetOAuthToken(ctx, p)
		if err == nil {
			err = sealed.UpsertOAuthToken(ctx, p, tok)
		}
		if err != nil {
			logger.Error("failed to migrate token", slog.Any("err", err))
			failed++
			continue
		}
		logger.Info("migrated token successfully")
		migrated++
	}

	slog.Info("migration summary",
		slog.Int("total", len(providers)),
		slog.Int("migrated", migrated),
		slog.Int("errors", failed),
		slog.Bool("dry_run", dryRun))
	if failed > 0 {
		return migrated, fmt.Errorf("migration completed with %d errors", failed)
	}
	return migrated, nil
}

// reportStatus logs how many tokens are stored per encryption version.
func reportStatus(ctx context.Context, database *sql.DB) error {
	rows, err := database.QueryContext(ctx, `
		SELECT COALESCE(encryption_version, 0), COUNT(*)
		FROM oauth_tokens
		GROUP BY 1
		ORDER BY 1`)
	if err != nil {
		return fmt.Errorf("query status: %w", err)
	}
	defer rows.Close()

	total := 0
	for rows.Next() {
		var version, count int
		if err := rows.Scan(&version, &count); err != nil {
			return fmt.Errorf("scan status row: %w", err)
		}
		desc := fmt.Sprintf("unknown version %d", version)
		switch version {
		case 0:
			desc = "plaintext"
		case 1:
			desc = "encrypted (AES-256-GCM)"
		}
		slog.Info("token encryption status",
			slog.Int("encryption_version", version),
			slog.String("description", desc),
			slog.Int("count", count))
		total += count
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("status rows iteration: %w", err)
	}
	slog.Info("total tokens", slog.Int("count", total))
	return nil
}
