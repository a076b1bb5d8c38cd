package main

import (
	"bytes"
	"context"
	"database/sql/driver"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmsqd/modbot/crypto"
)

func testSealer(t *testing.T) *crypto.Sealer {
	t.Helper()
	s, err := crypto.NewSealer(base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32)), "v1")
	require.NoError(t, err)
	return s
}

// sealedAs matches a sealed column value that opens to want.
type sealedAs struct {
	sealer *crypto.Sealer
	want   string
}

func (m sealedAs) Match(v driver.Value) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	got, err := m.sealer.Open(s)
	return err == nil && got == m.want
}

func TestMigrateTokensEncryptsPlaintextRows(t *testing.T) {
	database, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer database.Close()
	sealer := testSealer(t)
	expiry := time.Now().Add(time.Hour).UTC()

	mock.ExpectQuery("SELECT provider FROM oauth_tokens").
		WillReturnRows(sqlmock.NewRows([]string{"provider"}).AddRow("twitch"))
	mock.ExpectQuery("SELECT access_token, refresh_token").WithArgs("twitch").
		WillReturnRows(sqlmock.NewRows([]string{"access_token", "refresh_token", "expires_at", "scope", "encryption_version"}).
			AddRow("access-1", "refresh-1", expiry, "chat:read", 0))
	mock.ExpectExec("INSERT INTO oauth_tokens").
		WithArgs("twitch", sealedAs{sealer, "access-1"}, sealedAs{sealer, "refresh-1"}, sqlmock.AnyArg(), "chat:read", sqlmock.AnyArg(), "v1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := migrateTokens(context.Background(), database, sealer, false, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateTokensDryRunWritesNothing(t *testing.T) {
	database, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer database.Close()

	mock.ExpectQuery("SELECT provider FROM oauth_tokens").WithArgs("twitch").
		WillReturnRows(sqlmock.NewRows([]string{"provider"}).AddRow("twitch"))

	n, err := migrateTokens(context.Background(), database, testSealer(t), true, "twitch")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateTokensNothingToDo(t *testing.T) {
	database, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer database.Close()

	mock.ExpectQuery("SELECT provider FROM oauth_tokens").
		WillReturnRows(sqlmock.NewRows([]string{"provider"}))

	n, err := migrateTokens(context.Background(), database, testSealer(t), false, "")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateTokensCountsFailures(t *testing.T) {
	database, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer database.Close()

	mock.ExpectQuery("SELECT provider FROM oauth_tokens").
		WillReturnRows(sqlmock.NewRows([]string{"provider"}).AddRow("twitch"))
	mock.ExpectQuery("SELECT access_token, refresh_token").WithArgs("twitch").
		WillReturnError(errors.New("connection reset"))

	n, err := migrateTokens(context.Background(), database, testSealer(t), false, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 errors")
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReportStatus(t *testing.T) {
	database, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer database.Close()

	mock.ExpectQuery("FROM oauth_tokens").
		WillReturnRows(sqlmock.NewRows([]string{"version", "count"}).AddRow(0, 1).AddRow(1, 2))

	require.NoError(t, reportStatus(context.Background(), database))
	assert.NoError(t, mock.ExpectationsWereMet())
}
