// Package sqlite is the single-file token store used by default.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"canvasgroups.org/internal/canvas"
	"canvasgroups.org/internal/oauth"
)

const (
	defaultBusyTimeout = "5000"
	defaultSynchronous = "NORMAL"
	defaultJournalMode = "WAL"
)

const schema = `
CREATE TABLE IF NOT EXISTS tokens (
	user_id        TEXT     NOT NULL,
	user_env       TEXT     NOT NULL,
	api_token      TEXT     NOT NULL,
	refresh_token  TEXT     NOT NULL DEFAULT '',
	expires_at_utc DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (user_id, user_env)
)`

type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ oauth.TokenStore = (*Store)(nil)

// Open opens (creating if needed) the database at path with a single
// writer connection and ensures the tokens table exists.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", buildDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, now: time.Now}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func buildDSN(path string) string {
	params := url.Values{}
	params.Set("_journal_mode", defaultJournalMode)
	params.Set("_busy_timeout", defaultBusyTimeout)
	params.Set("_synchronous", defaultSynchronous)
	params.Set("_txlock", "immediate")
	return path + "?" + params.Encode()
}

// EnsureSchema creates the tokens table if it is missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlite: create tokens table: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Save replaces the credential for (userID, env).
func (s *Store) Save(ctx context.Context, userID, env string, cred canvas.Credential) error {
	if userID == "" || env == "" {
		return fmt.Errorf("sqlite: save token: user and env are required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO tokens (user_id, user_env, api_token, refresh_token, expires_at_utc, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		userID, env, cred.AccessToken, cred.RefreshToken, cred.ExpiresAt.UTC(), s.now().UTC())
	if err != nil {
		return fmt.Errorf("sqlite: save token: %w", err)
	}
	return nil
}

// Load returns the stored credential or oauth.ErrNoToken.
func (s *Store) Load(ctx context.Context, userID, env string) (canvas.Credential, error) {
	var cred canvas.Credential
	err := s.db.QueryRowContext(ctx, `
		SELECT api_token, refresh_token, expires_at_utc
		FROM tokens
		WHERE user_id = ? AND user_env = ?`, userID, env).
		Scan(&cred.AccessToken, &cred.RefreshToken, &cred.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return canvas.Credential{}, oauth.ErrNoToken
	}
	if err != nil {
		return canvas.Credential{}, fmt.Errorf("sqlite: load token: %w", err)
	}
	cred.TokenType = "Bearer"
	cred.ExpiresAt = cred.ExpiresAt.UTC()
	return cred, nil
}

// Delete removes the stored credential.
func (s *Store) Delete(ctx context.Context, userID, env string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE user_id = ? AND user_env = ?`, userID, env); err != nil {
		return fmt.Errorf("sqlite: delete token: %w", err)
	}
	return nil
}
