// Package pg is the PostgreSQL token store.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"canvasgroups.org/internal/canvas"
	"canvasgroups.org/internal/oauth"
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ oauth.TokenStore = (*Store)(nil)

// Open connects through the pgx stdlib driver. The schema comes from
// ops/migrations.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db), nil
}

// New wraps an existing pool.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Save upserts the credential for (userID, env).
func (s *Store) Save(ctx context.Context, userID, env string, cred canvas.Credential) error {
	if userID == "" || env == "" {
		return fmt.Errorf("pg: save token: user and env are required")
	}
	_, err := s.db.ExecContext(ctx, `
		insert into tokens(user_id, user_env, api_token, refresh_token, expires_at_utc, updated_at)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (user_id, user_env) do update
		set api_token = excluded.api_token,
		    refresh_token = excluded.refresh_token,
		    expires_at_utc = excluded.expires_at_utc,
		    updated_at = excluded.updated_at
	`, userID, env, cred.AccessToken, cred.RefreshToken, cred.ExpiresAt.UTC(), s.now().UTC())
	if err != nil {
		return fmt.Errorf("pg: save token: %w", err)
	}
	return nil
}

// Load returns the stored credential or oauth.ErrNoToken.
func (s *Store) Load(ctx context.Context, userID, env string) (canvas.Credential, error) {
	var cred canvas.Credential
	err := s.db.QueryRowContext(ctx, `
		select api_token, refresh_token, expires_at_utc
		from tokens
		where user_id = $1 and user_env = $2
	`, userID, env).Scan(&cred.AccessToken, &cred.RefreshToken, &cred.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return canvas.Credential{}, oauth.ErrNoToken
	}
	if err != nil {
		return canvas.Credential{}, fmt.Errorf("pg: load token: %w", err)
	}
	cred.TokenType = "Bearer"
	cred.ExpiresAt = cred.ExpiresAt.UTC()
	return cred, nil
}

// Delete removes the stored credential so the next visit starts a new
// authorization.
func (s *Store) Delete(ctx context.Context, userID, env string) error {
	if _, err := s.db.ExecContext(ctx, `delete from tokens where user_id = $1 and user_env = $2`, userID, env); err != nil {
		return fmt.Errorf("pg: delete token: %w", err)
	}
	return nil
}
