package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canvasgroups.org/internal/canvas"
	"canvasgroups.org/internal/oauth"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "tokens.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBuildDSN(t *testing.T) {
	dsn := buildDSN("/tmp/tokens.sqlite")
	assert.True(t, strings.HasPrefix(dsn, "/tmp/tokens.sqlite?"))
	assert.Contains(t, dsn, "_journal_mode=WAL")
	assert.Contains(t, dsn, "_busy_timeout=5000")
	assert.Contains(t, dsn, "_synchronous=NORMAL")
	assert.Contains(t, dsn, "_txlock=immediate")
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	expires := time.Date(2024, 9, 1, 13, 0, 0, 0, time.UTC)

	require.NoError(t, s.Save(ctx, "42", "test", canvas.Credential{AccessToken: "a1", RefreshToken: "r1", ExpiresAt: expires}))
	require.NoError(t, s.Save(ctx, "42", "production", canvas.Credential{AccessToken: "p1", RefreshToken: "pr", ExpiresAt: expires}))
	require.NoError(t, s.Save(ctx, "42", "test", canvas.Credential{AccessToken: "a2", RefreshToken: "r1", ExpiresAt: expires.Add(time.Hour)}))

	cred, err := s.Load(ctx, "42", "test")
	require.NoError(t, err)
	assert.Equal(t, "a2", cred.AccessToken)
	assert.Equal(t, "r1", cred.RefreshToken)
	assert.Equal(t, "Bearer", cred.TokenType)
	assert.True(t, cred.ExpiresAt.Equal(expires.Add(time.Hour)), "got %v", cred.ExpiresAt)

	prod, err := s.Load(ctx, "42", "production")
	require.NoError(t, err)
	assert.Equal(t, "p1", prod.AccessToken)
}

func TestLoadMissing(t *testing.T) {
	s := openTemp(t)
	_, err := s.Load(context.Background(), "nobody", "test")
	assert.ErrorIs(t, err, oauth.ErrNoToken)
}

func TestDelete(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "1", "beta", canvas.Credential{AccessToken: "a", ExpiresAt: time.Now()}))
	require.NoError(t, s.Delete(ctx, "1", "beta"))
	_, err := s.Load(ctx, "1", "beta")
	assert.ErrorIs(t, err, oauth.ErrNoToken)
}

func TestSessionsSeedFromStore(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "5", "test", canvas.Credential{AccessToken: "seeded", RefreshToken: "r", ExpiresAt: time.Now().Add(time.Hour)}))

	sess, err := oauth.NewSessions(s).Get(ctx, "5", "test")
	require.NoError(t, err)
	assert.Equal(t, "seeded", sess.Credential().AccessToken)
}
