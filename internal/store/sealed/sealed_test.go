package sealed

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
	"canvasgroups.org/internal/store/sqlite"
)

func openBackend(t *testing.T) *sqlite.Store {
	t.Helper()
	b, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "tokens.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestSealedRoundTrip(t *testing.T) {
	b := openBackend(t)
	s, err := New(b, "secret-one")
	require.NoError(t, err)
	ctx := context.Background()
	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	require.NoError(t, s.Save(ctx, "42", "test", canvas.Credential{AccessToken: "access", RefreshToken: "refresh", ExpiresAt: expires}))

	raw, err := b.Load(ctx, "42", "test")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw.AccessToken, prefix))
	assert.NotContains(t, raw.AccessToken, "access")
	assert.NotContains(t, raw.RefreshToken, "refresh")

	cred, err := s.Load(ctx, "42", "test")
	require.NoError(t, err)
	assert.Equal(t, "access", cred.AccessToken)
	assert.Equal(t, "refresh", cred.RefreshToken)
	assert.WithinDuration(t, expires, cred.ExpiresAt, time.Second)
}

func TestSealedNoncesDiffer(t *testing.T) {
	s, err := New(openBackend(t), "k")
	require.NoError(t, err)
	a, err := s.seal("same")
	require.NoError(t, err)
	b, err := s.seal("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSealedReadsLegacyPlaintext(t *testing.T) {
	b := openBackend(t)
	ctx := context.Background()
	require.NoError(t, b.Save(ctx, "1", "beta", canvas.Credential{AccessToken: "plain", ExpiresAt: time.Now()}))

	s, err := New(b, "k")
	require.NoError(t, err)
	cred, err := s.Load(ctx, "1", "beta")
	require.NoError(t, err)
	assert.Equal(t, "plain", cred.AccessToken)
	assert.Empty(t, cred.RefreshToken)
}

func TestSealedWrongSecretForcesReauth(t *testing.T) {
	b := openBackend(t)
	ctx := context.Background()
	first, err := New(b, "old-secret")
	require.NoError(t, err)
	require.NoError(t, first.Save(ctx, "42", "test", canvas.Credential{AccessToken: "a", RefreshToken: "r", ExpiresAt: time.Now()}))

	rotated, err := New(b, "new-secret")
	require.NoError(t, err)
	_, err = rotated.Load(ctx, "42", "test")
	assert.ErrorIs(t, err, oauth.ErrNoToken)
	assert.ErrorIs(t, err, ErrUnsealable)
}

func TestSealedRequiresSecret(t *testing.T) {
	_, err := New(openBackend(t), "  ")
	assert.Error(t, err)
}

func TestSealedPassesThroughDelete(t *testing.T) {
	b := openBackend(t)
	s, err := New(b, "k")
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "42", "test", canvas.Credential{AccessToken: "a", ExpiresAt: time.Now()}))
	require.NoError(t, s.Delete(ctx, "42", "test"))
	_, err = s.Load(ctx, "42", "test")
	assert.ErrorIs(t, err, oauth.ErrNoToken)
	assert.NoError(t, s.Ping(ctx))
}
