package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"CANVASGROUPS_CONFIG", "CANVAS_BASE_URI", "CANVAS_USER_AGENT", "CANVAS_API_PER_PAGE",
		"CANVAS_API_CACHE_SECONDS_TTL", "CANVAS_API_CACHE_CHECK_SECONDS", "CANVAS_API_CACHE_TTLS", "CANVAS_API_RPS",
		"CANVAS_API_BURST", "CANVAS_API_MAX_ATTEMPTS", "CANVAS_API_CONCURRENCY",
		"OAUTH_CLIENT_ID", "OAUTH_CLIENT_SECRET", "OAUTH_REDIRECT_URI", "TOKEN_STORE_DSN",
		"SESSION_SECRET", "ADMIN_USERS", "LISTEN_ADDR", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
		"ENV", "LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("CANVAS_BASE_URI", "https://school.instructure.com/")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://school.instructure.com", cfg.CanvasBaseURI)
	assert.Equal(t, "https://school.instructure.com/api/v1", cfg.APIPath())
	assert.Equal(t, 50, cfg.PerPage)
	assert.Equal(t, 180*time.Second, cfg.CacheTTL)
	assert.Equal(t, 200*time.Second, cfg.CacheCheckPeriod)
	assert.Equal(t, 4, cfg.MaxAttempts)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "sqlite3", cfg.TokenStoreDriver())
	assert.Equal(t, "production", cfg.ProviderEnvironment())
	assert.NotEmpty(t, cfg.Warnings)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("CANVAS_BASE_URI", "https://school.test.instructure.com")
	t.Setenv("CANVAS_API_CACHE_SECONDS_TTL", "600")
	t.Setenv("CANVAS_API_PER_PAGE", "100")
	t.Setenv("TOKEN_STORE_DSN", "postgres://u:p@localhost/canvas")
	t.Setenv("ADMIN_USERS", " 12, ,34 ")
	t.Setenv("SESSION_SECRET", "s3cret")
	t.Setenv("OAUTH_CLIENT_ID", "id")
	t.Setenv("OAUTH_CLIENT_SECRET", "secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 600*time.Second, cfg.CacheTTL)
	assert.Equal(t, 100, cfg.PerPage)
	assert.Equal(t, "pgx", cfg.TokenStoreDriver())
	assert.Equal(t, []string{"12", "34"}, cfg.AdminUsers)
	assert.True(t, cfg.IsAdmin("34"))
	assert.False(t, cfg.IsAdmin("56"))
	assert.Equal(t, "test", cfg.ProviderEnvironment())
	assert.Empty(t, cfg.Warnings)
}

func TestLoad_InvalidNumberWarns(t *testing.T) {
	clearEnv(t)
	t.Setenv("CANVAS_BASE_URI", "https://canvas.example.edu")
	t.Setenv("CANVAS_API_PER_PAGE", "lots")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultPerPage, cfg.PerPage)
	assert.Contains(t, cfg.Warnings, `CANVAS_API_PER_PAGE="lots" is not an integer, ignored`)
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "canvasgroups.yaml")
	content := `canvas_base_uri: https://school.beta.instructure.com
cache_ttl_seconds: 900
cache_ttls_seconds:
  userProfile: 3600
concurrency: 8
admin_users: ["1"]
oauth:
  client_id: from-file
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("CANVASGROUPS_CONFIG", path)
	t.Setenv("OAUTH_CLIENT_ID", "from-env")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "beta", cfg.ProviderEnvironment())
	assert.Equal(t, 900*time.Second, cfg.CacheTTL)
	assert.Equal(t, time.Hour, cfg.CacheTTLs["userProfile"])
	assert.Equal(t, 8, cfg.Concurrency)
	assert.Equal(t, "from-env", cfg.OAuth.ClientID)
	assert.True(t, cfg.IsAdmin("1"))
}

func TestLoad_RequiresBaseURI(t *testing.T) {
	clearEnv(t)
	_, err := Load()
	require.Error(t, err)

	t.Setenv("CANVAS_BASE_URI", "ftp://nope")
	_, err = Load()
	require.Error(t, err)
}

func TestLoad_ProductionNeedsSecret(t *testing.T) {
	clearEnv(t)
	t.Setenv("CANVAS_BASE_URI", "https://canvas.example.edu")
	t.Setenv("ENV", "production")
	_, err := Load()
	require.Error(t, err)
}

func TestProviderEnvironment(t *testing.T) {
	assert.Equal(t, "test", ProviderEnvironment("https://uni.test.instructure.com"))
	assert.Equal(t, "beta", ProviderEnvironment("https://uni.beta.instructure.com"))
	assert.Equal(t, "production", ProviderEnvironment("https://uni.instructure.com"))
}

func TestLoad_CacheCheckPeriod(t *testing.T) {
	cases := map[string]time.Duration{
		"":   DefaultCacheCheckPeriod,
		"0":  DefaultCacheCheckPeriod,
		"30": 30 * time.Second,
		"-1": 0,
	}
	for env, want := range cases {
		t.Run("value="+env, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("CANVAS_BASE_URI", "https://canvas.example.edu")
			t.Setenv("CANVAS_API_CACHE_CHECK_SECONDS", env)

			cfg, err := Load()
			require.NoError(t, err)
			assert.Equal(t, want, cfg.CacheCheckPeriod)
		})
	}
}

func TestLoad_PerCacheTTLs(t *testing.T) {
	clearEnv(t)
	t.Setenv("CANVAS_BASE_URI", "https://canvas.example.edu")
	t.Setenv("CANVAS_API_CACHE_TTLS", "userProfile=900, groupUsers=60,nope=5,groupMembers=0,broken")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, map[string]time.Duration{
		"userProfile": 15 * time.Minute,
		"groupUsers":  time.Minute,
	}, cfg.CacheTTLs)
	assert.Contains(t, cfg.Warnings, `CANVAS_API_CACHE_TTLS: unknown cache "nope", ignored`)
	assert.Contains(t, cfg.Warnings, "CANVAS_API_CACHE_TTLS: ttl for groupMembers must be positive, ignored")
	assert.Contains(t, cfg.Warnings, `CANVAS_API_CACHE_TTLS entry "broken" is not name=seconds, ignored`)
}
