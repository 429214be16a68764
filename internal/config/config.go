// Package config loads service configuration from an optional YAML file and
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"canvasgroups.org/internal/cache"
)

// Defaults.
const (
	DefaultListenAddr       = ":8080"
	DefaultPerPage          = 50
	DefaultCacheTTL         = 180 * time.Second
	DefaultCacheCheckPeriod = 200 * time.Second
	DefaultAPIRate          = 20.0
	DefaultAPIBurst         = 10
	DefaultMaxAttempts      = 4
	DefaultConcurrency      = 4
	DefaultUserAgent        = "canvasgroups/1.0"
	DefaultTokenStoreDSN    = "canvasgroups.sqlite"
	DefaultSessionSecret    = "dev-session-secret-change-me"
	DefaultRateLimitRPS     = 10.0
	DefaultRateLimitBurst   = 20
)

// OAuthConfig holds the developer key registered with Canvas.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// Config is the resolved service configuration.
type Config struct {
	CanvasBaseURI string  // e.g. https://school.instructure.com
	PerPage       int     // page size sent as per_page
	APIRate       float64 // outbound Canvas requests per second
	APIBurst      int
	MaxAttempts   int // attempt cap per logical fetch
	Concurrency   int // aggregation fan-out bound
	UserAgent     string

	CacheTTL  time.Duration            // per-entry lifetime for all resource caches
	CacheTTLs map[string]time.Duration // per-cache overrides of CacheTTL, by cache name
	// CacheCheckPeriod is the active sweep interval. Unset or 0 means the
	// default; a negative value disables the sweeper.
	CacheCheckPeriod time.Duration

	OAuth OAuthConfig

	TokenStoreDSN string // postgres:// URL or sqlite file path
	SessionSecret string
	AdminUsers    []string

	ListenAddr     string
	RateLimitRPS   float64
	RateLimitBurst int
	Env            string
	LogLevel       string

	// Warnings collects non-fatal problems found while loading; the caller
	// logs them once the logger is up.
	Warnings []string
}

// fileConfig mirrors Config in YAML form. Durations are whole seconds.
type fileConfig struct {
	CanvasBaseURI    string         `yaml:"canvas_base_uri"`
	PerPage          int            `yaml:"per_page"`
	CacheTTLSeconds  int            `yaml:"cache_ttl_seconds"`
	CacheTTLs        map[string]int `yaml:"cache_ttls_seconds"`
	CacheCheckPeriod int            `yaml:"cache_check_period_seconds"`
	APIRate          float64        `yaml:"api_rate"`
	APIBurst         int            `yaml:"api_burst"`
	MaxAttempts      int            `yaml:"max_attempts"`
	Concurrency      int            `yaml:"concurrency"`
	UserAgent        string         `yaml:"user_agent"`
	TokenStoreDSN    string         `yaml:"token_store_dsn"`
	AdminUsers       []string       `yaml:"admin_users"`
	ListenAddr       string         `yaml:"listen_addr"`
	Env              string         `yaml:"env"`
	LogLevel         string         `yaml:"log_level"`
	OAuth            struct {
		ClientID    string `yaml:"client_id"`
		RedirectURI string `yaml:"redirect_uri"`
	} `yaml:"oauth"`
}

// Load reads CANVASGROUPS_CONFIG (if set), then applies environment
// overrides and defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	if path := os.Getenv("CANVASGROUPS_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	c.CanvasBaseURI = fc.CanvasBaseURI
	c.PerPage = fc.PerPage
	c.CacheTTL = time.Duration(fc.CacheTTLSeconds) * time.Second
	c.CacheCheckPeriod = time.Duration(fc.CacheCheckPeriod) * time.Second
	for name, secs := range fc.CacheTTLs {
		c.setCacheTTL(name, secs, path)
	}
	c.APIRate = fc.APIRate
	c.APIBurst = fc.APIBurst
	c.MaxAttempts = fc.MaxAttempts
	c.Concurrency = fc.Concurrency
	c.UserAgent = fc.UserAgent
	c.TokenStoreDSN = fc.TokenStoreDSN
	c.AdminUsers = fc.AdminUsers
	c.ListenAddr = fc.ListenAddr
	c.Env = fc.Env
	c.LogLevel = fc.LogLevel
	c.OAuth.ClientID = fc.OAuth.ClientID
	c.OAuth.RedirectURI = fc.OAuth.RedirectURI
	return nil
}

func (c *Config) applyEnv() {
	setString(&c.CanvasBaseURI, "CANVAS_BASE_URI")
	setString(&c.UserAgent, "CANVAS_USER_AGENT")
	setString(&c.OAuth.ClientID, "OAUTH_CLIENT_ID")
	setString(&c.OAuth.ClientSecret, "OAUTH_CLIENT_SECRET")
	setString(&c.OAuth.RedirectURI, "OAUTH_REDIRECT_URI")
	setString(&c.TokenStoreDSN, "TOKEN_STORE_DSN")
	setString(&c.SessionSecret, "SESSION_SECRET")
	setString(&c.ListenAddr, "LISTEN_ADDR")
	setString(&c.Env, "ENV")
	setString(&c.LogLevel, "LOG_LEVEL")

	c.setInt(&c.PerPage, "CANVAS_API_PER_PAGE")
	c.setInt(&c.APIBurst, "CANVAS_API_BURST")
	c.setInt(&c.MaxAttempts, "CANVAS_API_MAX_ATTEMPTS")
	c.setInt(&c.Concurrency, "CANVAS_API_CONCURRENCY")
	c.setInt(&c.RateLimitBurst, "RATE_LIMIT_BURST")
	c.setFloat(&c.APIRate, "CANVAS_API_RPS")
	c.setFloat(&c.RateLimitRPS, "RATE_LIMIT_RPS")
	c.setSeconds(&c.CacheTTL, "CANVAS_API_CACHE_SECONDS_TTL")
	c.setSeconds(&c.CacheCheckPeriod, "CANVAS_API_CACHE_CHECK_SECONDS")

	if v := os.Getenv("CANVAS_API_CACHE_TTLS"); v != "" {
		for _, pair := range strings.Split(v, ",") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			name, secs, ok := strings.Cut(pair, "=")
			n, err := strconv.Atoi(strings.TrimSpace(secs))
			if !ok || err != nil {
				c.Warnings = append(c.Warnings, fmt.Sprintf("CANVAS_API_CACHE_TTLS entry %q is not name=seconds, ignored", pair))
				continue
			}
			c.setCacheTTL(strings.TrimSpace(name), n, "CANVAS_API_CACHE_TTLS")
		}
	}

	if v := os.Getenv("ADMIN_USERS"); v != "" {
		var users []string
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				users = append(users, u)
			}
		}
		c.AdminUsers = users
	}
}

func (c *Config) applyDefaults() {
	c.CanvasBaseURI = strings.TrimRight(c.CanvasBaseURI, "/")
	if c.PerPage <= 0 {
		c.PerPage = DefaultPerPage
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.CacheCheckPeriod < 0 {
		c.CacheCheckPeriod = 0
	} else if c.CacheCheckPeriod == 0 {
		c.CacheCheckPeriod = DefaultCacheCheckPeriod
	}
	if c.APIRate <= 0 {
		c.APIRate = DefaultAPIRate
	}
	if c.APIBurst <= 0 {
		c.APIBurst = DefaultAPIBurst
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.TokenStoreDSN == "" {
		c.TokenStoreDSN = DefaultTokenStoreDSN
	}
	if c.SessionSecret == "" {
		c.SessionSecret = DefaultSessionSecret
		c.Warnings = append(c.Warnings, "SESSION_SECRET not set, using insecure development default")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.RateLimitRPS <= 0 {
		c.RateLimitRPS = DefaultRateLimitRPS
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = DefaultRateLimitBurst
	}
	if c.Env == "" {
		c.Env = "development"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.OAuth.ClientID == "" || c.OAuth.ClientSecret == "" {
		c.Warnings = append(c.Warnings, "OAUTH_CLIENT_ID/OAUTH_CLIENT_SECRET not set, token refresh will fail")
	}
}

func (c *Config) validate() error {
	if c.CanvasBaseURI == "" {
		return fmt.Errorf("CANVAS_BASE_URI is required")
	}
	if !strings.HasPrefix(c.CanvasBaseURI, "http://") && !strings.HasPrefix(c.CanvasBaseURI, "https://") {
		return fmt.Errorf("CANVAS_BASE_URI must be an http(s) URL, got %q", c.CanvasBaseURI)
	}
	if strings.EqualFold(c.Env, "production") && c.SessionSecret == DefaultSessionSecret {
		return fmt.Errorf("SESSION_SECRET must be set in production")
	}
	return nil
}

// APIPath is the versioned REST root, e.g. https://host/api/v1.
func (c *Config) APIPath() string {
	return c.CanvasBaseURI + "/api/v1"
}

// ProviderEnvironment names the Canvas instance flavour the base URI points
// at. Tokens are stored per environment.
func (c *Config) ProviderEnvironment() string {
	return ProviderEnvironment(c.CanvasBaseURI)
}

// ProviderEnvironment classifies a Canvas base URI as test, beta or production.
func ProviderEnvironment(baseURI string) string {
	switch {
	case strings.Contains(baseURI, "test.in"):
		return "test"
	case strings.Contains(baseURI, "beta.in"):
		return "beta"
	default:
		return "production"
	}
}

// TokenStoreDriver returns "pgx" for PostgreSQL URLs and "sqlite3" otherwise.
func (c *Config) TokenStoreDriver() string {
	if strings.HasPrefix(c.TokenStoreDSN, "postgres://") || strings.HasPrefix(c.TokenStoreDSN, "postgresql://") {
		return "pgx"
	}
	return "sqlite3"
}

// IsAdmin reports whether userID is listed in AdminUsers.
func (c *Config) IsAdmin(userID string) bool {
	for _, u := range c.AdminUsers {
		if u == userID {
			return true
		}
	}
	return false
}

// setCacheTTL records a per-cache override, warning about unknown names and
// non-positive values.
func (c *Config) setCacheTTL(name string, secs int, source string) {
	known := false
	for _, n := range cache.Names {
		if n == name {
			known = true
			break
		}
	}
	switch {
	case !known:
		c.Warnings = append(c.Warnings, fmt.Sprintf("%s: unknown cache %q, ignored", source, name))
	case secs <= 0:
		c.Warnings = append(c.Warnings, fmt.Sprintf("%s: ttl for %s must be positive, ignored", source, name))
	default:
		if c.CacheTTLs == nil {
			c.CacheTTLs = make(map[string]time.Duration)
		}
		c.CacheTTLs[name] = time.Duration(secs) * time.Second
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (c *Config) setInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		c.Warnings = append(c.Warnings, fmt.Sprintf("%s=%q is not an integer, ignored", key, v))
		return
	}
	*dst = n
}

func (c *Config) setFloat(dst *float64, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		c.Warnings = append(c.Warnings, fmt.Sprintf("%s=%q is not a number, ignored", key, v))
		return
	}
	*dst = f
}

func (c *Config) setSeconds(dst *time.Duration, key string) {
	var n int
	c.setInt(&n, key)
	if os.Getenv(key) != "" && n != 0 {
		*dst = time.Duration(n) * time.Second
	}
}
