// Package app assembles the engine from configuration.
package app

import (
	"context"
	"fmt"
	"time"

	"canvasgroups.org/internal/auth"
	"canvasgroups.org/internal/cache"
	"canvasgroups.org/internal/canvas"
	"canvasgroups.org/internal/config"
	"canvasgroups.org/internal/groups"
	"canvasgroups.org/internal/oauth"
	"canvasgroups.org/internal/obs"
	"canvasgroups.org/internal/store/pg"
	"canvasgroups.org/internal/store/sealed"
	"canvasgroups.org/internal/store/sqlite"
)

// SessionTTL bounds how long a signed session stays valid.
const SessionTTL = 8 * time.Hour

// TokenStore is what both store backends provide.
type TokenStore interface {
	oauth.TokenStore
	Delete(ctx context.Context, userID, env string) error
	Ping(ctx context.Context) error
	Close() error
}

// App holds the wired engine.
type App struct {
	Config      *config.Config
	Env         string
	Store       TokenStore
	Sessions    *oauth.Sessions
	Provider    *oauth.Provider
	Coordinator *oauth.Coordinator
	Caches      *cache.Registry
	Client      *canvas.Client
	Aggregator  *groups.Aggregator
	Signer      *auth.Signer
}

// Build opens the token store and wires every component. The cache
// sweeper is not started; callers that live long enough call
// Caches.StartSweeper.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	signer, err := auth.NewSigner(cfg.SessionSecret, SessionTTL)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	env := cfg.ProviderEnvironment()
	provider := oauth.NewProvider(oauth.ProviderConfig{
		BaseURI:      cfg.CanvasBaseURI,
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		RedirectURI:  cfg.OAuth.RedirectURI,
	})
	coord := oauth.NewCoordinator(provider, store, oauth.WithMaxAttempts(cfg.MaxAttempts))
	caches := cache.NewRegistry(cfg.CacheTTL, cfg.CacheTTLs)
	client := canvas.NewClient(
		canvas.WithUserAgent(cfg.UserAgent),
		canvas.WithRateLimit(cfg.APIRate, cfg.APIBurst),
	)
	endpoints := canvas.Endpoints{APIPath: cfg.APIPath(), PerPage: cfg.PerPage}

	return &App{
		Config:      cfg,
		Env:         env,
		Store:       store,
		Sessions:    oauth.NewSessions(store),
		Provider:    provider,
		Coordinator: coord,
		Caches:      caches,
		Client:      client,
		Aggregator:  groups.New(client, endpoints, caches, coord, groups.WithConcurrency(cfg.Concurrency)),
		Signer:      signer,
	}, nil
}

// OpenStore picks the backend from the DSN scheme and seals tokens with
// the session secret.
func OpenStore(ctx context.Context, cfg *config.Config) (TokenStore, error) {
	var backend sealed.Backend
	switch cfg.TokenStoreDriver() {
	case "pgx":
		s, err := pg.Open(cfg.TokenStoreDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres token store: %w", err)
		}
		backend = s
	default:
		s, err := sqlite.Open(ctx, cfg.TokenStoreDSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite token store: %w", err)
		}
		backend = s
	}
	store, err := sealed.New(backend, cfg.SessionSecret)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return store, nil
}

// Close stops the sweeper and releases the store.
func (a *App) Close() error {
	a.Caches.Stop()
	return a.Store.Close()
}

// LogWarnings reports configuration problems found at load time.
func LogWarnings(cfg *config.Config) {
	for _, w := range cfg.Warnings {
		obs.Warn("config", map[string]any{"warning": w})
	}
}
