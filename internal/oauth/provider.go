package oauth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"canvasgroups.org/internal/canvas"
)

// defaultLifetime applies when the token endpoint omits expires_in.
const defaultLifetime = time.Hour

// Provider speaks Canvas' OAuth2 endpoints.
type Provider struct {
	cfg  *oauth2.Config
	http *http.Client
	now  func() time.Time
}

// ProviderConfig names the developer key and the Canvas instance.
type ProviderConfig struct {
	BaseURI      string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	HTTPClient   *http.Client
}

// NewProvider builds a Provider for <BaseURI>/login/oauth2/{auth,token}.
func NewProvider(pc ProviderConfig) *Provider {
	base := strings.TrimRight(pc.BaseURI, "/")
	return &Provider{
		cfg: &oauth2.Config{
			ClientID:     pc.ClientID,
			ClientSecret: pc.ClientSecret,
			RedirectURL:  pc.RedirectURI,
			Endpoint: oauth2.Endpoint{
				AuthURL:   base + "/login/oauth2/auth",
				TokenURL:  base + "/login/oauth2/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		http: pc.HTTPClient,
		now:  time.Now,
	}
}

// NewState returns an unguessable value for the OAuth state parameter.
func NewState() string { return uuid.NewString() }

// LoginURL is where the browser goes to authorize the developer key.
func (p *Provider) LoginURL(state string) string {
	return p.cfg.AuthCodeURL(state)
}

// Grant is the result of an authorization-code exchange.
type Grant struct {
	Credential canvas.Credential
	UserID     string // Canvas user the token belongs to, when reported
	UserName   string
}

// Exchange trades an authorization code for a credential.
func (p *Provider) Exchange(ctx context.Context, code string) (Grant, error) {
	if strings.TrimSpace(code) == "" {
		return Grant{}, fmt.Errorf("oauth: empty authorization code")
	}
	tok, err := p.cfg.Exchange(p.withClient(ctx), code)
	if err != nil {
		return Grant{}, fmt.Errorf("oauth: exchange code: %w", err)
	}
	g := Grant{Credential: p.credential(tok)}
	if u, ok := tok.Extra("user").(map[string]any); ok {
		switch id := u["id"].(type) {
		case float64:
			g.UserID = fmt.Sprintf("%.0f", id)
		case string:
			g.UserID = id
		}
		g.UserName, _ = u["name"].(string)
	}
	return g, nil
}

// Refresh runs the refresh_token grant.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (canvas.Credential, error) {
	src := p.cfg.TokenSource(p.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return canvas.Credential{}, err
	}
	cred := p.credential(tok)
	if cred.RefreshToken == "" {
		cred.RefreshToken = refreshToken
	}
	return cred, nil
}

func (p *Provider) withClient(ctx context.Context) context.Context {
	if p.http == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, p.http)
}

func (p *Provider) credential(tok *oauth2.Token) canvas.Credential {
	expires := tok.Expiry.UTC()
	if tok.Expiry.IsZero() {
		expires = p.now().UTC().Add(defaultLifetime)
	}
	return canvas.Credential{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.Type(),
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    expires,
	}
}
