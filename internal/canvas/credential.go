package canvas

import "time"

// Credential is the OAuth token pair a session uses against Canvas.
// ExpiresAt is always an absolute UTC instant.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at_utc"`
}

// Authorization renders the Authorization header value.
func (c Credential) Authorization() string {
	typ := c.TokenType
	if typ == "" {
		typ = "Bearer"
	}
	return typ + " " + c.AccessToken
}

// Expired reports whether the token is at or past its expiry.
// A zero ExpiresAt is treated as unknown and never expired.
func (c Credential) Expired(now time.Time) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !c.ExpiresAt.After(now)
}
