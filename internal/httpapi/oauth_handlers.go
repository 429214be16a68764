package httpapi

import (
	"crypto/subtle"
	"net/http"
	"time"

	"canvasgroups.org/internal/audit"
	"canvasgroups.org/internal/auth"
	"canvasgroups.org/internal/oauth"
	"canvasgroups.org/internal/obs"
)

const (
	stateCookie = "cg_oauth_state"
	stateTTL    = 10 * time.Minute
)

// handleOAuthLogin sends the browser to Canvas to authorize the developer
// key for the current caller.
func (a *API) handleOAuthLogin(w http.ResponseWriter, r *http.Request) {
	if a.provider == nil {
		writeCodedError(w, r, http.StatusServiceUnavailable, codeOAuth, "oauth is not configured")
		return
	}
	state := oauth.NewState()
	http.SetCookie(w, a.cookie(stateCookie, state, stateTTL))
	http.Redirect(w, r, a.provider.LoginURL(state), http.StatusFound)
}

// handleOAuthRedirect completes the authorization-code grant, stores the
// credential and installs it in the live session.
func (a *API) handleOAuthRedirect(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeCodedError(w, r, http.StatusUnauthorized, codeSessionInvalid, auth.ErrUnauthorized.Error())
		return
	}
	if a.provider == nil {
		writeCodedError(w, r, http.StatusServiceUnavailable, codeOAuth, "oauth is not configured")
		return
	}
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		writeCodedError(w, r, http.StatusUnauthorized, codeOAuth, "authorization declined: "+e)
		return
	}

	c, err := r.Cookie(stateCookie)
	if err != nil {
		writeCodedError(w, r, http.StatusBadRequest, codeCookies, "missing oauth state cookie")
		return
	}
	if subtle.ConstantTimeCompare([]byte(c.Value), []byte(q.Get("state"))) != 1 {
		writeCodedError(w, r, http.StatusBadRequest, codeOAuth, "oauth state mismatch")
		return
	}
	http.SetCookie(w, a.cookie(stateCookie, "", -1))

	grant, err := a.provider.Exchange(r.Context(), q.Get("code"))
	if err != nil {
		obs.Error("oauth exchange", map[string]any{"user": id.UserID, "error": err})
		writeCodedError(w, r, http.StatusBadGateway, codeOAuth, "token exchange failed")
		return
	}
	if grant.UserID != "" && grant.UserID != id.UserID {
		obs.Warn("oauth grant for another user", map[string]any{"user": id.UserID, "grant_user": grant.UserID})
		writeCodedError(w, r, http.StatusForbidden, codeOAuth, "authorized account does not match the session")
		return
	}

	if a.store != nil {
		if err := a.store.Save(r.Context(), id.UserID, a.env, grant.Credential); err != nil {
			obs.Error("persist token", map[string]any{"user": id.UserID, "error": err})
			writeCodedError(w, r, http.StatusInternalServerError, codeDatabase, "could not store token")
			return
		}
	}
	a.sessions.Put(id.UserID, a.env, grant.Credential)
	_ = audit.LogEvent(r.Context(), audit.TokenIssued, map[string]any{
		"env":        a.env,
		"expires_at": grant.Credential.ExpiresAt.UTC().Format(time.RFC3339),
	})
	http.Redirect(w, r, "/v1/groups", http.StatusSeeOther)
}

// handleOAuthLogout drops the in-memory session. The stored token stays
// so the next request can pick it up again.
func (a *API) handleOAuthLogout(w http.ResponseWriter, r *http.Request) {
	if uid, ok := auth.UserIDFromContext(r.Context()); ok {
		a.sessions.Forget(uid, a.env)
	}
	http.SetCookie(w, a.cookie(sessionCookie, "", -1))
	w.WriteHeader(http.StatusNoContent)
}

// cookie builds an HttpOnly cookie. Secure cookies use SameSite=None so
// they survive the LMS iframe.
func (a *API) cookie(name, value string, ttl time.Duration) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteLaxMode,
	}
	if a.secureCookies {
		c.SameSite = http.SameSiteNoneMode
	}
	if ttl < 0 {
		c.MaxAge = -1
	} else {
		c.MaxAge = int(ttl.Seconds())
	}
	return c
}
