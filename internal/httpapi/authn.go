package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"canvasgroups.org/internal/auth"
)

const (
	authHeader    = "Authorization"
	bearer        = "Bearer "
	sessionCookie = "cg_session"
)

var publicPaths = []string{
	"/",
	"/metrics",
	"/healthz",
	"/readyz",
}

var publicPrefixes = []string{
	"/v1/errors/",
}

// withAuth resolves the caller from the session cookie or a bearer token.
// Public paths pass through untouched.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := sessionToken(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="canvasgroups"`)
			writeCodedError(w, r, http.StatusUnauthorized, codeSessionInvalid, err.Error())
			return
		}
		id, err := a.signer.Parse(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="canvasgroups", error="invalid_token"`)
			writeCodedError(w, r, http.StatusUnauthorized, codeSessionInvalid, "invalid session")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithIdentity(r.Context(), id)))
	})
}

// RequireRole admits callers holding any of roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := auth.IdentityFromContext(r.Context())
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="canvasgroups"`)
				writeCodedError(w, r, http.StatusUnauthorized, codeSessionInvalid, auth.ErrUnauthorized.Error())
				return
			}
			for _, role := range roles {
				if id.HasRole(role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="canvasgroups", error="insufficient_scope"`)
			writeError(w, r, http.StatusForbidden, auth.ErrForbidden.Error())
		})
	}
}

// requireAdmin admits callers with the admin role or listed by user id.
func (a *API) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.IdentityFromContext(r.Context())
		if ok && (id.HasRole("admin") || (a.isAdmin != nil && a.isAdmin(id.UserID))) {
			next(w, r)
			return
		}
		writeCodedError(w, r, http.StatusForbidden, codeAdminOnly, auth.ErrForbidden.Error())
	}
}

func sessionToken(r *http.Request) (string, error) {
	if h := r.Header.Get(authHeader); h != "" {
		return extractBearerToken(h)
	}
	if c, err := r.Cookie(sessionCookie); err == nil && strings.TrimSpace(c.Value) != "" {
		return strings.TrimSpace(c.Value), nil
	}
	return "", errors.New("missing session")
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
