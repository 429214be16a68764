package httpapi

import (
	"context"
	"errors"
	"net/http"

	"canvasgroups.org/internal/canvas"
	"canvasgroups.org/internal/oauth"
	"canvasgroups.org/internal/obs"
)

// Numeric codes shown on error pages.
const (
	codeDatabase       = 10
	codeSessionInvalid = 20
	codeOAuth          = 30
	codeCookies        = 41
	codeAdminOnly      = 42
)

var errorDescriptions = map[int]string{
	codeDatabase:       "Database error.",
	codeSessionInvalid: "LTI communication error, the session is not valid.",
	codeOAuth:          "OAuth communication error.",
	codeCookies:        "Your browser must allow cookies from third parties. In Safari preferences under privacy, it's called cross-site tracking.",
	codeAdminOnly:      "This page is only visible to listed administrators.",
}

// ErrorDescription returns the text for code, or "" when unknown.
func ErrorDescription(code int) string {
	return errorDescriptions[code]
}

func writeJSONError(w http.ResponseWriter, r *http.Request, code int, payload map[string]any) {
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSONError(w, r, code, map[string]any{"error": msg})
}

func writeCodedError(w http.ResponseWriter, r *http.Request, status, code int, msg string) {
	writeJSONError(w, r, status, map[string]any{
		"error":       msg,
		"code":        code,
		"description": ErrorDescription(code),
	})
}

// writeUpstreamError maps a compile failure onto a response. Credential
// problems ask the browser to authorize again; anything else from Canvas
// is a bad gateway.
func writeUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to send.
		return
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusGatewayTimeout, "canvas did not answer in time")
	case errors.Is(err, oauth.ErrNoToken),
		errors.Is(err, canvas.ErrAuthDenied),
		errors.Is(err, canvas.ErrAuthExpired):
		writeJSONError(w, r, http.StatusUnauthorized, map[string]any{
			"error":       "canvas authorization required",
			"code":        codeOAuth,
			"description": ErrorDescription(codeOAuth),
			"reauth":      "/oauth/login",
		})
	default:
		obs.Error("canvas request failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
			"error":      err,
		})
		payload := map[string]any{"error": "canvas request failed"}
		if status := canvas.StatusCode(err); status != 0 {
			payload["upstream_status"] = status
		}
		writeJSONError(w, r, http.StatusBadGateway, payload)
	}
}
