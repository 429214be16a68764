package canvas

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrTransient marks a transport-level failure (DNS, reset, timeout).
	ErrTransient = errors.New("canvas: transient network error")
	// ErrAuthExpired is a 401 carrying a WWW-Authenticate challenge: the
	// token was presented but is stale and may be refreshed.
	ErrAuthExpired = errors.New("canvas: access token expired")
	// ErrAuthDenied is a 401 without a challenge, a 403, a missing token or
	// a failed refresh. Only an interactive login fixes it.
	ErrAuthDenied = errors.New("canvas: access denied")
	// ErrUpstream is any other non-2xx answer.
	ErrUpstream = errors.New("canvas: upstream error")
	// ErrPaginationLoop is returned when a next link points back at a page
	// that was already read.
	ErrPaginationLoop = errors.New("canvas: pagination loop")
)

// StatusError is a non-2xx answer from the Canvas API. It matches exactly
// one of ErrAuthExpired, ErrAuthDenied or ErrUpstream under errors.Is.
type StatusError struct {
	Resource   string
	URL        string
	StatusCode int
	Challenge  string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("canvas %s: GET %s: %d %s", e.Resource, e.URL, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("canvas %s: GET %s: %d %s: %s", e.Resource, e.URL, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// Is classifies the status for errors.Is.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrAuthExpired:
		return e.StatusCode == http.StatusUnauthorized && e.Challenge != ""
	case ErrAuthDenied:
		return e.StatusCode == http.StatusForbidden ||
			(e.StatusCode == http.StatusUnauthorized && e.Challenge == "")
	case ErrUpstream:
		return e.StatusCode != http.StatusUnauthorized && e.StatusCode != http.StatusForbidden
	}
	return false
}

// StatusCode extracts the upstream HTTP status from err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}
