// Package canvas talks to the Canvas LMS REST API: authenticated GETs,
// Link-header cursor pagination and status classification.
package canvas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tomnomnom/linkheader"
	"golang.org/x/time/rate"

	"canvasgroups.org/internal/obs"
)

const maxErrorBody = 512

// Client performs GETs against Canvas. It holds no per-user state; the
// credential travels with each call.
type Client struct {
	http      *http.Client
	userAgent string
	limiter   *rate.Limiter
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithUserAgent sets the User-Agent header sent on every request.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithRateLimit bounds outbound requests across all callers.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps > 0 && burst > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// NewClient returns a Client with a 30s request timeout and no rate limit.
func NewClient(opts ...Option) *Client {
	c := &Client{
		http:      &http.Client{Timeout: 30 * time.Second},
		userAgent: "canvasgroups",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchAll walks a list endpoint page by page, following rel="next" links,
// and returns every record in server order. Pages are requested strictly
// one after another. It never retries; a 401 is returned to the caller.
func (c *Client) FetchAll(ctx context.Context, resource, startURL string, cred Credential) ([]Record, error) {
	if cred.AccessToken == "" {
		return nil, fmt.Errorf("canvas %s: %w: no access token", resource, ErrAuthDenied)
	}
	var (
		out  []Record
		seen = map[string]struct{}{}
		next = startURL
	)
	for next != "" {
		if _, dup := seen[next]; dup {
			return nil, fmt.Errorf("canvas %s: %w at %s", resource, ErrPaginationLoop, next)
		}
		seen[next] = struct{}{}

		body, link, err := c.get(ctx, resource, next, cred)
		if err != nil {
			return nil, err
		}
		var page []Record
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("canvas %s: decode page %s: %w", resource, next, err)
		}
		out = append(out, page...)
		next = nextLink(link)
	}
	if out == nil {
		out = []Record{}
	}
	return out, nil
}

// FetchOne reads a single-object endpoint and returns it as a one-element
// record list so callers can treat every tier alike.
func (c *Client) FetchOne(ctx context.Context, resource, u string, cred Credential) ([]Record, error) {
	if cred.AccessToken == "" {
		return nil, fmt.Errorf("canvas %s: %w: no access token", resource, ErrAuthDenied)
	}
	body, _, err := c.get(ctx, resource, u, cred)
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("canvas %s: invalid JSON from %s", resource, u)
	}
	return []Record{Record(body)}, nil
}

func (c *Client) get(ctx context.Context, resource, u string, cred Credential) ([]byte, string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, "", err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, "", fmt.Errorf("canvas %s: build request: %w", resource, err)
	}
	req.Header.Set("Authorization", cred.Authorization())
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		obs.ObserveCanvasRequest(resource, 0, time.Since(start))
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, "", ctxErr
		}
		return nil, "", fmt.Errorf("canvas %s: GET %s: %w: %w", resource, redact(u), ErrTransient, err)
	}
	defer resp.Body.Close()
	obs.ObserveCanvasRequest(resource, resp.StatusCode, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, "", &StatusError{
			Resource:   resource,
			URL:        redact(u),
			StatusCode: resp.StatusCode,
			Challenge:  resp.Header.Get("WWW-Authenticate"),
			Body:       strings.TrimSpace(string(snippet)),
		}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, "", ctxErr
		}
		return nil, "", fmt.Errorf("canvas %s: read body: %w: %w", resource, ErrTransient, err)
	}
	return body, resp.Header.Get("Link"), nil
}

func nextLink(header string) string {
	if header == "" {
		return ""
	}
	for _, l := range linkheader.Parse(header).FilterByRel("next") {
		if l.URL != "" {
			return l.URL
		}
	}
	return ""
}

// redact drops the query string so access_token parameters never reach logs.
func redact(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i]
	}
	return u
}

// IsRetryable reports whether err is worth another attempt with the same
// credential.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrTransient) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	return false
}
