// Package oauth keeps Canvas credentials usable: it refreshes expired
// access tokens, serializes refreshes per session and persists the result.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"canvasgroups.org/internal/audit"
	"canvasgroups.org/internal/canvas"
	"canvasgroups.org/internal/obs"
)

// ErrRefreshFailed means the refresh grant was rejected. It also matches
// canvas.ErrAuthDenied: the user must log in again.
var ErrRefreshFailed = fmt.Errorf("oauth: token refresh failed: %w", canvas.ErrAuthDenied)

// Refresher exchanges a refresh token for a new credential.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (canvas.Credential, error)
}

// Coordinator runs units of work that need a valid credential.
type Coordinator struct {
	refresher   Refresher
	store       TokenStore
	maxAttempts int
	backoff     time.Duration
	now         func() time.Time
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithMaxAttempts caps calls to the wrapped function per Do.
func WithMaxAttempts(n int) CoordinatorOption {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithBackoff sets the base delay between transient retries.
func WithBackoff(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.backoff = d }
}

func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator returns a Coordinator that refreshes through refresher and
// mirrors new credentials to store. store may be nil.
func NewCoordinator(refresher Refresher, store TokenStore, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		refresher:   refresher,
		store:       store,
		maxAttempts: 4,
		backoff:     250 * time.Millisecond,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do calls fn with the session's credential. An expired credential is
// refreshed first. At most one refresh happens per call: a stale-token 401
// triggers a refresh and one retry unless the credential was already
// refreshed up front. Other auth failures return immediately. Transient
// failures are retried until the attempt cap.
func (c *Coordinator) Do(ctx context.Context, sess *Session, fn func(ctx context.Context, cred canvas.Credential) error) error {
	cred, gen, state := sess.snapshot()
	if state == StateFailed {
		return ErrRefreshFailed
	}
	// A proactive refresh uses up the one refresh this call is allowed.
	refreshed := false
	if cred.Expired(c.now()) {
		var err error
		if cred, gen, err = c.refresh(ctx, sess, gen); err != nil {
			return err
		}
		refreshed = true
	}

	for attempt := 1; ; attempt++ {
		err := fn(ctx, cred)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || attempt >= c.maxAttempts {
			return err
		}
		switch {
		case errors.Is(err, canvas.ErrAuthExpired):
			if refreshed {
				return err
			}
			refreshed = true
			if cred, gen, err = c.refresh(ctx, sess, gen); err != nil {
				return err
			}
		case canvas.IsRetryable(err):
			if werr := c.wait(ctx, attempt); werr != nil {
				return err
			}
		default:
			return err
		}
	}
}

// refresh replaces the session credential unless another caller already
// did so since generation seen.
func (c *Coordinator) refresh(ctx context.Context, sess *Session, seen uint64) (canvas.Credential, uint64, error) {
	sess.refreshMu.Lock()
	defer sess.refreshMu.Unlock()

	cur, gen, state := sess.snapshot()
	if gen != seen && state == StateValid {
		obs.RefreshResult("skipped")
		return cur, gen, nil
	}
	if state == StateFailed {
		return canvas.Credential{}, gen, ErrRefreshFailed
	}
	if cur.RefreshToken == "" || c.refresher == nil {
		sess.setState(StateFailed)
		obs.RefreshResult("failed")
		return canvas.Credential{}, gen, fmt.Errorf("%w: no refresh token", ErrRefreshFailed)
	}

	sess.setState(StateRefreshing)
	next, err := c.refresher.Refresh(ctx, cur.RefreshToken)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			sess.setState(StateValid)
			return canvas.Credential{}, gen, ctxErr
		}
		sess.setState(StateFailed)
		obs.RefreshResult("failed")
		_ = audit.LogEvent(ctx, audit.RefreshFailed, map[string]any{"user": sess.UserID, "env": sess.Env, "error": err})
		return canvas.Credential{}, gen, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	if next.RefreshToken == "" {
		next.RefreshToken = cur.RefreshToken
	}
	gen = sess.replace(next)
	obs.RefreshResult("ok")

	if c.store != nil {
		if err := c.store.Save(ctx, sess.UserID, sess.Env, next); err != nil {
			obs.Error("persist refreshed token", map[string]any{"user": sess.UserID, "env": sess.Env, "error": err})
		}
	}
	_ = audit.LogEvent(ctx, audit.TokenRefreshed, map[string]any{
		"user":       sess.UserID,
		"env":        sess.Env,
		"expires_at": next.ExpiresAt.UTC().Format(time.RFC3339),
	})
	return next, gen, nil
}

func (c *Coordinator) wait(ctx context.Context, attempt int) error {
	if c.backoff <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(c.backoff * time.Duration(attempt))
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
