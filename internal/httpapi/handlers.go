package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"canvasgroups.org/internal/auth"
	"canvasgroups.org/internal/cache"
	"canvasgroups.org/internal/groups"
	"canvasgroups.org/internal/oauth"
	"canvasgroups.org/internal/obs"
)

// Pinger is satisfied by both token stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe reports whether the token store answers.
type ReadyProbe struct {
	Store Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	return rp.Store.Ping(ctx)
}

// Compiler builds group trees. *groups.Aggregator implements it.
type Compiler interface {
	Compile(ctx context.Context, id auth.Identity, sess *oauth.Session) (*groups.AggregateResult, error)
	CompileSingleCategory(ctx context.Context, id auth.Identity, sess *oauth.Session, categoryID int64) (*groups.AggregateResult, error)
	CompileCourseGroups(ctx context.Context, id auth.Identity, sess *oauth.Session) (*groups.CourseGroupsResult, error)
}

// Authorizer runs the interactive OAuth grant. *oauth.Provider implements it.
type Authorizer interface {
	LoginURL(state string) string
	Exchange(ctx context.Context, code string) (oauth.Grant, error)
}

// Deps wires the API to the engine.
type Deps struct {
	Version  string
	Env      string // provider environment tokens are scoped to
	Ready    ReadyProbe
	Signer   *auth.Signer
	Sessions *oauth.Sessions
	Store    oauth.TokenStore
	Compiler Compiler
	Caches   *cache.Registry
	Provider Authorizer
	IsAdmin  func(userID string) bool

	Origins       []string
	RateBurst     int
	RatePerSec    float64
	SecureCookies bool
	// CompileTimeout bounds one compile; zero means no extra deadline.
	CompileTimeout time.Duration
}

// API is the HTTP surface.
type API struct {
	mux *http.ServeMux

	version        string
	env            string
	readyProbe     ReadyProbe
	signer         *auth.Signer
	sessions       *oauth.Sessions
	store          oauth.TokenStore
	compiler       Compiler
	caches         *cache.Registry
	provider       Authorizer
	isAdmin        func(string) bool
	origins        []string
	rateBurst      int
	ratePerSec     float64
	secureCookies  bool
	compileTimeout time.Duration
}

func New(d Deps) *API {
	a := &API{
		mux:            http.NewServeMux(),
		version:        d.Version,
		env:            d.Env,
		readyProbe:     d.Ready,
		signer:         d.Signer,
		sessions:       d.Sessions,
		store:          d.Store,
		compiler:       d.Compiler,
		caches:         d.Caches,
		provider:       d.Provider,
		isAdmin:        d.IsAdmin,
		origins:        d.Origins,
		rateBurst:      d.RateBurst,
		ratePerSec:     d.RatePerSec,
		secureCookies:  d.SecureCookies,
		compileTimeout: d.CompileTimeout,
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 20
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 10
	}

	a.mux.HandleFunc("GET /{$}", a.Root)
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("GET /v1/groups", a.handleGroups)
	a.mux.HandleFunc("GET /v1/course-groups", a.handleCourseGroups)
	a.mux.Handle("GET /v1/categories/{id}/export", RequireRole("instructor", "teacher", "admin")(http.HandlerFunc(a.handleExport)))
	a.mux.HandleFunc("GET /v1/cache", a.requireAdmin(a.handleCacheSnapshot))
	a.mux.HandleFunc("DELETE /v1/cache", a.requireAdmin(a.handleCacheClear))
	a.mux.HandleFunc("GET /v1/errors/{code}", a.handleErrorDescription)

	a.mux.HandleFunc("GET /oauth/login", a.handleOAuthLogin)
	a.mux.HandleFunc("GET /oauth/redirect", a.handleOAuthRedirect)
	a.mux.HandleFunc("POST /oauth/logout", a.handleOAuthLogout)

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h, a.origins...)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "Up"})
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "canvasgroups",
		"version": a.version,
		"env":     a.env,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
			"code":   codeDatabase,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// session returns the caller's Canvas session. A response has already
// been written when ok is false.
func (a *API) session(w http.ResponseWriter, r *http.Request) (auth.Identity, *oauth.Session, bool) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeCodedError(w, r, http.StatusUnauthorized, codeSessionInvalid, auth.ErrUnauthorized.Error())
		return auth.Identity{}, nil, false
	}
	sess, err := a.sessions.Get(r.Context(), id.UserID, a.env)
	if err != nil {
		if errors.Is(err, oauth.ErrNoToken) {
			writeUpstreamError(w, r, err)
			return auth.Identity{}, nil, false
		}
		obs.Error("load session", map[string]any{"user": id.UserID, "error": err})
		writeCodedError(w, r, http.StatusInternalServerError, codeDatabase, "token store unavailable")
		return auth.Identity{}, nil, false
	}
	return id, sess, true
}

func (a *API) compileContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.compileTimeout > 0 {
		return context.WithTimeout(ctx, a.compileTimeout)
	}
	return context.WithCancel(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
