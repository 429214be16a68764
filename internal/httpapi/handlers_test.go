package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"canvasgroups.org/internal/auth"
	"canvasgroups.org/internal/cache"
	"canvasgroups.org/internal/canvas"
	"canvasgroups.org/internal/groups"
	"canvasgroups.org/internal/oauth"
)

type fakeCompiler struct {
	err        error
	gotSession *oauth.Session
	category   int64
}

func (f *fakeCompiler) result(id auth.Identity) *groups.AggregateResult {
	return &groups.AggregateResult{
		User:   groups.User{ID: id.UserID, FullName: id.FullName},
		Course: groups.Course{ID: id.CourseID},
		Categories: []groups.Category{{
			ID:   20,
			Name: "Projects",
			Groups: []groups.Group{{
				Name:    "Team A",
				Members: []groups.Member{{UserID: 3, SortableName: "Doe, J", Email: "j@x.edu"}},
			}},
		}},
	}
}

func (f *fakeCompiler) Compile(_ context.Context, id auth.Identity, sess *oauth.Session) (*groups.AggregateResult, error) {
	f.gotSession = sess
	if f.err != nil {
		return nil, f.err
	}
	return f.result(id), nil
}

func (f *fakeCompiler) CompileSingleCategory(_ context.Context, id auth.Identity, sess *oauth.Session, categoryID int64) (*groups.AggregateResult, error) {
	f.gotSession = sess
	f.category = categoryID
	if f.err != nil {
		return nil, f.err
	}
	return f.result(id), nil
}

func (f *fakeCompiler) CompileCourseGroups(_ context.Context, id auth.Identity, sess *oauth.Session) (*groups.CourseGroupsResult, error) {
	f.gotSession = sess
	if f.err != nil {
		return nil, f.err
	}
	return &groups.CourseGroupsResult{Course: groups.Course{ID: id.CourseID}, Groups: f.result(id).Categories[0].Groups}, nil
}

type memStore struct {
	mu      sync.Mutex
	m       map[string]canvas.Credential
	pingErr error
}

func newMemStore() *memStore { return &memStore{m: map[string]canvas.Credential{}} }

func (s *memStore) Save(_ context.Context, userID, env string, cred canvas.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[env+"/"+userID] = cred
	return nil
}

func (s *memStore) Load(_ context.Context, userID, env string) (canvas.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.m[env+"/"+userID]
	if !ok {
		return canvas.Credential{}, oauth.ErrNoToken
	}
	return cred, nil
}

func (s *memStore) Ping(context.Context) error { return s.pingErr }

type fakeProvider struct {
	grant oauth.Grant
	err   error
}

func (p *fakeProvider) LoginURL(state string) string {
	return "https://canvas.test/login/oauth2/auth?state=" + url.QueryEscape(state)
}

func (p *fakeProvider) Exchange(_ context.Context, code string) (oauth.Grant, error) {
	if code != "good-code" {
		return oauth.Grant{}, errors.New("bad code")
	}
	return p.grant, p.err
}

type testEnv struct {
	t        *testing.T
	srv      *httptest.Server
	signer   *auth.Signer
	store    *memStore
	sessions *oauth.Sessions
	compiler *fakeCompiler
	caches   *cache.Registry
	provider *fakeProvider
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	signer, err := auth.NewSigner("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	env := &testEnv{
		t:        t,
		signer:   signer,
		store:    newMemStore(),
		compiler: &fakeCompiler{},
		caches:   cache.NewRegistry(time.Minute, nil),
		provider: &fakeProvider{grant: oauth.Grant{
			UserID:     "42",
			Credential: canvas.Credential{AccessToken: "fresh", RefreshToken: "r", ExpiresAt: time.Now().Add(time.Hour)},
		}},
	}
	env.sessions = oauth.NewSessions(env.store)

	api := New(Deps{
		Version:    "test",
		Env:        "test",
		Ready:      ReadyProbe{Store: env.store},
		Signer:     signer,
		Sessions:   env.sessions,
		Store:      env.store,
		Compiler:   env.compiler,
		Caches:     env.caches,
		Provider:   env.provider,
		IsAdmin:    func(uid string) bool { return uid == "7" },
		RateBurst:  100,
		RatePerSec: 100,
	})
	env.srv = httptest.NewServer(api.Handler())
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) token(userID string, roles ...string) string {
	e.t.Helper()
	tok, err := e.signer.Issue(auth.Identity{UserID: userID, CourseID: "1001", FullName: "Ada", Roles: roles})
	if err != nil {
		e.t.Fatalf("issue token: %v", err)
	}
	return tok
}

func (e *testEnv) authorize(userID string) {
	e.t.Helper()
	_ = e.store.Save(context.Background(), userID, "test", canvas.Credential{AccessToken: "a", RefreshToken: "r", ExpiresAt: time.Now().Add(time.Hour)})
}

func (e *testEnv) do(method, path, token string, cookies ...*http.Cookie) *http.Response {
	e.t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, nil)
	if err != nil {
		e.t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	client := e.srv.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	resp, err := client.Do(req)
	if err != nil {
		e.t.Fatalf("do request: %v", err)
	}
	return resp
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(http.MethodGet, "/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %d", resp.StatusCode)
	}
	if body := decode[map[string]any](t, resp); body["version"] != "test" {
		t.Fatalf("unexpected healthz body: %v", body)
	}

	env.store.pingErr = errors.New("disk gone")
	resp = env.do(http.MethodGet, "/readyz", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz: expected 503, got %d", resp.StatusCode)
	}
	if body := decode[map[string]any](t, resp); body["code"] != float64(codeDatabase) {
		t.Fatalf("expected database code, got %v", body)
	}
}

func TestGroupsRequiresSession(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(http.MethodGet, "/v1/groups", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["code"] != float64(codeSessionInvalid) || body["request_id"] == "" {
		t.Fatalf("unexpected body: %v", body)
	}

	resp = env.do(http.MethodGet, "/v1/groups", "not-a-jwt")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", resp.StatusCode)
	}
}

func TestGroupsWithoutCanvasTokenAsksForReauth(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(http.MethodGet, "/v1/groups", env.token("42"))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if body := decode[map[string]any](t, resp); body["reauth"] != "/oauth/login" {
		t.Fatalf("expected reauth hint, got %v", body)
	}
}

func TestGroupsCompile(t *testing.T) {
	env := newTestEnv(t)
	env.authorize("42")

	resp := env.do(http.MethodGet, "/v1/groups", "", &http.Cookie{Name: sessionCookie, Value: env.token("42")})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	res := decode[groups.AggregateResult](t, resp)
	if len(res.Categories) != 1 || res.Categories[0].Groups[0].Members[0].SortableName != "Doe, J" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if env.compiler.gotSession == nil || env.compiler.gotSession.UserID != "42" || env.compiler.gotSession.Env != "test" {
		t.Fatalf("session not resolved for caller")
	}
}

func TestCourseGroups(t *testing.T) {
	env := newTestEnv(t)
	env.authorize("42")

	resp := env.do(http.MethodGet, "/v1/course-groups", env.token("42"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if res := decode[groups.CourseGroupsResult](t, resp); len(res.Groups) != 1 {
		t.Fatalf("unexpected groups: %+v", res.Groups)
	}
}

func TestUpstreamErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"denied", &canvas.StatusError{StatusCode: http.StatusForbidden}, http.StatusUnauthorized},
		{"refresh failed", oauth.ErrRefreshFailed, http.StatusUnauthorized},
		{"server error", &canvas.StatusError{StatusCode: http.StatusServiceUnavailable}, http.StatusBadGateway},
		{"loop", canvas.ErrPaginationLoop, http.StatusBadGateway},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.authorize("42")
			env.compiler.err = tc.err

			resp := env.do(http.MethodGet, "/v1/groups", env.token("42"))
			defer resp.Body.Close()
			if resp.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, resp.StatusCode)
			}
		})
	}
}

func TestUpstreamStatusReported(t *testing.T) {
	env := newTestEnv(t)
	env.authorize("42")
	env.compiler.err = &canvas.StatusError{StatusCode: http.StatusInternalServerError}

	resp := env.do(http.MethodGet, "/v1/groups", env.token("42"))
	body := decode[map[string]any](t, resp)
	if body["upstream_status"] != float64(http.StatusInternalServerError) {
		t.Fatalf("expected upstream status, got %v", body)
	}
}

func TestExport(t *testing.T) {
	env := newTestEnv(t)
	env.authorize("42")

	resp := env.do(http.MethodGet, "/v1/categories/20/export?label="+url.QueryEscape("Fall 2024: Sec#1!"), env.token("42", "instructor"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/csv; charset=utf-8" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); cd != `attachment; filename="Fall 2024 Sec1.csv"` {
		t.Fatalf("unexpected disposition %q", cd)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"Team A";"Doe, J";"j@x.edu"`) {
		t.Fatalf("missing roster row in %q", body)
	}
	if env.compiler.category != 20 {
		t.Fatalf("expected category 20, got %d", env.compiler.category)
	}
}

func TestExportZoomAndValidation(t *testing.T) {
	env := newTestEnv(t)
	env.authorize("42")
	tok := env.token("42", "instructor")

	resp := env.do(http.MethodGet, "/v1/categories/20/export?format=zoom", tok)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.HasPrefix(string(body), "Pre-assign Room Name,Email Address\n") {
		t.Fatalf("unexpected zoom body %q", body)
	}
	if cd := resp.Header.Get("Content-Disposition"); cd != "attachment; filename=Projects.csv" {
		t.Fatalf("unexpected disposition %q", cd)
	}

	for _, path := range []string{"/v1/categories/abc/export", "/v1/categories/0/export", "/v1/categories/20/export?format=xlsx"} {
		resp := env.do(http.MethodGet, path, tok)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", path, resp.StatusCode)
		}
	}

	resp = env.do(http.MethodGet, "/v1/categories/20/export", env.token("42", "student"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("students must not export, got %d", resp.StatusCode)
	}
}

func TestCacheEndpointsAdminOnly(t *testing.T) {
	env := newTestEnv(t)
	env.caches.GroupUsers().Set("100", nil)

	resp := env.do(http.MethodGet, "/v1/cache", env.token("42"))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	if body := decode[map[string]any](t, resp); body["code"] != float64(codeAdminOnly) {
		t.Fatalf("expected admin-only code, got %v", body)
	}

	resp = env.do(http.MethodGet, "/v1/cache", env.token("7"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	snap := decode[struct {
		Caches []cache.Snapshot `json:"caches"`
	}](t, resp)
	if len(snap.Caches) != len(cache.Names) {
		t.Fatalf("expected %d caches, got %d", len(cache.Names), len(snap.Caches))
	}

	resp = env.do(http.MethodDelete, "/v1/cache?name=nope", env.token("1", "admin"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown cache, got %d", resp.StatusCode)
	}
	resp = env.do(http.MethodDelete, "/v1/cache?name="+cache.GroupUsers, env.token("1", "admin"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if env.caches.GroupUsers().Len() != 0 {
		t.Fatalf("cache not cleared")
	}
}

func TestErrorDescriptions(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(http.MethodGet, "/v1/errors/41", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body := decode[map[string]any](t, resp); !strings.Contains(body["description"].(string), "cookies") {
		t.Fatalf("unexpected description: %v", body)
	}

	resp = env.do(http.MethodGet, "/v1/errors/99", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestOAuthLoginAndRedirect(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token("42")

	resp := env.do(http.MethodGet, "/oauth/login", tok)
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302, got %d", resp.StatusCode)
	}
	var state *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == stateCookie {
			state = c
		}
	}
	if state == nil || state.Value == "" {
		t.Fatalf("state cookie not set")
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil || loc.Query().Get("state") != state.Value {
		t.Fatalf("state not forwarded to provider: %v", resp.Header.Get("Location"))
	}

	resp = env.do(http.MethodGet, "/oauth/redirect?code=good-code&state=wrong", tok, state)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 on state mismatch, got %d", resp.StatusCode)
	}

	resp = env.do(http.MethodGet, "/oauth/redirect?code=good-code&state="+url.QueryEscape(state.Value), tok, state)
	resp.Body.Close()
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d", resp.StatusCode)
	}
	stored, err := env.store.Load(context.Background(), "42", "test")
	if err != nil || stored.AccessToken != "fresh" {
		t.Fatalf("token not stored: %v %+v", err, stored)
	}
	sess, err := env.sessions.Get(context.Background(), "42", "test")
	if err != nil || sess.Credential().AccessToken != "fresh" {
		t.Fatalf("session not installed: %v", err)
	}
}

func TestOAuthRedirectRejectsOtherUser(t *testing.T) {
	env := newTestEnv(t)
	env.provider.grant.UserID = "99"
	tok := env.token("42")
	state := &http.Cookie{Name: stateCookie, Value: "s1"}

	resp := env.do(http.MethodGet, "/oauth/redirect?code=good-code&state=s1", tok, state)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	if _, err := env.store.Load(context.Background(), "42", "test"); !errors.Is(err, oauth.ErrNoToken) {
		t.Fatalf("token must not be stored, got %v", err)
	}

	resp = env.do(http.MethodGet, "/oauth/redirect?code=bad&state=s1", tok, state)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 on failed exchange, got %d", resp.StatusCode)
	}
}
