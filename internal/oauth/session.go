package oauth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"canvasgroups.org/internal/canvas"
)

// State is where a session's credential is in its refresh lifecycle.
type State int

const (
	StateValid State = iota
	StateRefreshing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateValid:
		return "valid"
	case StateRefreshing:
		return "refreshing"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrNoToken is returned by a TokenStore that has nothing for the user.
var ErrNoToken = errors.New("oauth: no stored token")

// TokenStore persists credentials per user and Canvas environment.
type TokenStore interface {
	Save(ctx context.Context, userID, env string, cred canvas.Credential) error
	Load(ctx context.Context, userID, env string) (canvas.Credential, error)
}

// Session owns one user's credential. Only the Coordinator changes it.
type Session struct {
	UserID string
	Env    string

	refreshMu sync.Mutex

	mu    sync.RWMutex
	cred  canvas.Credential
	state State
	gen   uint64
}

// NewSession wraps cred for userID in env.
func NewSession(userID, env string, cred canvas.Credential) *Session {
	return &Session{UserID: userID, Env: env, cred: cred}
}

// Credential returns a copy of the current credential.
func (s *Session) Credential() canvas.Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) snapshot() (canvas.Credential, uint64, State) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred, s.gen, s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// replace installs a new credential and marks the session valid.
func (s *Session) replace(cred canvas.Credential) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = cred
	s.state = StateValid
	s.gen++
	return s.gen
}

// Sessions indexes live sessions by user and environment, seeding them from
// the token store on first use.
type Sessions struct {
	store TokenStore

	mu sync.Mutex
	m  map[string]*Session
}

func NewSessions(store TokenStore) *Sessions {
	return &Sessions{store: store, m: make(map[string]*Session)}
}

func sessionKey(userID, env string) string { return env + "\x00" + userID }

// Get returns the live session or loads one from the store. It returns
// ErrNoToken when the user has never authorized this environment.
func (s *Sessions) Get(ctx context.Context, userID, env string) (*Session, error) {
	key := sessionKey(userID, env)
	s.mu.Lock()
	sess, ok := s.m[key]
	s.mu.Unlock()
	if ok {
		return sess, nil
	}
	if s.store == nil {
		return nil, ErrNoToken
	}
	cred, err := s.store.Load(ctx, userID, env)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.m[key]; ok {
		return existing, nil
	}
	sess = NewSession(userID, env, cred)
	s.m[key] = sess
	return sess, nil
}

// Put installs cred, typically after an interactive login. An existing
// session keeps its identity and lock but gets the new credential.
func (s *Sessions) Put(userID, env string, cred canvas.Credential) *Session {
	key := sessionKey(userID, env)
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.m[key]; ok {
		sess.replace(cred)
		return sess
	}
	sess := NewSession(userID, env, cred)
	s.m[key] = sess
	return sess
}

// Forget drops the in-memory session; the stored token is kept.
func (s *Sessions) Forget(userID, env string) {
	s.mu.Lock()
	delete(s.m, sessionKey(userID, env))
	s.mu.Unlock()
}
