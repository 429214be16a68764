// Package sealed encrypts Canvas tokens before they reach a token store.
package sealed

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"

	"canvasgroups.org/internal/canvas"
	"canvasgroups.org/internal/oauth"
)

// prefix marks a sealed value. Values without it were written before
// sealing was enabled and are returned unchanged.
const prefix = "sb1:"

const info = "canvasgroups token sealing v1"

// ErrUnsealable means a stored value could not be opened, usually because
// the secret changed. It is reported together with oauth.ErrNoToken so the
// user is sent to authorize again.
var ErrUnsealable = errors.New("sealed: stored token cannot be opened")

// Backend is the store being wrapped.
type Backend interface {
	oauth.TokenStore
	Delete(ctx context.Context, userID, env string) error
	Ping(ctx context.Context) error
	Close() error
}

// Store seals access and refresh tokens with NaCl secretbox under a key
// derived from secret. Other Backend methods pass through.
type Store struct {
	Backend
	key [32]byte
}

// New derives the sealing key from secret with HKDF-SHA256.
func New(b Backend, secret string) (*Store, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("sealed: secret is required")
	}
	s := &Store{Backend: b}
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(info))
	if _, err := io.ReadFull(r, s.key[:]); err != nil {
		return nil, fmt.Errorf("sealed: derive key: %w", err)
	}
	return s, nil
}

func (s *Store) Save(ctx context.Context, userID, env string, cred canvas.Credential) error {
	var err error
	if cred.AccessToken, err = s.seal(cred.AccessToken); err != nil {
		return err
	}
	if cred.RefreshToken, err = s.seal(cred.RefreshToken); err != nil {
		return err
	}
	return s.Backend.Save(ctx, userID, env, cred)
}

func (s *Store) Load(ctx context.Context, userID, env string) (canvas.Credential, error) {
	cred, err := s.Backend.Load(ctx, userID, env)
	if err != nil {
		return canvas.Credential{}, err
	}
	if cred.AccessToken, err = s.open(cred.AccessToken); err != nil {
		return canvas.Credential{}, err
	}
	if cred.RefreshToken, err = s.open(cred.RefreshToken); err != nil {
		return canvas.Credential{}, err
	}
	return cred, nil
}

func (s *Store) seal(v string) (string, error) {
	if v == "" {
		return "", nil
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("sealed: nonce: %w", err)
	}
	out := secretbox.Seal(nonce[:], []byte(v), &nonce, &s.key)
	return prefix + base64.RawURLEncoding.EncodeToString(out), nil
}

func (s *Store) open(v string) (string, error) {
	if !strings.HasPrefix(v, prefix) {
		return v, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(v[len(prefix):])
	if err != nil || len(raw) < 24+secretbox.Overhead {
		return "", fmt.Errorf("%w: %w", oauth.ErrNoToken, ErrUnsealable)
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	out, ok := secretbox.Open(nil, raw[24:], &nonce, &s.key)
	if !ok {
		return "", fmt.Errorf("%w: %w", oauth.ErrNoToken, ErrUnsealable)
	}
	return string(out), nil
}
