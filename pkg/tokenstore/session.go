package tokenstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/session"
)

const (
	sessionTokenKey    = "token"
	sessionRedirectKey = "redirectAfterAuth"
)

// SessionLoader loads the fiber session behind a request.
// *session.Store satisfies it.
type SessionLoader interface {
	Get(c *fiber.Ctx) (*session.Session, error)
}

// SessionStore adapts a fiber session to Store. Every call re-reads the
// session from storage and every mutation saves it straight away, so other
// requests on the same cookie see a refreshed token before this request
// has finished.
type SessionStore struct {
	mu     sync.Mutex
	loader SessionLoader
	c      *fiber.Ctx
	saves  int
}

// NewSessionStore binds a store to the current request.
func NewSessionStore(loader SessionLoader, c *fiber.Ctx) *SessionStore {
	return &SessionStore{loader: loader, c: c}
}

func (s *SessionStore) load() (*session.Session, error) {
	sess, err := s.loader.Get(s.c)
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	return sess, nil
}

// update loads the session, applies fn and saves when fn reports a change.
// Caller must hold s.mu.
func (s *SessionStore) update(fn func(sess *session.Session) bool) error {
	sess, err := s.load()
	if err != nil {
		return err
	}
	if !fn(sess) {
		return nil
	}
	if err := sess.Save(); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	s.saves++
	return nil
}

func (s *SessionStore) Get(_ context.Context) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.load()
	if err != nil {
		return nil, err
	}
	raw, ok := sess.Get(sessionTokenKey).(string)
	if !ok || raw == "" {
		return nil, ErrTokenNotFound
	}
	var tok Token
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenCorrupt, err)
	}
	return &tok, nil
}

func (s *SessionStore) Set(ctx context.Context, tok *Token) error {
	if tok == nil {
		return s.Clear(ctx)
	}
	raw, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(func(sess *session.Session) bool {
		sess.Set(sessionTokenKey, string(raw))
		return true
	})
}

func (s *SessionStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(func(sess *session.Session) bool {
		if sess.Get(sessionTokenKey) == nil {
			return false
		}
		sess.Delete(sessionTokenKey)
		return true
	})
}

func (s *SessionStore) RedirectAfterAuth(_ context.Context) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.load()
	if err != nil {
		return ""
	}
	target, _ := sess.Get(sessionRedirectKey).(string)
	return target
}

func (s *SessionStore) SetRedirectAfterAuth(_ context.Context, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(func(sess *session.Session) bool {
		current, _ := sess.Get(sessionRedirectKey).(string)
		if current == target {
			return false
		}
		if target == "" {
			sess.Delete(sessionRedirectKey)
		} else {
			sess.Set(sessionRedirectKey, target)
		}
		return true
	})
}

// Saves returns how many times this store has written the session.
func (s *SessionStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
