package server

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/encryptcookie"
	"github.com/gofiber/fiber/v2/middleware/session"

	"github.com/p-blackswan/rc-proxy/pkg/tokenstore"
)

const storeLocalsKey = "token_store"

// SessionConfig controls the session cookie.
type SessionConfig struct {
	CookieName string
	MaxAge     time.Duration
	Secure     bool
	// EncryptionKey is a base64 AES key (16, 24 or 32 bytes) for cookie
	// values. Empty leaves cookies in the clear.
	EncryptionKey string
	// Storage holds session data server-side. Nil keeps it in process
	// memory; replicas must share one storage.
	Storage fiber.Storage
}

// DeriveCookieKey turns a free-form secret into an AES-256 cookie key.
func DeriveCookieKey(secret string) string {
	if secret == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(secret))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func newSessionStore(cfg SessionConfig) (*session.Store, error) {
	if cfg.EncryptionKey != "" {
		key, err := base64.StdEncoding.DecodeString(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("decoding session encryption key: %w", err)
		}
		switch len(key) {
		case 16, 24, 32:
		default:
			return nil, fmt.Errorf("session encryption key must be 16, 24 or 32 bytes, got %d", len(key))
		}
	}

	name := cfg.CookieName
	if name == "" {
		name = "session"
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}

	return session.New(session.Config{
		Expiration:     maxAge,
		KeyLookup:      "cookie:" + name,
		CookieHTTPOnly: true,
		CookieSecure:   cfg.Secure,
		CookieSameSite: "None",
		Storage:        cfg.Storage,
	}), nil
}

func newCookieEncryption(cfg SessionConfig) fiber.Handler {
	return encryptcookie.New(encryptcookie.Config{
		Key: cfg.EncryptionKey,
	})
}

// sessionMiddleware binds a token store to the request. The store saves
// the session on every mutation.
func sessionMiddleware(sessions tokenstore.SessionLoader) fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Locals(storeLocalsKey, tokenstore.NewSessionStore(sessions, c))
		return c.Next()
	}
}

var errNoSession = errors.New("no session bound to request")

func sessionStore(c *fiber.Ctx) (tokenstore.Store, error) {
	store, ok := c.Locals(storeLocalsKey).(*tokenstore.SessionStore)
	if !ok {
		return nil, errNoSession
	}
	return store, nil
}
