// Package auth verifies the admin bearer token guarding the HTTP API.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingToken = errors.New("missing authorization header")
	ErrInvalidToken = errors.New("invalid admin token")
)

// Principal is the authenticated caller.
type Principal struct {
	Name string
}

// Authenticator validates a bearer token.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Principal, error)
}

// ExtractBearer returns the token from an Authorization header value.
func ExtractBearer(header string) (string, error) {
	token := strings.TrimSpace(header)
	if token == "" {
		return "", ErrMissingToken
	}
	// RFC 6750: the "Bearer" scheme is case-insensitive. A scheme with no
	// credentials is not a token.
	if strings.EqualFold(token, "bearer") {
		return "", ErrMissingToken
	}
	if len(token) > 7 && strings.EqualFold(token[:6], "bearer") && (token[6] == ' ' || token[6] == '\t') {
		token = strings.TrimSpace(token[7:])
	}
	return token, nil
}

// HashToken returns the bcrypt hash stored in GUARDCLAW_ADMIN_TOKEN_HASH.
func HashToken(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("HashToken: empty token")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("HashToken: %w", err)
	}
	return string(h), nil
}

// HashAuthenticator checks tokens against one bcrypt hash. Verified tokens
// are cached so bcrypt runs once per token per TTL.
type HashAuthenticator struct {
	hash   []byte
	cache  *AuthCache
	logger *zap.Logger
}

// NewHashAuthenticator creates an authenticator for hash. A zero ttl
// defaults to 30s.
func NewHashAuthenticator(hash string, ttl time.Duration, logger *zap.Logger) (*HashAuthenticator, error) {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("NewHashAuthenticator: %w", err)
	}
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return &HashAuthenticator{hash: []byte(hash), cache: NewAuthCache(ttl), logger: logger}, nil
}

// Authenticate verifies token.
func (a *HashAuthenticator) Authenticate(_ context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	key := cacheKey(token)
	if p, ok := a.cache.Get(key); ok {
		return p, nil
	}
	if err := bcrypt.CompareHashAndPassword(a.hash, []byte(token)); err != nil {
		a.logger.Debug("admin token rejected")
		return nil, ErrInvalidToken
	}
	p := &Principal{Name: "admin"}
	a.cache.Set(key, p)
	return p, nil
}

// cacheKey keeps plaintext tokens out of the cache.
func cacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
