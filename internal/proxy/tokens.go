// Package proxy runs local request-translating listeners between the
// assistant process and upstream model providers with incompatible API
// shapes, and manages short-lived bearer tokens for the providers that
// need them.
package proxy

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// expiryMargin is the safety window before nominal expiry at which a cached
// token is treated as stale.
const expiryMargin = 2 * time.Minute

// Token is a provider bearer token with its expiry. Never persisted to disk.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

// Valid reports whether the token is usable, honoring the safety margin.
func (t Token) Valid() bool {
	return t.AccessToken != "" && time.Now().Add(expiryMargin).Before(t.ExpiresAt)
}

// fetchFunc obtains a fresh token for a provider.
type fetchFunc func(ctx context.Context) (Token, error)

type flight struct {
	done chan struct{}
	tok  Token
	err  error
}

// TokenCache holds one token per provider, fetched lazily and refreshed when
// stale. Concurrent requests for an expired token share a single upstream
// fetch; latecomers wait on the in-flight attempt instead of issuing their
// own.
type TokenCache struct {
	logger *slog.Logger

	mu      sync.Mutex
	tokens  map[string]Token
	flights map[string]*flight
	fetch   map[string]fetchFunc
}

// NewTokenCache creates an empty cache.
func NewTokenCache(logger *slog.Logger) *TokenCache {
	return &TokenCache{
		logger:  logger,
		tokens:  make(map[string]Token),
		flights: make(map[string]*flight),
		fetch:   make(map[string]fetchFunc),
	}
}

// Register installs the credential flow for a provider.
func (c *TokenCache) Register(provider string, fetch fetchFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetch[provider] = fetch
}

// Get returns a valid cached token or fetches a new one. Only one fetch per
// provider is ever in flight.
func (c *TokenCache) Get(ctx context.Context, provider string) (Token, error) {
	c.mu.Lock()
	if tok, ok := c.tokens[provider]; ok && tok.Valid() {
		c.mu.Unlock()
		return tok, nil
	}

	if f, ok := c.flights[provider]; ok {
		// Someone else is already fetching; wait on their outcome.
		c.mu.Unlock()
		select {
		case <-f.done:
			return f.tok, f.err
		case <-ctx.Done():
			return Token{}, ctx.Err()
		}
	}

	fetch, ok := c.fetch[provider]
	if !ok {
		c.mu.Unlock()
		return Token{}, &UnknownProviderError{Provider: provider}
	}

	f := &flight{done: make(chan struct{})}
	c.flights[provider] = f
	c.mu.Unlock()

	f.tok, f.err = fetch(ctx)

	c.mu.Lock()
	delete(c.flights, provider)
	if f.err == nil {
		c.tokens[provider] = f.tok
		c.logger.Debug("provider token refreshed",
			"provider", provider, "expires_at", f.tok.ExpiresAt)
	} else {
		c.logger.Warn("provider token fetch failed", "provider", provider, "error", f.err)
	}
	c.mu.Unlock()

	close(f.done)
	return f.tok, f.err
}

// HasValidToken reports whether a usable token is cached for the provider.
func (c *TokenCache) HasValidToken(provider string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok, ok := c.tokens[provider]
	return ok && tok.Valid()
}

// TokenExpiry exposes the cached token's expiry, zero if none is cached.
func (c *TokenCache) TokenExpiry(provider string) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens[provider].ExpiresAt
}

// Clear drops the cached token so the next Get refetches regardless of
// prior expiry. Called on upstream authentication failures.
func (c *TokenCache) Clear(provider string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, provider)
}

// UnknownProviderError indicates no credential flow is registered for a
// provider name.
type UnknownProviderError struct {
	Provider string
}

func (e *UnknownProviderError) Error() string {
	return "no credential flow registered for provider: " + e.Provider
}
